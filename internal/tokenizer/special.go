package tokenizer

import "strings"

type textPart struct {
	text    string
	special bool
}

// collectSpecials gathers the pieces that must match verbatim in input
// text: control and user-defined tokens when token types are present,
// otherwise anything shaped like <|...|>.
func collectSpecials(pieces []string, types []int32) []string {
	out := make([]string, 0, 32)
	for i, p := range pieces {
		if p == "" {
			continue
		}
		if i < len(types) {
			if types[i] == typeControl || types[i] == typeUserDefined {
				out = append(out, p)
			}
			continue
		}
		if strings.HasPrefix(p, "<|") && strings.HasSuffix(p, "|>") {
			out = append(out, p)
		}
	}
	// longest-match first
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && len(out[j]) > len(out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if i+len(sp) > len(text) {
				continue
			}
			if text[i:i+len(sp)] == sp {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, special: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}
