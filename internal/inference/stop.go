package inference

import "strings"

// stopMatcher scans the generated text for stop sequences, holding back
// tokens whose text could still turn out to be the head of a match. Held
// tokens are released as soon as a stop can no longer reach them.
type stopMatcher struct {
	stops []string
	held  []Token
	text  string // concatenation of held token text
}

// newStopMatcher returns nil when no usable sequence is given, so callers
// can skip the holdback path entirely.
func newStopMatcher(stops []string) *stopMatcher {
	kept := make([]string, 0, len(stops))
	for _, s := range stops {
		if s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &stopMatcher{stops: kept}
}

// push adds one generated token. It returns the tokens now safe to emit
// and whether a stop sequence completed. On a match, text from the match
// onward is discarded and a token straddling the boundary is released
// with its text truncated.
func (m *stopMatcher) push(tok Token) (released []Token, stopped bool) {
	m.held = append(m.held, tok)
	m.text += tok.Text

	if idx := m.matchIndex(); idx >= 0 {
		off := 0
		for _, t := range m.held {
			end := off + len(t.Text)
			if end <= idx {
				released = append(released, t)
				off = end
				continue
			}
			if off < idx {
				t.Text = t.Text[:idx-off]
				released = append(released, t)
			}
			break
		}
		m.held = nil
		m.text = ""
		return released, true
	}

	// Release every token that ends before the longest suffix still
	// extendable into a stop sequence.
	keep := m.overhang()
	releasable := len(m.text) - keep
	off := 0
	n := 0
	for _, t := range m.held {
		if off+len(t.Text) > releasable {
			break
		}
		released = append(released, t)
		off += len(t.Text)
		n++
	}
	m.held = m.held[n:]
	m.text = m.text[off:]
	return released, false
}

// flush hands back everything still held. Used when the stream ends for a
// reason other than a stop match.
func (m *stopMatcher) flush() []Token {
	out := m.held
	m.held = nil
	m.text = ""
	return out
}

// matchIndex returns the position of the earliest stop occurrence in the
// held text, or -1.
func (m *stopMatcher) matchIndex() int {
	idx := -1
	for _, s := range m.stops {
		if j := strings.Index(m.text, s); j >= 0 && (idx < 0 || j < idx) {
			idx = j
		}
	}
	return idx
}

// overhang is the length of the longest suffix of the held text that is a
// proper prefix of some stop sequence.
func (m *stopMatcher) overhang() int {
	over := 0
	for _, s := range m.stops {
		limit := len(s) - 1
		if limit > len(m.text) {
			limit = len(m.text)
		}
		for k := limit; k > over; k-- {
			if strings.HasPrefix(s, m.text[len(m.text)-k:]) {
				over = k
				break
			}
		}
	}
	return over
}
