// Package tokenizer implements the SentencePiece-style BPE tokenizer
// embedded in GGUF metadata for llama-family models.
package tokenizer

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tobymordkin/cortex/internal/gguf"
)

// spmSpace is the U+2581 lower-one-eighth block SentencePiece uses to
// mark word boundaries inside pieces.
const spmSpace = "▁"

// Token type codes from the tokenizer.ggml.token_type array.
const (
	typeNormal      = 1
	typeUnknown     = 2
	typeControl     = 3
	typeUserDefined = 4
	typeByte        = 6
)

type Tokenizer struct {
	pieces  []string
	ids     map[string]int
	scores  []float32
	types   []int32
	byteID  [256]int
	special []string

	bosID  int
	eosID  int
	unkID  int
	padID  int
	addBOS bool
	prefix bool
}

// FromFile builds a tokenizer from the tokenizer.ggml.* metadata keys.
func FromFile(f *gguf.File) (*Tokenizer, error) {
	if model, ok := f.GetString("tokenizer.ggml.model"); ok && model != "llama" {
		return nil, fmt.Errorf("%w: unsupported tokenizer model %q", gguf.ErrFormat, model)
	}
	pieces, ok := gguf.GetArray[string](f, "tokenizer.ggml.tokens")
	if !ok || len(pieces) == 0 {
		return nil, fmt.Errorf("%w: missing tokenizer.ggml.tokens", gguf.ErrFormat)
	}

	t := &Tokenizer{
		pieces: pieces,
		ids:    make(map[string]int, len(pieces)),
		bosID:  1,
		eosID:  2,
		unkID:  0,
		padID:  -1,
		addBOS: true,
		prefix: true,
	}
	for i, p := range pieces {
		t.ids[p] = i
	}

	if scores, ok := gguf.GetArray[float32](f, "tokenizer.ggml.scores"); ok {
		t.scores = scores
	}
	if types, ok := gguf.GetArray[int32](f, "tokenizer.ggml.token_type"); ok {
		t.types = types
	}
	if v, ok := f.GetUint("tokenizer.ggml.bos_token_id"); ok {
		t.bosID = int(v)
	}
	if v, ok := f.GetUint("tokenizer.ggml.eos_token_id"); ok {
		t.eosID = int(v)
	}
	if v, ok := f.GetUint("tokenizer.ggml.unknown_token_id"); ok {
		t.unkID = int(v)
	}
	if v, ok := f.GetUint("tokenizer.ggml.padding_token_id"); ok {
		t.padID = int(v)
	}
	if v, ok := f.GetBool("tokenizer.ggml.add_bos_token"); ok {
		t.addBOS = v
	}
	if v, ok := f.GetBool("tokenizer.ggml.add_space_prefix"); ok {
		t.prefix = v
	}

	for i := range t.byteID {
		t.byteID[i] = -1
	}
	for i, p := range pieces {
		if b, ok := parseByteToken(p); ok {
			t.byteID[b] = i
		}
	}
	t.special = collectSpecials(pieces, t.types)
	return t, nil
}

// Encode converts text to token ids: control and user-defined pieces
// match verbatim, everything else is seeded as characters (with byte
// fallback) and merged greedily by piece score.
func (t *Tokenizer) Encode(text string, addBOS bool) []int {
	var ids []int
	if addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.special) {
		if part.special {
			ids = append(ids, t.ids[part.text])
			continue
		}
		ids = t.encodeFragment(ids, part.text)
	}
	return ids
}

func (t *Tokenizer) encodeFragment(ids []int, text string) []int {
	if text == "" {
		return ids
	}
	if t.prefix {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", spmSpace)

	seed := make([]int, 0, len(text))
	for _, r := range text {
		s := string(r)
		if id, ok := t.ids[s]; ok {
			seed = append(seed, id)
			continue
		}
		for i := 0; i < len(s); i++ {
			if id := t.byteID[s[i]]; id >= 0 {
				seed = append(seed, id)
			} else if t.unkID >= 0 {
				seed = append(seed, t.unkID)
			}
		}
	}
	return append(ids, t.merge(seed)...)
}

// merge repeatedly joins the adjacent pair whose concatenation is a
// known piece with the highest score, leftmost winning ties.
func (t *Tokenizer) merge(ids []int) []int {
	for len(ids) >= 2 {
		bestScore := float32(math.Inf(-1))
		bestIdx := -1
		bestID := 0
		for i := 0; i < len(ids)-1; i++ {
			id, ok := t.ids[t.pieces[ids[i]]+t.pieces[ids[i+1]]]
			if !ok {
				continue
			}
			if sc := t.scoreOf(id); sc > bestScore {
				bestScore = sc
				bestIdx = i
				bestID = id
			}
		}
		if bestIdx < 0 {
			break
		}
		ids[bestIdx] = bestID
		ids = append(ids[:bestIdx+1], ids[bestIdx+2:]...)
	}
	return ids
}

func (t *Tokenizer) scoreOf(id int) float32 {
	if id < len(t.scores) {
		return t.scores[id]
	}
	return 0
}

// Piece returns the decoded text of one token: spm space markers become
// spaces, byte tokens become their byte, control tokens have no text.
func (t *Tokenizer) Piece(id int) string {
	if id < 0 || id >= len(t.pieces) {
		return ""
	}
	if t.isControl(id) {
		return ""
	}
	p := t.pieces[id]
	if b, ok := parseByteToken(p); ok {
		return string([]byte{b})
	}
	return strings.ReplaceAll(p, spmSpace, " ")
}

// Decode concatenates piece texts, dropping the space-prefix marker the
// encoder added.
func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(t.Piece(id))
	}
	out := b.String()
	if t.prefix {
		out = strings.TrimPrefix(out, " ")
	}
	return out
}

func (t *Tokenizer) isControl(id int) bool {
	if id < len(t.types) {
		return t.types[id] == typeControl
	}
	return id == t.bosID || id == t.eosID || id == t.padID
}

func (t *Tokenizer) IsEOS(id int) bool { return id == t.eosID }
func (t *Tokenizer) BOSID() int        { return t.bosID }
func (t *Tokenizer) EOSID() int        { return t.eosID }
func (t *Tokenizer) AddBOS() bool      { return t.addBOS }
func (t *Tokenizer) Len() int          { return len(t.pieces) }

// parseByteToken recognizes the <0xXX> byte-fallback piece form.
func parseByteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
