// Package grammar compiles a JSON Schema subset into a byte-level
// pushdown automaton used to mask the sampler's vocabulary so that
// every emitted prefix stays valid JSON.
package grammar

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

var ErrSchema = errors.New("grammar: invalid schema")

// Grammar is a compiled schema. It is immutable and safe to share
// across sessions.
type Grammar struct {
	root *node
}

// Compile parses a JSON Schema document supporting object, array,
// string, integer, number, boolean and enum-of-strings.
func Compile(schema []byte) (*Grammar, error) {
	dec := json.NewDecoder(bytes.NewReader(schema))
	dec.UseNumber()
	def, err := parseSchema(dec)
	if err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after schema", ErrSchema)
	}
	root, err := compileNode(def)
	if err != nil {
		return nil, err
	}
	return &Grammar{root: root}, nil
}

// Start returns the automaton's initial state.
func (g *Grammar) Start() State {
	return State{top: pushNode(g.root, nil)}
}

// State is an immutable snapshot of the automaton. Advancing returns a
// new state; the old one stays valid, so many candidate tokens can be
// probed from the same point.
type State struct {
	top *stack
}

type stack struct {
	f    frame
	next *stack
}

// Advance consumes one byte. Frames that may end without a terminator
// (numbers) fall through to the frame below when the byte does not fit.
func (s State) Advance(b byte) (State, bool) {
	cur := s.top
	for cur != nil {
		next, consumed, ok := cur.f.step(b, cur.next)
		if !ok {
			if cur.f.canEnd() {
				cur = cur.next
				continue
			}
			return State{}, false
		}
		if consumed {
			return State{top: next}, true
		}
		cur = next
	}
	return State{}, false
}

// AdvanceString consumes every byte of text, failing on the first
// rejected byte.
func (s State) AdvanceString(text string) (State, bool) {
	cur := s
	for i := 0; i < len(text); i++ {
		next, ok := cur.Advance(text[i])
		if !ok {
			return State{}, false
		}
		cur = next
	}
	return cur, true
}

// Accepting reports whether the consumed input forms a complete
// document. Pending frames that can all end (a trailing number) still
// count as accepting.
func (s State) Accepting() bool {
	for cur := s.top; cur != nil; cur = cur.next {
		if !cur.f.canEnd() {
			return false
		}
	}
	return true
}

// Allowed reports whether a token with the given text may be emitted
// from this state. Empty text never advances the document and is
// always rejected.
func Allowed(s State, text string) bool {
	if text == "" {
		return false
	}
	_, ok := s.AdvanceString(text)
	return ok
}

// MaskTokens builds the validity mask for a vocabulary of decoded piece
// texts. The end-of-sequence id is allowed only in an accepting state.
func MaskTokens(s State, pieces []string, eosID int) []bool {
	mask := make([]bool, len(pieces))
	MaskInto(mask, s, pieces, eosID)
	return mask
}

// MaskInto fills a caller-owned mask slice, for reuse across steps.
func MaskInto(mask []bool, s State, pieces []string, eosID int) {
	for i, p := range pieces {
		mask[i] = Allowed(s, p)
	}
	if eosID >= 0 && eosID < len(mask) {
		mask[eosID] = s.Accepting()
	}
}
