package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tobymordkin/cortex/internal/grammar"
)

// GenerateJSON decodes a continuation constrained to schema and returns
// the complete document text. Every prefix of the output is valid against
// the schema's grammar, so the result always parses. MaxTokens at or
// below zero lifts the bound; a budget that cuts generation short is
// reported as an error rather than returning a truncated document. Stop
// sequences are ignored in this mode.
func (s *Session) GenerateJSON(ctx context.Context, prompt string, schema []byte, opts Options) (string, error) {
	g, err := grammar.Compile(schema)
	if err != nil {
		return "", err
	}
	opts.Grammar = g
	opts.Stop = nil
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = -1
	}

	st, err := s.Generate(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	defer st.Close()

	var b strings.Builder
	for {
		tok, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		b.WriteString(tok.Text)
	}
	if st.FinishReason() != "stop" {
		return "", fmt.Errorf("inference: generation ended before the document completed (%s)", st.FinishReason())
	}
	return b.String(), nil
}
