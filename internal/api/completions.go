package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/tobymordkin/cortex/internal/grammar"
	"github.com/tobymordkin/cortex/internal/inference"
)

// defaultMaxTokens caps a completion when the request does not say.
// Clients pass a negative max_tokens to run until end-of-sequence.
const defaultMaxTokens = 256

// CompletionRequest is an OpenAI-compatible text completion request.
// Schema, when present, constrains the output to a JSON document that
// validates against it.
type CompletionRequest struct {
	Model         string          `json:"model,omitempty"`
	Prompt        string          `json:"prompt"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	MinP          *float64        `json:"min_p,omitempty"`
	RepeatPenalty *float64        `json:"repeat_penalty,omitempty"`
	Seed          *int64          `json:"seed,omitempty"`
	Stop          any             `json:"stop,omitempty"`
	Stream        *bool           `json:"stream,omitempty"`
	Schema        json.RawMessage `json:"schema,omitempty"`
}

// CompletionResponse is the response for non-streaming completions.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   CompletionUsage    `json:"usage"`
}

type CompletionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
}

type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionChunk is a streaming SSE chunk.
type CompletionChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

func (s *Server) handleCompletions(c *echo.Context) error {
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}
	stops, err := stopStrings(req.Stop)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	opts := completionOptions(&req, stops)
	if len(req.Schema) > 0 {
		g, err := grammar.Compile(req.Schema)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "schema", "")
		}
		opts.Grammar = g
		opts.Stop = nil
	}

	completionID := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = s.model
	}

	if req.Stream != nil && *req.Stream {
		return s.handleCompletionsStream(c, req, opts, completionID, created, model)
	}
	return s.handleCompletionsSync(c, req, opts, completionID, created, model)
}

func (s *Server) handleCompletionsSync(c *echo.Context, req CompletionRequest, opts inference.Options, completionID string, created int64, model string) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	st, err := s.sess.Generate(c.Request().Context(), req.Prompt, opts)
	if err != nil {
		return completionError(c, err)
	}
	defer st.Close()

	var text strings.Builder
	for {
		tok, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return completionError(c, err)
		}
		text.WriteString(tok.Text)
	}

	finish := st.FinishReason()
	if opts.Grammar != nil && finish != "stop" {
		msg := fmt.Sprintf("generation ended before the document completed (%s)", finish)
		return writeError(c, http.StatusInternalServerError, "server_error", msg, "", "")
	}

	stats := st.Stats()
	resp := CompletionResponse{
		ID:      completionID,
		Object:  "text_completion",
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{
			{
				Text:         text.String(),
				Index:        0,
				FinishReason: &finish,
			},
		},
		Usage: CompletionUsage{
			PromptTokens:     stats.PromptTokens,
			CompletionTokens: stats.TokensGenerated,
			TotalTokens:      stats.PromptTokens + stats.TokensGenerated,
		},
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCompletionsStream(c *echo.Context, req CompletionRequest, opts inference.Options, completionID string, created int64, model string) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	// Generate before committing to SSE so a bad prompt still gets a
	// JSON error with a real status code.
	st, err := s.sess.Generate(c.Request().Context(), req.Prompt, opts)
	if err != nil {
		return completionError(c, err)
	}
	defer st.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	for {
		tok, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Best effort error chunk
			_ = sendSSEChunk(res, map[string]any{"error": err.Error()})
			_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
			flusher.Flush()
			return nil
		}
		chunk := CompletionChunk{
			ID:      completionID,
			Object:  "text_completion",
			Created: created,
			Model:   model,
			Choices: []CompletionChoice{
				{
					Text:  tok.Text,
					Index: 0,
				},
			},
		}
		if err := sendSSEChunk(res, chunk); err != nil {
			return err
		}
		flusher.Flush()
	}

	finish := st.FinishReason()
	final := CompletionChunk{
		ID:      completionID,
		Object:  "text_completion",
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{
			{
				Index:        0,
				FinishReason: &finish,
			},
		},
	}
	_ = sendSSEChunk(res, final)
	_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()

	return nil
}

func sendSSEChunk(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}

func completionOptions(req *CompletionRequest, stops []string) inference.Options {
	opts := inference.Options{
		MaxTokens: defaultMaxTokens,
		Stop:      stops,
	}
	if req.MaxTokens != nil {
		opts.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		opts.Temperature = float32(*req.Temperature)
	}
	if req.TopK != nil {
		opts.TopK = *req.TopK
	}
	if req.TopP != nil {
		opts.TopP = float32(*req.TopP)
	}
	if req.MinP != nil {
		opts.MinP = float32(*req.MinP)
	}
	if req.RepeatPenalty != nil {
		opts.RepeatPenalty = float32(*req.RepeatPenalty)
	}
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}
	return opts
}

// stopStrings accepts the OpenAI stop field, either a single string or
// an array of strings.
func stopStrings(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{s}, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, raw := range s {
			str, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("stop: expected string entries")
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("stop: expected a string or an array of strings")
	}
}

func completionError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, inference.ErrContextOverflow):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "prompt", "context_length_exceeded")
	case errors.Is(err, grammar.ErrSchema):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "schema", "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}
