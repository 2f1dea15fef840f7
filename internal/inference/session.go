// Package inference drives autoregressive generation against a loaded
// model: tokenize, prefill the prompt, then sample one token per step. A
// Session owns the model's KV cache, so it decodes one stream at a time.
package inference

import (
	"errors"
	"sync"
	"time"

	"github.com/tobymordkin/cortex/internal/compute"
	"github.com/tobymordkin/cortex/internal/gguf"
	"github.com/tobymordkin/cortex/internal/logger"
	"github.com/tobymordkin/cortex/internal/model"
	"github.com/tobymordkin/cortex/internal/tokenizer"
)

// ErrContextOverflow reports a prompt that does not fit the model context
// when no sliding window is configured.
var ErrContextOverflow = model.ErrContextOverflow

// ErrStreamClosed is returned by Next on a stream that was closed,
// superseded by a later Generate call, or whose session was closed.
var ErrStreamClosed = errors.New("inference: stream closed")

// Config adjusts how a model is loaded.
type Config struct {
	// ContextLength caps the model's declared context when > 0.
	ContextLength int
	// SlidingWindow bounds the KV cache to the last n positions, letting
	// generation run past the context bound by evicting the oldest ones.
	// Zero keeps the full context.
	SlidingWindow int
	// Threads overrides the matvec worker count when > 0.
	Threads int
	// Logger receives load and generation progress. Nil discards.
	Logger logger.Logger
}

// Session binds an open model file, its tokenizer, and the decode state.
// The file mapping stays open for the session's lifetime.
type Session struct {
	mu   sync.Mutex
	file *gguf.File
	m    *model.Model
	tok  *tokenizer.Tokenizer
	log  logger.Logger

	piecesOnce sync.Once
	pieces     []string

	// ctxTokens mirrors the positions fed to the model since the last
	// Reset, so a later prompt extending them can reuse the cache.
	ctxTokens []int

	cur    *Stream
	closed bool
}

// Load opens a GGUF model file and prepares it for generation.
func Load(path string, cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Threads > 0 {
		compute.SetDefaultWorkers(cfg.Threads)
	}

	start := time.Now()
	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := model.New(f, model.Options{
		ContextLength: cfg.ContextLength,
		Window:        cfg.SlidingWindow,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	tok, err := tokenizer.FromFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	log.Info("model loaded",
		"path", path,
		"arch", m.Params.Arch,
		"layers", m.Params.Blocks,
		"vocab", m.Params.Vocab,
		"context", m.ContextLength(),
		"window", m.Window(),
		"backend", compute.Active().String(),
		"elapsed", time.Since(start),
	)
	return &Session{file: f, m: m, tok: tok, log: log}, nil
}

// Close releases the model mapping. Any live stream fails afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cur = nil
	return s.file.Close()
}

// Model exposes the loaded model for introspection.
func (s *Session) Model() *model.Model { return s.m }

// Tokenizer exposes the session vocabulary.
func (s *Session) Tokenizer() *tokenizer.Tokenizer { return s.tok }

func (s *Session) vocabPieces() []string {
	s.piecesOnce.Do(func() {
		s.pieces = make([]string, s.tok.Len())
		for i := range s.pieces {
			s.pieces[i] = s.tok.Piece(i)
		}
	})
	return s.pieces
}

// Stats summarizes one finished generation. PromptTPS covers the
// prefill phase, GenerationTPS the decode steps after it, TPS the whole
// run.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
	PromptTPS       float64
	GenerationTPS   float64
}
