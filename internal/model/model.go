// Package model resolves transformer weights out of an open GGUF file and
// runs the single-token forward pass against them.
package model

import (
	"errors"
	"math"
	"sync"

	"github.com/tobymordkin/cortex/internal/compute"
	"github.com/tobymordkin/cortex/internal/gguf"
)

// ErrDimensionMismatch reports a tensor whose shape disagrees with the
// model hyperparameters. It indicates a broken model file or a loader bug,
// never a recoverable condition.
var ErrDimensionMismatch = errors.New("model: dimension mismatch")

// ErrContextOverflow reports a decode position past the context bound of a
// model with no sliding window. Sliding models never return it.
var ErrContextOverflow = errors.New("model: context length exceeded")

// Options configures the executor at load time.
type Options struct {
	// ContextLength caps the model's declared context_length when > 0.
	ContextLength int
	// Window sets the KV cache ring size. 0 keeps the full effective
	// context; a smaller value slides, evicting the oldest positions.
	Window int
}

type layer struct {
	attnNorm []float32
	ffnNorm  []float32

	wq *compute.Weights
	wk *compute.Weights
	wv *compute.Weights
	wo *compute.Weights

	wGate *compute.Weights
	wUp   *compute.Weights
	wDown *compute.Weights

	cacheK []float32
	cacheV []float32
}

type scratch struct {
	x       []float32
	xn      []float32
	q       []float32
	k       []float32
	v       []float32
	attnOut []float32
	proj    []float32
	gate    []float32
	up      []float32
	logits  []float32
}

// Model is a resolved llama-family transformer. Weight slices point into
// the mapped GGUF file, so the file must stay open for the model's
// lifetime. A Model decodes one sequence at a time.
type Model struct {
	Params Params

	tokEmbd    *gguf.TensorInfo
	outputNorm []float32
	output     *compute.Weights
	layers     []layer

	ctxLen  int // positions allowed when not sliding
	window  int // KV ring slots
	sliding bool
	seen    int

	invFreq []float64
	scratch scratch

	attnPoolOnce sync.Once
	attnPool     *attnPool
}

// New resolves all weights and allocates the KV cache and scratch
// buffers. Any missing tensor or shape disagreement fails the whole load.
func New(f *gguf.File, opts Options) (*Model, error) {
	params, err := ParamsFromFile(f)
	if err != nil {
		return nil, err
	}

	ctxLen := params.ContextLength
	if opts.ContextLength > 0 && opts.ContextLength < ctxLen {
		ctxLen = opts.ContextLength
	}
	window := ctxLen
	sliding := false
	if opts.Window > 0 && opts.Window < ctxLen {
		window = opts.Window
		sliding = true
	}

	m := &Model{
		Params:  params,
		ctxLen:  ctxLen,
		window:  window,
		sliding: sliding,
	}
	if err := m.resolveWeights(f); err != nil {
		return nil, err
	}

	kvDim := params.KVDim()
	for i := range m.layers {
		m.layers[i].cacheK = make([]float32, window*kvDim)
		m.layers[i].cacheV = make([]float32, window*kvDim)
	}

	m.invFreq = make([]float64, params.HeadDim/2)
	for i := range m.invFreq {
		m.invFreq[i] = 1.0 / math.Pow(params.RopeFreqBase, float64(2*i)/float64(params.HeadDim))
	}

	m.scratch = scratch{
		x:       make([]float32, params.Embedding),
		xn:      make([]float32, params.Embedding),
		q:       make([]float32, params.Embedding),
		k:       make([]float32, kvDim),
		v:       make([]float32, kvDim),
		attnOut: make([]float32, params.Embedding),
		proj:    make([]float32, params.Embedding),
		gate:    make([]float32, params.FFN),
		up:      make([]float32, params.FFN),
		logits:  make([]float32, params.Vocab),
	}
	return m, nil
}

// Window reports the KV ring size in positions.
func (m *Model) Window() int { return m.window }

// ContextLength reports the effective context bound. With a sliding
// window the position counter may pass it.
func (m *Model) ContextLength() int { return m.ctxLen }

// Sliding reports whether old positions are evicted instead of the
// sequence hitting a hard bound.
func (m *Model) Sliding() bool { return m.sliding }

// CacheLen reports how many positions the KV cache currently holds.
func (m *Model) CacheLen() int {
	if m.seen < m.window {
		return m.seen
	}
	return m.window
}

// Reset rewinds the sequence to position zero. Cache buffers are not
// zeroed: attention reads positions [start, pos], which are always
// rewritten before being read again.
func (m *Model) Reset() {
	m.seen = 0
}

func (m *Model) getAttnPool() *attnPool {
	m.attnPoolOnce.Do(func() {
		m.attnPool = newAttnPool(attnWorkersFor(m.Params.Heads), m.window)
	})
	return m.attnPool
}
