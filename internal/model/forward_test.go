package model

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tobymordkin/cortex/internal/gguf"
	"github.com/tobymordkin/cortex/internal/quant"
)

type tinyParams struct {
	vocab, embd, heads, kvHeads, ffn, blocks, ctxLen int
}

func (p tinyParams) headDim() int { return p.embd / p.heads }
func (p tinyParams) kvDim() int   { return p.kvHeads * p.headDim() }

func zeros(n int) []float32 { return make([]float32, n) }

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func eye(rows, cols int) []float32 {
	v := make([]float32, rows*cols)
	for i := 0; i < rows && i < cols; i++ {
		v[i*cols+i] = 1
	}
	return v
}

// shiftHead maps hidden index i to logit (i+1) mod rows, so greedy
// decoding walks the vocabulary in order.
func shiftHead(rows, cols int) []float32 {
	v := make([]float32, rows*cols)
	for j := 0; j < rows; j++ {
		src := (j - 1 + rows) % rows
		if src < cols {
			v[j*cols+src] = 1
		}
	}
	return v
}

func pseudoRand(n int, seed int64) []float32 {
	v := make([]float32, n)
	state := uint64(seed)*6364136223846793005 + 1442695040888963407
	for i := range v {
		state = state*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(state>>40)%257-128) / 256
	}
	return v
}

func addModelMeta(b *gguf.Builder, p tinyParams) {
	b.AddString("general.architecture", "llama")
	b.AddUint32("llama.embedding_length", uint32(p.embd))
	b.AddUint32("llama.block_count", uint32(p.blocks))
	b.AddUint32("llama.feed_forward_length", uint32(p.ffn))
	b.AddUint32("llama.attention.head_count", uint32(p.heads))
	b.AddUint32("llama.attention.head_count_kv", uint32(p.kvHeads))
	b.AddUint32("llama.context_length", uint32(p.ctxLen))
	b.AddUint32("llama.vocab_size", uint32(p.vocab))
}

func modelDims(p tinyParams) map[string][]uint64 {
	dims := map[string][]uint64{
		"token_embd.weight":  {uint64(p.embd), uint64(p.vocab)},
		"output_norm.weight": {uint64(p.embd)},
		"output.weight":      {uint64(p.embd), uint64(p.vocab)},
	}
	for i := 0; i < p.blocks; i++ {
		pre := fmt.Sprintf("blk.%d.", i)
		dims[pre+"attn_norm.weight"] = []uint64{uint64(p.embd)}
		dims[pre+"ffn_norm.weight"] = []uint64{uint64(p.embd)}
		dims[pre+"attn_q.weight"] = []uint64{uint64(p.embd), uint64(p.embd)}
		dims[pre+"attn_k.weight"] = []uint64{uint64(p.embd), uint64(p.kvDim())}
		dims[pre+"attn_v.weight"] = []uint64{uint64(p.embd), uint64(p.kvDim())}
		dims[pre+"attn_output.weight"] = []uint64{uint64(p.embd), uint64(p.embd)}
		dims[pre+"ffn_gate.weight"] = []uint64{uint64(p.embd), uint64(p.ffn)}
		dims[pre+"ffn_up.weight"] = []uint64{uint64(p.embd), uint64(p.ffn)}
		dims[pre+"ffn_down.weight"] = []uint64{uint64(p.ffn), uint64(p.embd)}
	}
	return dims
}

func writeModel(t *testing.T, p tinyParams, dims map[string][]uint64, weights map[string][]float32) string {
	t.Helper()
	b := gguf.NewBuilder()
	addModelMeta(b, p)
	for name, d := range dims {
		vals, ok := weights[name]
		if !ok {
			n := uint64(1)
			for _, dim := range d {
				n *= dim
			}
			vals = zeros(int(n))
		}
		if err := b.AddTensorF32(name, d, quant.F32, vals); err != nil {
			t.Fatalf("tensor %s: %v", name, err)
		}
	}
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	if err := b.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func openModel(t *testing.T, path string, opts Options) *Model {
	t.Helper()
	f, err := gguf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	m, err := New(f, opts)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// shiftModel builds a model whose greedy next token is always
// (token+1) mod vocab: identity embedding, inert attention and FFN
// (zeroed norms), and a shifted permutation LM head.
func shiftModel(t *testing.T, p tinyParams, opts Options) *Model {
	t.Helper()
	path := writeModel(t, p, modelDims(p), map[string][]float32{
		"token_embd.weight":  eye(p.vocab, p.embd),
		"output_norm.weight": ones(p.embd),
		"output.weight":      shiftHead(p.vocab, p.embd),
	})
	return openModel(t, path, opts)
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func TestForwardGreedyShiftChain(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 16}
	m := shiftModel(t, p, Options{})

	tok := 0
	for pos := 0; pos < 6; pos++ {
		logits, err := m.Forward(tok, pos)
		if err != nil {
			t.Fatalf("pos %d: %v", pos, err)
		}
		if len(logits) != p.vocab {
			t.Fatalf("logits length %d, want %d", len(logits), p.vocab)
		}
		next := argmax(logits)
		want := (tok + 1) % p.vocab
		if next != want {
			t.Fatalf("pos %d token %d: argmax %d, want %d", pos, tok, next, want)
		}
		tok = next
	}
}

func TestForwardSequenceEnforced(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 16}
	m := shiftModel(t, p, Options{})

	if _, err := m.Forward(0, 3); err == nil {
		t.Fatal("out-of-sequence position accepted")
	}
	if _, err := m.Forward(-1, 0); err == nil {
		t.Fatal("negative token accepted")
	}
	if _, err := m.Forward(p.vocab, 0); err == nil {
		t.Fatal("token beyond vocab accepted")
	}
}

func TestForwardContextExceeded(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 4}
	m := shiftModel(t, p, Options{})

	for pos := 0; pos < 4; pos++ {
		if _, err := m.Forward(0, pos); err != nil {
			t.Fatalf("pos %d: %v", pos, err)
		}
	}
	_, err := m.Forward(0, 4)
	if err == nil {
		t.Fatal("step past context accepted without window")
	}
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCacheLengthLaw(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 16}
	m := shiftModel(t, p, Options{Window: 4})

	if !m.Sliding() || m.Window() != 4 {
		t.Fatalf("window=%d sliding=%v", m.Window(), m.Sliding())
	}
	for n := 0; n < 10; n++ {
		want := n
		if want > 4 {
			want = 4
		}
		if got := m.CacheLen(); got != want {
			t.Fatalf("after %d steps cache length %d, want %d", n, got, want)
		}
		if _, err := m.Forward(0, n); err != nil {
			t.Fatalf("pos %d: %v", n, err)
		}
	}

	m.Reset()
	if m.CacheLen() != 0 {
		t.Fatalf("cache length %d after reset", m.CacheLen())
	}
	if _, err := m.Forward(0, 0); err != nil {
		t.Fatalf("forward after reset: %v", err)
	}
}

func randomWeights(p tinyParams) map[string][]float32 {
	weights := map[string][]float32{
		"token_embd.weight":  pseudoRand(p.vocab*p.embd, 1),
		"output_norm.weight": ones(p.embd),
		"output.weight":      pseudoRand(p.vocab*p.embd, 2),
	}
	seed := int64(3)
	for i := 0; i < p.blocks; i++ {
		pre := fmt.Sprintf("blk.%d.", i)
		weights[pre+"attn_norm.weight"] = ones(p.embd)
		weights[pre+"ffn_norm.weight"] = ones(p.embd)
		for _, w := range []string{"attn_q", "attn_k", "attn_v", "attn_output", "ffn_gate", "ffn_up", "ffn_down"} {
			var n int
			switch w {
			case "attn_k", "attn_v":
				n = p.kvDim() * p.embd
			case "ffn_gate", "ffn_up", "ffn_down":
				n = p.ffn * p.embd
			default:
				n = p.embd * p.embd
			}
			weights[pre+w+".weight"] = pseudoRand(n, seed)
			seed++
		}
	}
	return weights
}

func TestSlidingWindowMatchesFullEarly(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 2, ctxLen: 16}
	path := writeModel(t, p, modelDims(p), randomWeights(p))

	full := openModel(t, path, Options{})
	slid := openModel(t, path, Options{Window: 4})

	// Until eviction starts, the ring holds exactly what the full cache
	// holds and the logits must agree.
	tokens := []int{1, 5, 2, 7}
	for pos, tok := range tokens {
		a, err := full.Forward(tok, pos)
		if err != nil {
			t.Fatal(err)
		}
		got := append([]float32(nil), a...)
		b, err := slid.Forward(tok, pos)
		if err != nil {
			t.Fatal(err)
		}
		for i := range got {
			if diff := math.Abs(float64(got[i] - b[i])); diff > 1e-6 {
				t.Fatalf("pos %d logit %d: full=%v windowed=%v", pos, i, got[i], b[i])
			}
		}
	}

	// Past the window the ring keeps going where a windowless model of
	// the same size would already overflow.
	if _, err := slid.Forward(3, 4); err != nil {
		t.Fatalf("windowed step past ring size: %v", err)
	}
	if got := slid.CacheLen(); got != 4 {
		t.Fatalf("cache length %d, want 4", got)
	}
}

func TestNewRejectsBadShape(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 16}

	dims := modelDims(p)
	dims["blk.0.attn_q.weight"] = []uint64{4, 8}
	path := writeModel(t, p, dims, nil)
	f, err := gguf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	_, err = New(f, Options{})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
	if !strings.Contains(err.Error(), "blk.0.attn_q.weight") {
		t.Fatalf("error does not name the tensor: %v", err)
	}
}

func TestNewRejectsMissingTensor(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 16}

	dims := modelDims(p)
	delete(dims, "blk.0.ffn_up.weight")
	path := writeModel(t, p, dims, nil)
	f, err := gguf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	_, err = New(f, Options{})
	if !errors.Is(err, gguf.ErrFormat) {
		t.Fatalf("got %v, want ErrFormat", err)
	}
	if !strings.Contains(err.Error(), "blk.0.ffn_up.weight") {
		t.Fatalf("error does not name the tensor: %v", err)
	}
}

func TestTiedOutputHead(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 16}

	// Without output.weight the embedding matrix doubles as the LM head.
	// With an identity embedding the logit row for the current token is
	// its own one-hot, so greedy decoding repeats the token.
	dims := modelDims(p)
	delete(dims, "output.weight")
	path := writeModel(t, p, dims, map[string][]float32{
		"token_embd.weight":  eye(p.vocab, p.embd),
		"output_norm.weight": ones(p.embd),
	})
	m := openModel(t, path, Options{})

	logits, err := m.Forward(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := argmax(logits); got != 3 {
		t.Fatalf("tied head argmax %d, want 3", got)
	}
}

func TestDimensionMismatchNamed(t *testing.T) {
	p := tinyParams{vocab: 8, embd: 8, heads: 2, kvHeads: 2, ffn: 8, blocks: 1, ctxLen: 16}
	path := writeModel(t, p, modelDims(p), nil)
	f, err := gguf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ti, ok := f.Tensor("blk.0.attn_q.weight")
	if !ok {
		t.Fatal("attn_q missing from fixture")
	}
	_, err = checkDims(ti, 4, 8)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
	if !strings.Contains(err.Error(), "blk.0.attn_q.weight") {
		t.Fatalf("error does not name the tensor: %v", err)
	}
}

func TestApplyRoPE(t *testing.T) {
	headDim := 8
	invFreq := make([]float64, headDim/2)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(10000, float64(2*i)/float64(headDim))
	}

	x := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	orig := append([]float32(nil), x...)
	applyRoPE(x, 1, headDim, 0, invFreq)
	for i := range x {
		if math.Abs(float64(x[i]-orig[i])) > 1e-6 {
			t.Fatalf("rope at position 0 moved element %d: %v -> %v", i, orig[i], x[i])
		}
	}

	// Rotations preserve the norm of each pair.
	applyRoPE(x, 1, headDim, 7, invFreq)
	for i := 0; i < headDim/2; i++ {
		before := math.Hypot(float64(orig[i]), float64(orig[i+headDim/2]))
		after := math.Hypot(float64(x[i]), float64(x[i+headDim/2]))
		if math.Abs(before-after) > 1e-4 {
			t.Fatalf("pair %d norm changed: %v -> %v", i, before, after)
		}
	}
}
