package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/tobymordkin/cortex/internal/gguf"
	"github.com/tobymordkin/cortex/internal/quant"
)

// fixtureSpec describes a synthetic model file: an identity embedding,
// inert attention and FFN blocks, and a permutation LM head, so the
// greedy continuation of token t is always (t+1) mod vocab. The same
// file carries a small SentencePiece vocabulary. Ids 0, 1, 2 are always
// unk, bos, eos; the embedding width equals the vocabulary size.
type fixtureSpec struct {
	pieces []string
	scores []float32

	heads, kvHeads, ffn, blocks, ctxLen int
}

func fixtureTypes(n int) []int32 {
	types := make([]int32, n)
	for i := range types {
		types[i] = 1
	}
	types[0] = 2
	types[1] = 3
	types[2] = 3
	return types
}

func identity(n int) []float32 {
	v := make([]float32, n*n)
	for i := 0; i < n; i++ {
		v[i*n+i] = 1
	}
	return v
}

func onesVec(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// shiftHead maps hidden index i to logit (i+1) mod rows.
func shiftHead(n int) []float32 {
	v := make([]float32, n*n)
	for j := 0; j < n; j++ {
		v[j*n+(j-1+n)%n] = 1
	}
	return v
}

func writeFixture(t *testing.T, fx fixtureSpec) string {
	t.Helper()
	vocab := len(fx.pieces)
	embd := vocab
	kvDim := fx.kvHeads * (embd / fx.heads)
	scores := fx.scores
	if scores == nil {
		scores = make([]float32, vocab)
	}

	b := gguf.NewBuilder()
	b.AddString("general.architecture", "llama")
	b.AddUint32("llama.embedding_length", uint32(embd))
	b.AddUint32("llama.block_count", uint32(fx.blocks))
	b.AddUint32("llama.feed_forward_length", uint32(fx.ffn))
	b.AddUint32("llama.attention.head_count", uint32(fx.heads))
	b.AddUint32("llama.attention.head_count_kv", uint32(fx.kvHeads))
	b.AddUint32("llama.context_length", uint32(fx.ctxLen))
	b.AddUint32("llama.vocab_size", uint32(vocab))
	b.AddString("tokenizer.ggml.model", "llama")
	b.AddStringArray("tokenizer.ggml.tokens", fx.pieces)
	b.AddFloat32Array("tokenizer.ggml.scores", scores)
	b.AddInt32Array("tokenizer.ggml.token_type", fixtureTypes(vocab))

	add := func(name string, dims []uint64, vals []float32) {
		if vals == nil {
			n := uint64(1)
			for _, d := range dims {
				n *= d
			}
			vals = make([]float32, n)
		}
		if err := b.AddTensorF32(name, dims, quant.F32, vals); err != nil {
			t.Fatalf("tensor %s: %v", name, err)
		}
	}
	e, v := uint64(embd), uint64(vocab)
	add("token_embd.weight", []uint64{e, v}, identity(vocab))
	add("output_norm.weight", []uint64{e}, onesVec(embd))
	add("output.weight", []uint64{e, v}, shiftHead(vocab))
	for i := 0; i < fx.blocks; i++ {
		pre := fmt.Sprintf("blk.%d.", i)
		add(pre+"attn_norm.weight", []uint64{e}, nil)
		add(pre+"ffn_norm.weight", []uint64{e}, nil)
		add(pre+"attn_q.weight", []uint64{e, e}, nil)
		add(pre+"attn_k.weight", []uint64{e, uint64(kvDim)}, nil)
		add(pre+"attn_v.weight", []uint64{e, uint64(kvDim)}, nil)
		add(pre+"attn_output.weight", []uint64{e, e}, nil)
		add(pre+"ffn_gate.weight", []uint64{e, uint64(fx.ffn)}, nil)
		add(pre+"ffn_up.weight", []uint64{e, uint64(fx.ffn)}, nil)
		add(pre+"ffn_down.weight", []uint64{uint64(fx.ffn), e}, nil)
	}

	path := filepath.Join(t.TempDir(), "fixture.gguf")
	if err := b.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

// chainFixture has a vocabulary where "a" encodes to [bos, 3] and greedy
// decoding then walks a, b, c, space, unk, bos before reaching eos.
func chainFixture() fixtureSpec {
	fx := fixtureSpec{
		pieces:  []string{"<unk>", "<s>", "</s>", "▁a", "a", "b", "c", "▁"},
		heads:   2,
		kvHeads: 2,
		ffn:     8,
		blocks:  1,
		ctxLen:  16,
	}
	fx.scores = make([]float32, len(fx.pieces))
	fx.scores[3] = -1
	return fx
}

func loadFixture(t *testing.T, fx fixtureSpec, cfg Config) *Session {
	t.Helper()
	s, err := Load(writeFixture(t, fx), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// drain pulls the stream dry, returning the delivered tokens and the
// terminal error.
func drain(st *Stream) ([]Token, error) {
	var out []Token
	for {
		tok, err := st.Next()
		if err != nil {
			return out, err
		}
		out = append(out, tok)
	}
}

func tokenIDs(toks []Token) []int {
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = t.ID
	}
	return ids
}

func tokenText(toks []Token) string {
	var s string
	for _, t := range toks {
		s += t.Text
	}
	return s
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGenerateGreedyChain(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	st, err := s.Generate(context.Background(), "a", Options{MaxTokens: 4})
	if err != nil {
		t.Fatal(err)
	}
	toks, final := drain(st)
	if final != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", final)
	}
	if got, want := tokenIDs(toks), []int{4, 5, 6, 7}; !equalInts(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	if got, want := tokenText(toks), "abc "; got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
	for _, tok := range toks {
		if tok.Logprob != 0 {
			t.Fatalf("greedy logprob for %d = %v, want 0", tok.ID, tok.Logprob)
		}
	}
	if got := st.FinishReason(); got != "length" {
		t.Fatalf("finish = %q, want length", got)
	}
	stats := st.Stats()
	if stats.PromptTokens != 2 || stats.TokensGenerated != 4 {
		t.Fatalf("stats = %+v, want 2 prompt / 4 generated", stats)
	}
}

func TestGenerateRunsToEOS(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	st, err := s.Generate(context.Background(), "a", Options{MaxTokens: -1})
	if err != nil {
		t.Fatal(err)
	}
	toks, final := drain(st)
	if final != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", final)
	}
	if got, want := tokenIDs(toks), []int{4, 5, 6, 7, 0, 1}; !equalInts(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	if got := st.FinishReason(); got != "stop" {
		t.Fatalf("finish = %q, want stop", got)
	}
}

func TestGenerateMaxTokensZero(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	st, err := s.Generate(context.Background(), "a", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Next(); err != io.EOF {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
	if got := s.Model().CacheLen(); got != 0 {
		t.Fatalf("cache touched: CacheLen = %d", got)
	}
	if got := st.FinishReason(); got != "length" {
		t.Fatalf("finish = %q, want length", got)
	}
}

func TestGenerateStopSequence(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	st, err := s.Generate(context.Background(), "a", Options{MaxTokens: -1, Stop: []string{"bc"}})
	if err != nil {
		t.Fatal(err)
	}
	toks, final := drain(st)
	if final != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", final)
	}
	if got := tokenText(toks); got != "a" {
		t.Fatalf("text = %q, want %q", got, "a")
	}
	if got := st.FinishReason(); got != "stop" {
		t.Fatalf("finish = %q, want stop", got)
	}
	if got := st.Stats().TokensGenerated; got != 3 {
		t.Fatalf("sampled %d tokens, want 3", got)
	}
}

func TestGenerateContextOverflow(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{ContextLength: 4})

	_, err := s.Generate(context.Background(), "a a a a a", Options{MaxTokens: -1})
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("err = %v, want ErrContextOverflow", err)
	}
}

func TestGenerateContextCapGraceful(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{ContextLength: 8})

	st, err := s.Generate(context.Background(), "a a a", Options{MaxTokens: -1})
	if err != nil {
		t.Fatal(err)
	}
	toks, final := drain(st)
	if final != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", final)
	}
	if got, want := tokenIDs(toks), []int{4, 5, 6, 7, 0}; !equalInts(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	if got := st.FinishReason(); got != "length" {
		t.Fatalf("finish = %q, want length", got)
	}
}

func TestGenerateSlidingWindow(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{ContextLength: 8, SlidingWindow: 4})

	// Ten positions pass through an eight-token context without error
	// because the window evicts the oldest entries.
	st, err := s.Generate(context.Background(), "a a a", Options{MaxTokens: -1})
	if err != nil {
		t.Fatal(err)
	}
	toks, final := drain(st)
	if final != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", final)
	}
	if got, want := tokenIDs(toks), []int{4, 5, 6, 7, 0, 1}; !equalInts(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	if got := s.Model().CacheLen(); got != 4 {
		t.Fatalf("CacheLen = %d, want 4", got)
	}
	if got := st.FinishReason(); got != "stop" {
		t.Fatalf("finish = %q, want stop", got)
	}
}

func TestGenerateCancellation(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	st, err := s.Generate(ctx, "a", Options{MaxTokens: -1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Next(); err != nil {
		t.Fatalf("first token: %v", err)
	}
	cancel()
	if _, err := st.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next after cancel = %v, want context.Canceled", err)
	}
}

func TestGeneratePrefixReuse(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	st, err := s.Generate(context.Background(), "a", Options{MaxTokens: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, final := drain(st); final != io.EOF {
		t.Fatalf("terminal error = %v", final)
	}
	if got, want := s.ctxTokens, []int{1, 3, 4}; !equalInts(got, want) {
		t.Fatalf("ctxTokens = %v, want %v", got, want)
	}

	// "aab" tokenizes to [1 3 4 5]; the first three positions are
	// already cached, so only the last token needs feeding.
	st2, err := s.Generate(context.Background(), "aab", Options{MaxTokens: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(st2.pending); got != 1 {
		t.Fatalf("pending = %d tokens, want 1 (cache not reused)", got)
	}
	toks, final := drain(st2)
	if final != io.EOF {
		t.Fatalf("terminal error = %v", final)
	}
	if got, want := tokenIDs(toks), []int{6}; !equalInts(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
}

func TestGenerateSuperseded(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	a, err := s.Generate(context.Background(), "a", Options{MaxTokens: -1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Next(); err != nil {
		t.Fatal(err)
	}
	b, err := s.Generate(context.Background(), "a", Options{MaxTokens: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("superseded Next = %v, want ErrStreamClosed", err)
	}
	if _, final := drain(b); final != io.EOF {
		t.Fatalf("second stream: %v", final)
	}
}

func TestSessionClosed(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Generate(context.Background(), "a", Options{MaxTokens: 1}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Generate on closed session = %v, want ErrStreamClosed", err)
	}
}

func TestStreamCloseMidway(t *testing.T) {
	s := loadFixture(t, chainFixture(), Config{})

	st, err := s.Generate(context.Background(), "a", Options{MaxTokens: -1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Next(); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Next after Close = %v, want ErrStreamClosed", err)
	}
}
