package inference

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/tobymordkin/cortex/internal/grammar"
	"github.com/tobymordkin/cortex/internal/logits"
)

// Options shapes one generation call.
type Options struct {
	// MaxTokens bounds the generated continuation. Zero yields an empty
	// stream without touching the model; negative lifts the bound.
	MaxTokens int
	// Temperature flattens (>1) or sharpens (<1) the distribution
	// before sampling. Zero or less selects greedy argmax decoding.
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
	// RepeatPenalty dampens the logits of recently seen tokens. Values
	// at or below 1 disable it; RepeatLastN bounds the lookback.
	RepeatPenalty float32
	RepeatLastN   int
	// Seed fixes the sampler rng. Zero draws a seed from the clock.
	Seed int64
	// Stop ends the stream when any of the sequences appears in the
	// generated text. The matched text is never emitted.
	Stop []string
	// Grammar constrains every sampled token to a compiled schema and
	// permits end-of-sequence only once the document is complete.
	Grammar *grammar.Grammar
}

// Token is one sampled vocabulary entry. Logprob is the natural log of
// the probability the sampler assigned it, zero under greedy decoding.
type Token struct {
	ID      int
	Text    string
	Logprob float64
}

// Stream yields generated tokens one Next call at a time. Streams are
// finite and not restartable; a later Generate on the same session
// supersedes any stream still open.
type Stream struct {
	s       *Session
	ctx     context.Context
	sampler *logits.Sampler
	gram    *grammar.Grammar
	gState  grammar.State
	mask    []bool

	pending   []int // prompt ids not yet fed
	logits    []float32
	max       int
	produced  int
	promptLen int

	stop  *stopMatcher
	queue []Token

	started    time.Time
	prefillDur time.Duration
	done       bool
	err        error
	finish     string
	stats      Stats
}

// Generate tokenizes prompt and returns a pull stream over the sampled
// continuation. Model evaluation happens lazily inside Next, so a
// canceled context surfaces there, after the current step completes.
func (s *Session) Generate(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}

	st := &Stream{s: s, ctx: ctx, gram: opts.Grammar, max: opts.MaxTokens}
	if opts.MaxTokens == 0 {
		st.done = true
		st.err = io.EOF
		st.finish = "length"
		return st, nil
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	st.sampler = logits.NewSampler(logits.Config{
		Seed:          seed,
		Temperature:   opts.Temperature,
		TopK:          opts.TopK,
		TopP:          opts.TopP,
		MinP:          opts.MinP,
		RepeatPenalty: opts.RepeatPenalty,
		RepeatLastN:   opts.RepeatLastN,
	})

	ids := s.tok.Encode(prompt, s.tok.AddBOS())
	if len(ids) == 0 {
		return nil, fmt.Errorf("inference: empty prompt")
	}
	if !s.m.Sliding() && len(ids) > s.m.ContextLength() {
		return nil, fmt.Errorf("%w: prompt is %d tokens, context is %d",
			ErrContextOverflow, len(ids), s.m.ContextLength())
	}
	st.promptLen = len(ids)

	// Keep the cache when the new prompt strictly extends the tokens
	// already fed; anything else starts the sequence over.
	reused := 0
	if n := len(s.ctxTokens); n > 0 && n < len(ids) && slices.Equal(s.ctxTokens, ids[:n]) {
		reused = n
	} else {
		s.m.Reset()
		s.ctxTokens = s.ctxTokens[:0]
	}
	st.pending = append([]int(nil), ids[reused:]...)

	st.stop = newStopMatcher(opts.Stop)
	if st.gram != nil {
		st.gState = st.gram.Start()
		st.mask = make([]bool, s.tok.Len())
	}
	st.started = time.Now()
	s.cur = st
	s.log.Debug("generation start", "prompt_tokens", len(ids), "reused", reused)
	return st, nil
}

// Next blocks until the next token is ready. io.EOF marks a completed
// stream; a canceled context surfaces its error here.
func (st *Stream) Next() (Token, error) {
	for {
		if len(st.queue) > 0 {
			t := st.queue[0]
			st.queue = st.queue[1:]
			return t, nil
		}
		if st.done {
			return Token{}, st.err
		}
		st.step()
	}
}

// Close drops the stream's claim on the session. Undelivered tokens are
// discarded; Next on a closed stream reports ErrStreamClosed unless the
// stream had already ended.
func (st *Stream) Close() error {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !st.done {
		st.done = true
		st.err = ErrStreamClosed
		st.queue = nil
	}
	if s.cur == st {
		s.cur = nil
	}
	return nil
}

// Stats reports counts and timing, valid once Next has returned io.EOF.
func (st *Stream) Stats() Stats { return st.stats }

// FinishReason reports why the stream ended: "stop" for end-of-sequence
// or a stop sequence, "length" for the token budget or a full context.
// Empty until the stream ends, and on error.
func (st *Stream) FinishReason() string { return st.finish }

// step advances the decode by one unit of work: either the whole prompt
// prefill or one sample+forward round.
func (st *Stream) step() {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.cur != st {
		st.fail(ErrStreamClosed)
		return
	}
	if err := st.ctx.Err(); err != nil {
		st.fail(err)
		return
	}

	if len(st.pending) > 0 {
		st.prefill()
		return
	}

	var mask []bool
	if st.gram != nil {
		grammar.MaskInto(st.mask, st.gState, s.vocabPieces(), s.tok.EOSID())
		mask = st.mask
		if !anyAllowed(mask) {
			st.fail(fmt.Errorf("grammar: no valid continuation after %d tokens", st.produced))
			return
		}
	}

	id := st.sampler.Sample(st.logits, s.ctxTokens, mask)
	if s.tok.IsEOS(id) {
		st.finishStream("stop")
		return
	}
	text := s.tok.Piece(id)
	if st.gram != nil {
		next, ok := st.gState.AdvanceString(text)
		if !ok {
			st.fail(fmt.Errorf("grammar: sampled token %d %q rejected", id, text))
			return
		}
		st.gState = next
	}

	tok := Token{ID: id, Text: text, Logprob: st.sampler.LastLogprob()}
	st.produced++
	if st.stop != nil {
		released, stopped := st.stop.push(tok)
		st.queue = append(st.queue, released...)
		if stopped {
			st.finishStream("stop")
			return
		}
	} else {
		st.queue = append(st.queue, tok)
	}

	if st.max > 0 && st.produced >= st.max {
		st.finishStream("length")
		return
	}
	if !s.m.Sliding() && len(s.ctxTokens) >= s.m.ContextLength() {
		// The sampled token has nowhere to go in the cache.
		st.finishStream("length")
		return
	}

	out, err := s.m.Forward(id, len(s.ctxTokens))
	if err != nil {
		st.fail(fmt.Errorf("decode: %w", err))
		return
	}
	st.logits = out
	s.ctxTokens = append(s.ctxTokens, id)
}

// prefill feeds every pending prompt token, leaving the logits of the
// last one for the first sample. Caller holds the session lock.
func (st *Stream) prefill() {
	s := st.s
	for len(st.pending) > 0 {
		if err := st.ctx.Err(); err != nil {
			st.fail(err)
			return
		}
		id := st.pending[0]
		out, err := s.m.Forward(id, len(s.ctxTokens))
		if err != nil {
			st.fail(fmt.Errorf("prefill: %w", err))
			return
		}
		st.logits = out
		s.ctxTokens = append(s.ctxTokens, id)
		st.pending = st.pending[1:]
	}
	st.prefillDur = time.Since(st.started)
}

// finishStream ends the stream successfully, flushing any text the stop
// matcher was still holding. Caller holds the session lock.
func (st *Stream) finishStream(reason string) {
	if st.stop != nil {
		st.queue = append(st.queue, st.stop.flush()...)
	}
	st.finish = reason
	st.done = true
	st.err = io.EOF
	st.fillStats()
	if st.s.cur == st {
		st.s.cur = nil
	}
	st.s.log.Debug("generation done",
		"tokens", st.produced, "reason", reason, "tps", st.stats.TPS)
}

// fail ends the stream with a terminal error. Tokens already released to
// the queue are still delivered first. Caller holds the session lock.
func (st *Stream) fail(err error) {
	st.done = true
	st.err = err
	st.fillStats()
	if st.s.cur == st {
		st.s.cur = nil
	}
}

func (st *Stream) fillStats() {
	st.stats = Stats{
		PromptTokens:    st.promptLen,
		TokensGenerated: st.produced,
		Duration:        time.Since(st.started),
	}
	if st.stats.Duration > 0 {
		st.stats.TPS = float64(st.produced) / st.stats.Duration.Seconds()
	}
	if st.prefillDur > 0 {
		st.stats.PromptTPS = float64(st.promptLen) / st.prefillDur.Seconds()
	}
	if decode := st.stats.Duration - st.prefillDur; decode > 0 {
		st.stats.GenerationTPS = float64(st.produced) / decode.Seconds()
	}
}

func anyAllowed(mask []bool) bool {
	for _, ok := range mask {
		if ok {
			return true
		}
	}
	return false
}
