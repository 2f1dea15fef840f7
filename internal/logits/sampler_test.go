package logits

import (
	"math"
	"math/rand"
	"testing"
)

func clone(x []float32) []float32 {
	return append([]float32(nil), x...)
}

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical draw sequences for the same logits.
func TestSamplerDeterminism(t *testing.T) {
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 20; i++ {
		a := s1.Sample(clone(logs), nil, nil)
		b := s2.Sample(clone(logs), nil, nil)
		if a != b {
			t.Fatalf("draw %d: %d vs %d", i, a, b)
		}
	}
}

// TestSamplerGreedy checks both greedy triggers: zero temperature and the
// TopK=1 reduction.
func TestSamplerGreedy(t *testing.T) {
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(Config{Seed: 99})
	if idx := s.Sample(clone(logs), nil, nil); idx != 3 {
		t.Fatalf("zero temperature: got %d, want 3", idx)
	}
	s = NewSampler(Config{Seed: 99, Temperature: 1.0, TopK: 1, TopP: 1.0})
	if idx := s.Sample(clone(logs), nil, nil); idx != 3 {
		t.Fatalf("topk=1: got %d, want 3", idx)
	}
}

// TestSamplerTopP ensures that a dominant logit absorbs the whole
// nucleus, so only its index is ever drawn.
func TestSamplerTopP(t *testing.T) {
	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(Config{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample(clone(logs), nil, nil); idx != 0 {
			t.Fatalf("top-p returned %d", idx)
		}
	}
}

func TestSamplerMinP(t *testing.T) {
	// Two near-equal candidates, the rest far below the MinP threshold.
	logs := []float32{10, 9.9, 0, 0, 0}
	s := NewSampler(Config{Seed: 3, Temperature: 1.0, TopK: 5, MinP: 0.5})
	for i := 0; i < 50; i++ {
		idx := s.Sample(clone(logs), nil, nil)
		if idx != 0 && idx != 1 {
			t.Fatalf("min-p admitted index %d", idx)
		}
	}
}

func TestRepeatPenalty(t *testing.T) {
	logs := []float32{1.0, 1.5, 0}
	s := NewSampler(Config{Seed: 1, RepeatPenalty: 2.0})
	if idx := s.Sample(clone(logs), []int{1}, nil); idx != 0 {
		t.Fatalf("penalized argmax: got %d, want 0", idx)
	}
	// Without the id in the window the ranking is unchanged.
	if idx := s.Sample(clone(logs), nil, nil); idx != 1 {
		t.Fatalf("unpenalized argmax: got %d, want 1", idx)
	}
}

func TestRepeatPenaltyWindow(t *testing.T) {
	logs := []float32{3, 5}
	// Id 0 fell out of the two-token window, id 1 is penalized below it.
	s := NewSampler(Config{Seed: 1, RepeatPenalty: 2.0, RepeatLastN: 2})
	if idx := s.Sample(clone(logs), []int{0, 1, 1}, nil); idx != 0 {
		t.Fatalf("got %d, want 0", idx)
	}
	// A wider window penalizes id 0 as well and the order flips back.
	s = NewSampler(Config{Seed: 1, RepeatPenalty: 2.0, RepeatLastN: 3})
	if idx := s.Sample(clone(logs), []int{0, 1, 1}, nil); idx != 1 {
		t.Fatalf("got %d, want 1", idx)
	}
}

func TestSamplerMask(t *testing.T) {
	logs := []float32{5, 4, 3}
	mask := []bool{false, true, false}

	s := NewSampler(Config{Seed: 11})
	if idx := s.Sample(clone(logs), nil, mask); idx != 1 {
		t.Fatalf("greedy masked: got %d, want 1", idx)
	}

	s = NewSampler(Config{Seed: 11, Temperature: 1.2, TopK: 3})
	for i := 0; i < 50; i++ {
		idx := s.Sample(clone(logs), nil, mask)
		if !mask[idx] {
			t.Fatalf("draw %d returned masked index %d", i, idx)
		}
	}
}

func TestTopKShortlist(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	logs := make([]float32, 100)
	for i := range logs {
		logs[i] = rng.Float32() * 10
	}
	s := NewSampler(Config{Seed: 5, Temperature: 1})
	idx, val := s.topK(logs, 8, 1)
	if len(idx) != 8 {
		t.Fatalf("shortlist length %d", len(idx))
	}
	for i := 1; i < len(val); i++ {
		if val[i] > val[i-1] {
			t.Fatalf("shortlist not sorted at %d: %v", i, val)
		}
	}
	for _, id := range idx {
		if logs[id] < val[len(val)-1] {
			t.Fatalf("index %d (%v) below shortlist floor %v", id, logs[id], val[len(val)-1])
		}
	}
}

func TestLastLogprob(t *testing.T) {
	greedy := NewSampler(Config{Seed: 1})
	greedy.Sample([]float32{0, 3, 1}, nil, nil)
	if lp := greedy.LastLogprob(); lp != 0 {
		t.Fatalf("greedy logprob = %v, want 0", lp)
	}

	// One candidate dominating the shortlist pins its probability near 1.
	s := NewSampler(Config{Seed: 7, Temperature: 1, TopK: 4})
	s.Sample([]float32{50, 0, 0, 0}, nil, nil)
	if lp := s.LastLogprob(); lp > 0 || lp < -1e-6 {
		t.Fatalf("dominant logprob = %v, want ~0 and <= 0", lp)
	}

	// A uniform pair splits mass evenly, so logprob is ln(1/2).
	u := NewSampler(Config{Seed: 7, Temperature: 1, TopK: 2})
	u.Sample([]float32{1, 1, -100, -100}, nil, nil)
	if lp := u.LastLogprob(); math.Abs(lp-math.Log(0.5)) > 1e-9 {
		t.Fatalf("uniform logprob = %v, want %v", lp, math.Log(0.5))
	}
}
