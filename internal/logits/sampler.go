package logits

import (
	"math"
	"math/rand"
)

// Config configures the behaviour of a Sampler.
type Config struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

type Sampler struct {
	rng       *rand.Rand
	cfg       Config
	greedy    bool
	topIdx    []int
	topVal    []float32
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
	lastLP    float64
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single index from the provided logits vector, mutating
// it in place. The steps, in order:
//
//  1. Apply repetition penalty over the recent window if configured.
//  2. Apply the validity mask if non-nil: disallowed ids drop to -Inf.
//  3. Greedy argmax when the temperature is zero or the config reduces
//     to it (TopK==1, TopP>=1, Temperature==1).
//  4. Scale by inverse temperature and shortlist the top k indices.
//  5. Softmax over the shortlist (max-subtracted).
//  6. Min-P: drop candidates below MinP times the best probability,
//     renormalizing.
//  7. Top-P: truncate where the cumulative probability reaches TopP.
//  8. Draw from the seeded rng.
func (s *Sampler) Sample(logits []float32, recent []int, mask []bool) int {
	if s.cfg.RepeatPenalty > 1.0 && len(recent) > 0 {
		start := max(len(recent)-s.cfg.RepeatLastN, 0)
		window := recent[start:]

		if len(s.seenMark) < len(logits) {
			s.seenMark = make([]uint32, len(logits))
		}
		s.seenEpoch++
		if s.seenEpoch == 0 {
			for i := range s.seenMark {
				s.seenMark[i] = 0
			}
			s.seenEpoch = 1
		}
		s.seenList = s.seenList[:0]

		for _, id := range window {
			if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
				s.seenMark[id] = s.seenEpoch
				s.seenList = append(s.seenList, id)
			}
		}

		for _, id := range s.seenList {
			if logits[id] > 0 {
				logits[id] /= s.cfg.RepeatPenalty
			} else {
				logits[id] *= s.cfg.RepeatPenalty
			}
		}
	}

	if mask != nil {
		negInf := float32(math.Inf(-1))
		for i := range logits {
			if i >= len(mask) || !mask[i] {
				logits[i] = negInf
			}
		}
	}

	s.lastLP = 0
	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return argmax(logits)
	}

	invTemp := float32(1.0) / s.cfg.Temperature

	k := min(s.cfg.TopK, len(logits))

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	for i := 1; i < len(topVal); i++ {
		if topVal[i] > maxv {
			maxv = topVal[i]
		}
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		x := float64(topVal[i] - maxv)
		e := math.Exp(x)
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)

		newLen := 0
		var newSum float64
		for i := 0; i < len(prob); i++ {
			if prob[i] >= threshold {
				prob[newLen] = prob[i]
				topIdx[newLen] = topIdx[i]
				newSum += prob[i]
				newLen++
			}
		}
		if newLen > 0 && newLen < len(prob) {
			prob = prob[:newLen]
			if newSum > 0 {
				scale := 1.0 / newSum
				for i := range prob {
					prob[i] *= scale
				}
			}
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			s.lastLP = math.Log(prob[i])
			return topIdx[i]
		}
	}

	// Rounding fallthrough: land on the best candidate, never a
	// zero-probability tail entry.
	s.lastLP = math.Log(prob[0])
	return topIdx[0]
}

// LastLogprob reports the natural log of the probability assigned to the
// most recently sampled index. Greedy draws report zero.
func (s *Sampler) LastLogprob() float64 { return s.lastLP }

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits, scaled by invTemp.
// The returned slices are ordered from largest to smallest by value.
// This is an O(V*K) algorithm suitable for small K.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
