package model

import (
	"fmt"
	"math"

	"github.com/tobymordkin/cortex/internal/compute"
	"github.com/tobymordkin/cortex/internal/quant"
)

// Forward runs one autoregressive step for token at position pos.
// Positions must arrive strictly in sequence. The returned logits slice is
// owned by the model and overwritten on the next call.
func (m *Model) Forward(token, pos int) ([]float32, error) {
	if token < 0 || token >= m.Params.Vocab {
		return nil, fmt.Errorf("token id out of range: %d", token)
	}
	if pos != m.seen {
		return nil, fmt.Errorf("position %d out of sequence, next is %d", pos, m.seen)
	}
	if !m.sliding && pos >= m.window {
		return nil, fmt.Errorf("%w: position %d >= %d", ErrContextOverflow, pos, m.window)
	}

	s := &m.scratch
	row, err := m.tokEmbd.Row(token)
	if err != nil {
		return nil, fmt.Errorf("token_embd: %w", err)
	}
	if err := quant.Dequantize(m.tokEmbd.Kind, row, s.x); err != nil {
		return nil, fmt.Errorf("token_embd: %w", err)
	}

	for i := range m.layers {
		m.step(&m.layers[i], pos)
	}

	compute.RMSNorm(s.xn, s.x, m.outputNorm, float32(m.Params.RMSEpsilon))
	compute.MatVec(s.logits, m.output, s.xn)

	m.seen++
	return s.logits, nil
}

func (m *Model) step(l *layer, pos int) {
	p := m.Params
	s := &m.scratch
	eps := float32(p.RMSEpsilon)

	// Attention block: pre-norm, attention, residual.
	compute.RMSNorm(s.xn, s.x, l.attnNorm, eps)

	compute.MatVec(s.q, l.wq, s.xn)
	compute.MatVec(s.k, l.wk, s.xn)
	compute.MatVec(s.v, l.wv, s.xn)

	applyRoPE(s.q, p.Heads, p.HeadDim, pos, m.invFreq)
	applyRoPE(s.k, p.KVHeads, p.HeadDim, pos, m.invFreq)

	kvDim := p.KVDim()
	slot := pos % m.window
	copy(l.cacheK[slot*kvDim:(slot+1)*kvDim], s.k)
	copy(l.cacheV[slot*kvDim:(slot+1)*kvDim], s.v)

	start := 0
	if pos+1 > m.window {
		start = pos + 1 - m.window
	}
	ctx := attnContext{
		q:        s.q,
		cacheK:   l.cacheK,
		cacheV:   l.cacheV,
		attnOut:  s.attnOut,
		pos:      pos,
		start:    start,
		kvStride: kvDim,
		headDim:  p.HeadDim,
		nHead:    p.Heads,
		kvHeads:  p.KVHeads,
		window:   m.window,
		scale:    float32(1.0 / math.Sqrt(float64(p.HeadDim))),
	}
	m.getAttnPool().run(&ctx)

	compute.MatVec(s.proj, l.wo, s.attnOut)
	compute.Add(s.x, s.proj)

	// FFN block: pre-norm, SwiGLU, residual.
	compute.RMSNorm(s.xn, s.x, l.ffnNorm, eps)
	compute.MatVec(s.gate, l.wGate, s.xn)
	compute.MatVec(s.up, l.wUp, s.xn)
	compute.SiluMul(s.gate, s.gate, s.up)
	compute.MatVec(s.proj, l.wDown, s.gate)
	compute.Add(s.x, s.proj)
}

// applyRoPE rotates the (i, i+half) pair of every head by pos*invFreq[i].
func applyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	half := headDim / 2
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			sn := float32(math.Sin(angle))
			i0 := base + i
			i1 := base + i + half
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*sn
			x[i1] = x0*sn + x1*c
		}
	}
}
