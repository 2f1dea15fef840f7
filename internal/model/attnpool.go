package model

import (
	"runtime"

	"github.com/tobymordkin/cortex/internal/compute"
)

type attnContext struct {
	q       []float32
	cacheK  []float32
	cacheV  []float32
	attnOut []float32

	pos, start        int
	kvStride, headDim int
	nHead, kvHeads    int
	window            int
	scale             float32
}

type attnTask struct {
	ctx    *attnContext
	rs, re int
	done   chan struct{}
}

// attnPool fans attention heads out over persistent workers. Each worker
// owns a fixed slice of the score slab sized for the full window.
type attnPool struct {
	size      int
	tasks     chan attnTask
	doneSlots chan chan struct{}
	scores    []float32
	maxCtx    int
}

func attnWorkersFor(nHead int) int {
	workers := runtime.GOMAXPROCS(0)
	if nHead > 0 && workers > nHead {
		workers = nHead
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func newAttnPool(workers, maxCtx int) *attnPool {
	if workers < 1 {
		workers = 1
	}
	if maxCtx < 1 {
		maxCtx = 1
	}
	p := &attnPool{
		size:      workers,
		tasks:     make(chan attnTask, workers*2),
		doneSlots: make(chan chan struct{}, workers),
		scores:    make([]float32, workers*maxCtx),
		maxCtx:    maxCtx,
	}
	for i := 0; i < workers; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < workers; i++ {
		base := i * maxCtx
		scoresBuf := p.scores[base : base+maxCtx]
		go func() {
			for task := range p.tasks {
				runAttnHeads(task.ctx, scoresBuf, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

func (p *attnPool) run(ctx *attnContext) {
	if p.size <= 1 {
		runAttnHeads(ctx, p.scores[:p.maxCtx], 0, ctx.nHead)
		return
	}

	chunk := (ctx.nHead + p.size - 1) / p.size
	done := <-p.doneSlots
	activeTasks := 0
	for i := 0; i < p.size; i++ {
		rs := i * chunk
		re := rs + chunk
		if re > ctx.nHead {
			re = ctx.nHead
		}
		if rs >= re {
			break
		}
		activeTasks++
		p.tasks <- attnTask{ctx: ctx, rs: rs, re: re, done: done}
	}
	for i := 0; i < activeTasks; i++ {
		<-done
	}
	p.doneSlots <- done
}

func runAttnHeads(ctx *attnContext, scoresBuf []float32, rs, re int) {
	if ctx == nil || rs >= re {
		return
	}
	if ctx.start < 0 || ctx.start > ctx.pos {
		panic("invalid attention window start")
	}
	winLen := ctx.pos - ctx.start + 1
	if winLen > len(scoresBuf) {
		panic("attention scores buffer too small")
	}
	scores := scoresBuf[:winLen]
	for h := rs; h < re; h++ {
		kvHead := h * ctx.kvHeads / ctx.nHead
		qh := ctx.q[h*ctx.headDim : (h+1)*ctx.headDim]
		for t := ctx.start; t <= ctx.pos; t++ {
			slot := t % ctx.window
			koff := slot*ctx.kvStride + kvHead*ctx.headDim
			scores[t-ctx.start] = compute.Dot(qh, ctx.cacheK[koff:koff+ctx.headDim]) * ctx.scale
		}
		compute.OnlineSoftmax(scores)
		out := ctx.attnOut[h*ctx.headDim : (h+1)*ctx.headDim]
		for d := range ctx.headDim {
			var sum float32
			for t := ctx.start; t <= ctx.pos; t++ {
				slot := t % ctx.window
				voff := slot*ctx.kvStride + kvHead*ctx.headDim + d
				sum += scores[t-ctx.start] * ctx.cacheV[voff]
			}
			out[d] = sum
		}
	}
}
