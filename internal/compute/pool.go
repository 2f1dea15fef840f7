package compute

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/tobymordkin/cortex/internal/quant"
)

// Weights is a row-major matrix kept in its packed on-disk encoding.
// Rows are contiguous and RowStride bytes long.
type Weights struct {
	Kind      quant.Kind
	Rows      int
	Cols      int
	RowStride int
	Data      []byte
}

// NewWeights validates the packed payload against the declared shape.
func NewWeights(kind quant.Kind, rows, cols int, data []byte) (*Weights, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("weights shape %dx%d", rows, cols)
	}
	stride, err := quant.RowBytes(kind, cols)
	if err != nil {
		return nil, err
	}
	if len(data) != rows*stride {
		return nil, fmt.Errorf("weights payload is %d bytes, shape %dx%d %s needs %d",
			len(data), rows, cols, kind, rows*stride)
	}
	return &Weights{Kind: kind, Rows: rows, Cols: cols, RowStride: stride, Data: data}, nil
}

// Row returns the packed bytes of row i.
func (w *Weights) Row(i int) []byte {
	off := i * w.RowStride
	return w.Data[off : off+w.RowStride]
}

type matVecTask struct {
	dst    []float32
	w      *Weights
	x      []float32
	rs, re int
	done   chan struct{}
}

// Pool runs matrix-vector products with one long-lived goroutine per
// worker. Row ranges are fanned out over a shared task channel and a
// recycled done channel collects completions.
type Pool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		size:      workers,
		tasks:     make(chan matVecTask, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Close stops the workers. In-flight MatVec calls must have returned.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

// MatVec computes dst = w * x, splitting rows across the pool.
func (p *Pool) MatVec(dst []float32, w *Weights, x []float32) {
	if w.Rows == 0 || w.Cols == 0 {
		return
	}
	if len(dst) < w.Rows || len(x) < w.Cols {
		panic("matvec shape mismatch")
	}

	workers := p.size
	if workers > w.Rows {
		workers = w.Rows
	}
	if workers <= 1 {
		matVecRange(dst, w, x, 0, w.Rows)
		return
	}

	chunk := (w.Rows + workers - 1) / workers
	done := <-p.doneSlots

	activeTasks := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := rs + chunk
		if re > w.Rows {
			re = w.Rows
		}
		if rs >= re {
			break
		}
		activeTasks++
		p.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
	}
	for i := 0; i < activeTasks; i++ {
		<-done
	}
	p.doneSlots <- done
}

func matVecRange(dst []float32, w *Weights, x []float32, rs, re int) {
	x = x[:w.Cols]
	for i := rs; i < re; i++ {
		v, err := quant.DotPacked(w.Kind, w.Row(i), x)
		if err != nil {
			panic(err)
		}
		dst[i] = v
	}
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
	defaultWorkers  int
)

// SetDefaultWorkers overrides the size of the shared pool. It only takes
// effect before the first MatVec call.
func SetDefaultWorkers(n int) {
	defaultWorkers = n
}

func sharedPool() *Pool {
	defaultPoolOnce.Do(func() {
		size := defaultWorkers
		if size < 1 {
			size = runtime.GOMAXPROCS(0)
		}
		defaultPool = NewPool(size)
	})
	return defaultPool
}

// MatVec computes dst = w * x on the shared pool.
func MatVec(dst []float32, w *Weights, x []float32) {
	sharedPool().MatVec(dst, w, x)
}
