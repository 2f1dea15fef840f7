// Package compute holds the CPU kernels behind the forward pass: small
// vector ops with scalar and SIMD variants, and a worker pool for
// row-parallel matrix-vector products over packed weights.
package compute

import "os"

// Level identifies the instruction set the vector ops dispatch to.
type Level int

const (
	LevelScalar Level = iota
	LevelAVX2
)

func (l Level) String() string {
	switch l {
	case LevelAVX2:
		return "avx2"
	default:
		return "scalar"
	}
}

// kernels bundles one implementation of every vector op. The level switch
// swaps the whole table at once so a forced level never mixes paths.
type kernels struct {
	dot           func(a, b []float32) float32
	add           func(dst, src []float32)
	scale         func(x []float32, s float32)
	rmsNorm       func(dst, src, weight []float32, eps float32)
	siluMul       func(dst, gate, up []float32)
	softmax       func(x []float32)
	onlineSoftmax func(x []float32)
}

var (
	detected Level
	active   Level
	impl     kernels
)

func init() {
	detected = detect()
	lvl := detected
	if os.Getenv("CORTEX_FORCE_SCALAR") == "1" {
		lvl = LevelScalar
	}
	setLevel(lvl)
}

// Detected reports the best level the host supports.
func Detected() Level { return detected }

// Active reports the level the vector ops currently dispatch to.
func Active() Level { return active }

// ForceLevel pins dispatch to l for the rest of the process. Levels the
// host does not support are clamped to the detected one. Must not be
// called while a forward pass is in flight.
func ForceLevel(l Level) {
	if l > detected {
		l = detected
	}
	setLevel(l)
}

func setLevel(l Level) {
	if l >= LevelAVX2 && simdKernels != nil {
		active = LevelAVX2
		impl = *simdKernels
		return
	}
	active = LevelScalar
	impl = scalarKernels
}
