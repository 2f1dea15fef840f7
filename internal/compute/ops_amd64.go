//go:build amd64

package compute

import (
	"math"

	"simd/archsimd"
)

func detect() Level {
	if archsimd.X86.AVX2() {
		return LevelAVX2
	}
	return LevelScalar
}

var simdKernels = &kernels{
	dot:           dotSIMD,
	add:           addSIMD,
	scale:         scaleSIMD,
	rmsNorm:       rmsNormSIMD,
	siluMul:       siluMulSIMD,
	softmax:       softmaxSIMD,
	onlineSoftmax: onlineSoftmaxSIMD,
}

// dotSIMD computes the dot product 8 lanes at a time. A single
// accumulator keeps register pressure low.
func dotSIMD(a, b []float32) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}
	var acc archsimd.Float32x8
	i := 0
	for ; i+8 <= n; i += 8 {
		va := archsimd.LoadFloat32x8Slice(a[i:])
		vb := archsimd.LoadFloat32x8Slice(b[i:])
		acc = va.MulAdd(vb, acc)
	}
	var tmp [8]float32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func addSIMD(dst, src []float32) {
	n := len(dst)
	i := 0
	for ; i+8 <= n; i += 8 {
		vd := archsimd.LoadFloat32x8Slice(dst[i:])
		vs := archsimd.LoadFloat32x8Slice(src[i:])
		vd = vd.Add(vs)
		vd.StoreSlice(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] += src[i]
	}
}

func scaleSIMD(x []float32, s float32) {
	n := len(x)
	vs := archsimd.BroadcastFloat32x8(s)
	i := 0
	for ; i+8 <= n; i += 8 {
		v := archsimd.LoadFloat32x8Slice(x[i:])
		v = v.Mul(vs)
		v.StoreSlice(x[i:])
	}
	for ; i < n; i++ {
		x[i] *= s
	}
}

func rmsNormSIMD(dst, src, weight []float32, eps float32) {
	n := len(src)
	if n == 0 {
		return
	}
	var acc archsimd.Float32x8
	i := 0
	for ; i+8 <= n; i += 8 {
		v := archsimd.LoadFloat32x8Slice(src[i:])
		acc = v.MulAdd(v, acc)
	}
	var tmp [8]float32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
	for ; i < n; i++ {
		sum += src[i] * src[i]
	}

	mean := sum / float32(n)
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))

	vscale := archsimd.BroadcastFloat32x8(scale)
	i = 0
	for ; i+8 <= n; i += 8 {
		vsrc := archsimd.LoadFloat32x8Slice(src[i:])
		vw := archsimd.LoadFloat32x8Slice(weight[i:])
		v := vsrc.Mul(vscale)
		v = v.Mul(vw)
		v.StoreSlice(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] = src[i] * scale * weight[i]
	}
}

// siluMulSIMD applies silu scalar, exp has no vector form here, then
// multiplies by up 8 lanes at a time.
func siluMulSIMD(dst, gate, up []float32) {
	n := len(dst)
	for i := 0; i < n; i++ {
		dst[i] = Silu(gate[i])
	}
	i := 0
	for ; i+8 <= n; i += 8 {
		vd := archsimd.LoadFloat32x8Slice(dst[i:])
		vu := archsimd.LoadFloat32x8Slice(up[i:])
		vd = vd.Mul(vu)
		vd.StoreSlice(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] *= up[i]
	}
}

// softmaxSIMD keeps the max scan and exponentials scalar and vectorizes
// the final scale pass.
func softmaxSIMD(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	scaleSIMD(x, float32(1.0/sum))
}

func onlineSoftmaxSIMD(x []float32) {
	if len(x) == 0 {
		return
	}
	m := x[0]
	sum := 1.0
	for i := 1; i < len(x); i++ {
		v := x[i]
		if v > m {
			sum *= math.Exp(float64(m - v))
			m = v
		}
		sum += math.Exp(float64(v - m))
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - m)))
	}
	scaleSIMD(x, float32(1.0/sum))
}
