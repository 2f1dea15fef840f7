package compute

import "math"

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	return impl.dot(a, b)
}

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	impl.add(dst, src)
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	impl.scale(x, s)
}

// RMSNorm writes the root-mean-square normalization of src, scaled by
// weight, into dst. dst and src may alias.
func RMSNorm(dst, src, weight []float32, eps float32) {
	impl.rmsNorm(dst, src, weight, eps)
}

// SiluMul computes dst[i] = silu(gate[i]) * up[i], the SwiGLU feed-forward
// activation. dst may alias gate.
func SiluMul(dst, gate, up []float32) {
	impl.siluMul(dst, gate, up)
}

// Softmax normalizes x in place with the usual max-subtracted two-pass
// form.
func Softmax(x []float32) {
	impl.softmax(x)
}

// OnlineSoftmax normalizes x in place using a single streaming pass over
// the input to track the running max and rescale the partial sum, then one
// write pass. It matches Softmax up to floating-point reassociation.
func OnlineSoftmax(x []float32) {
	impl.onlineSoftmax(x)
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

var scalarKernels = kernels{
	dot:           dotScalar,
	add:           addScalar,
	scale:         scaleScalar,
	rmsNorm:       rmsNormScalar,
	siluMul:       siluMulScalar,
	softmax:       softmaxScalar,
	onlineSoftmax: onlineSoftmaxScalar,
}

func dotScalar(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i+3 < len(a); i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func addScalar(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func scaleScalar(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

func rmsNormScalar(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

func siluMulScalar(dst, gate, up []float32) {
	for i := range dst {
		dst[i] = Silu(gate[i]) * up[i]
	}
}

func softmaxScalar(x []float32) {
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
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func onlineSoftmaxScalar(x []float32) {
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
	inv := 1.0 / sum
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i]-m)) * inv)
	}
}
