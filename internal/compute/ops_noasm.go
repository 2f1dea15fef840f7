//go:build !amd64

package compute

func detect() Level {
	return LevelScalar
}

// simdKernels is never selected off amd64.
var simdKernels *kernels
