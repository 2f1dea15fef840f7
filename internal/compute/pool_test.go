package compute

import (
	"math"
	"sync"
	"testing"

	"github.com/tobymordkin/cortex/internal/quant"
)

func packedWeights(t *testing.T, kind quant.Kind, rows, cols int) (*Weights, []float32) {
	t.Helper()
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = float32((i*31)%17-8) / 4
	}
	stride, err := quant.RowBytes(kind, cols)
	if err != nil {
		t.Fatal(err)
	}
	packed := make([]byte, rows*stride)
	if err := quant.Quantize(kind, vals, packed); err != nil {
		t.Fatal(err)
	}
	w, err := NewWeights(kind, rows, cols, packed)
	if err != nil {
		t.Fatal(err)
	}
	// Reference values are what the packed form decodes to, not the
	// pre-quantization input.
	decoded := make([]float32, rows*cols)
	if err := quant.Dequantize(kind, packed, decoded); err != nil {
		t.Fatal(err)
	}
	return w, decoded
}

func naiveMatVec(dst []float32, vals []float32, rows, cols int, x []float32) {
	for i := 0; i < rows; i++ {
		var sum float32
		row := vals[i*cols : (i+1)*cols]
		for j, v := range row {
			sum += v * x[j]
		}
		dst[i] = sum
	}
}

func TestMatVecMatchesNaive(t *testing.T) {
	kinds := []quant.Kind{quant.F32, quant.F16, quant.Q8_0, quant.Q4_0, quant.Q4_K}
	for _, kind := range kinds {
		cols := 256
		rows := 37 // odd count leaves one worker a short chunk
		w, decoded := packedWeights(t, kind, rows, cols)
		x := make([]float32, cols)
		fillRamp(x)

		want := make([]float32, rows)
		naiveMatVec(want, decoded, rows, cols, x)

		p := NewPool(3)
		defer p.Close()
		got := make([]float32, rows)
		p.MatVec(got, w, x)

		for i := range want {
			scale := math.Max(1, math.Abs(float64(want[i])))
			if math.Abs(float64(got[i]-want[i])) > 1e-4*scale {
				t.Fatalf("%s row %d: got %v want %v", kind, i, got[i], want[i])
			}
		}
	}
}

func TestMatVecSingleRow(t *testing.T) {
	w, decoded := packedWeights(t, quant.Q8_0, 1, 64)
	x := make([]float32, 64)
	fillRamp(x)
	want := make([]float32, 1)
	naiveMatVec(want, decoded, 1, 64, x)

	got := make([]float32, 1)
	MatVec(got, w, x)
	if math.Abs(float64(got[0]-want[0])) > 1e-4*math.Max(1, math.Abs(float64(want[0]))) {
		t.Fatalf("got %v want %v", got[0], want[0])
	}
}

func TestMatVecConcurrentCallers(t *testing.T) {
	w, decoded := packedWeights(t, quant.Q4_0, 64, 128)
	p := NewPool(4)
	defer p.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			x := make([]float32, 128)
			for i := range x {
				x[i] = float32((i+seed)%9) - 4
			}
			want := make([]float32, 64)
			naiveMatVec(want, decoded, 64, 128, x)
			got := make([]float32, 64)
			for iter := 0; iter < 10; iter++ {
				p.MatVec(got, w, x)
				for i := range want {
					scale := math.Max(1, math.Abs(float64(want[i])))
					if math.Abs(float64(got[i]-want[i])) > 1e-4*scale {
						t.Errorf("seed %d row %d: got %v want %v", seed, i, got[i], want[i])
						return
					}
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestNewWeightsValidates(t *testing.T) {
	if _, err := NewWeights(quant.Q8_0, 2, 64, make([]byte, 10)); err == nil {
		t.Fatal("short payload accepted")
	}
	if _, err := NewWeights(quant.Q8_0, 0, 64, nil); err == nil {
		t.Fatal("zero rows accepted")
	}
	if _, err := NewWeights(quant.Q8_0, 2, 63, make([]byte, 136)); err == nil {
		t.Fatal("ragged column count accepted")
	}
}

func BenchmarkMatVecQ40(b *testing.B) {
	cols := 2048
	rows := 2048
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = float32((i*31)%17-8) / 4
	}
	stride, _ := quant.RowBytes(quant.Q4_0, cols)
	packed := make([]byte, rows*stride)
	if err := quant.Quantize(quant.Q4_0, vals, packed); err != nil {
		b.Fatal(err)
	}
	w, err := NewWeights(quant.Q4_0, rows, cols, packed)
	if err != nil {
		b.Fatal(err)
	}
	x := make([]float32, cols)
	fillRamp(x)
	dst := make([]float32, rows)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MatVec(dst, w, x)
	}
}
