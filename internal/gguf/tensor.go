package gguf

import (
	"fmt"

	"github.com/tobymordkin/cortex/internal/quant"
)

// Floats dequantizes the whole tensor into a fresh slice. Weight matrices
// stay packed during inference; this is for embeddings, norms, and tools.
func (ti *TensorInfo) Floats() ([]float32, error) {
	out := make([]float32, ti.Elems())
	if err := quant.Dequantize(ti.Kind, ti.Data, out); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", ti.Name, err)
	}
	return out, nil
}

// Row returns the packed bytes of row r.
func (ti *TensorInfo) Row(r int) ([]byte, error) {
	rows := int(ti.Rows())
	if r < 0 || r >= rows {
		return nil, fmt.Errorf("%w: tensor %q row %d of %d", ErrCorrupt, ti.Name, r, rows)
	}
	rowBytes := len(ti.Data) / rows
	return ti.Data[r*rowBytes : (r+1)*rowBytes], nil
}
