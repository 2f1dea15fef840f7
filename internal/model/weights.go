package model

import (
	"fmt"

	"github.com/tobymordkin/cortex/internal/compute"
	"github.com/tobymordkin/cortex/internal/gguf"
)

func findTensor(f *gguf.File, name string) (*gguf.TensorInfo, error) {
	ti, ok := f.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing tensor %q", gguf.ErrFormat, name)
	}
	return ti, nil
}

// checkDims verifies a 2-D tensor holds rows x cols elements. GGUF stores
// the row length first, so Dims is expected to be [cols, rows].
func checkDims(ti *gguf.TensorInfo, rows, cols int) (*gguf.TensorInfo, error) {
	if len(ti.Dims) != 2 || ti.Dims[0] != uint64(cols) || ti.Dims[1] != uint64(rows) {
		return nil, fmt.Errorf("%w: tensor %q has dims %v, want [%d %d]",
			ErrDimensionMismatch, ti.Name, ti.Dims, cols, rows)
	}
	return ti, nil
}

func matrixTensor(f *gguf.File, name string, rows, cols int) (*gguf.TensorInfo, error) {
	ti, err := findTensor(f, name)
	if err != nil {
		return nil, err
	}
	return checkDims(ti, rows, cols)
}

func packedWeights(ti *gguf.TensorInfo, rows, cols int) (*compute.Weights, error) {
	w, err := compute.NewWeights(ti.Kind, rows, cols, ti.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: tensor %q: %v", ErrDimensionMismatch, ti.Name, err)
	}
	return w, nil
}

func matrixWeights(f *gguf.File, name string, rows, cols int) (*compute.Weights, error) {
	ti, err := matrixTensor(f, name, rows, cols)
	if err != nil {
		return nil, err
	}
	return packedWeights(ti, rows, cols)
}

func vectorTensor(f *gguf.File, name string, n int) ([]float32, error) {
	ti, err := findTensor(f, name)
	if err != nil {
		return nil, err
	}
	if len(ti.Dims) != 1 || ti.Dims[0] != uint64(n) {
		return nil, fmt.Errorf("%w: tensor %q has dims %v, want [%d]",
			ErrDimensionMismatch, ti.Name, ti.Dims, n)
	}
	vals, err := ti.Floats()
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	return vals, nil
}

func (m *Model) resolveWeights(f *gguf.File) error {
	p := m.Params
	var err error

	m.tokEmbd, err = matrixTensor(f, "token_embd.weight", p.Vocab, p.Embedding)
	if err != nil {
		return err
	}
	m.outputNorm, err = vectorTensor(f, "output_norm.weight", p.Embedding)
	if err != nil {
		return err
	}

	// The LM head ties to the embedding table when output.weight is absent.
	headTensor := m.tokEmbd
	if ti, ok := f.Tensor("output.weight"); ok {
		headTensor, err = checkDims(ti, p.Vocab, p.Embedding)
		if err != nil {
			return err
		}
	}
	m.output, err = packedWeights(headTensor, p.Vocab, p.Embedding)
	if err != nil {
		return err
	}

	kvDim := p.KVDim()
	m.layers = make([]layer, p.Blocks)
	for i := range m.layers {
		l := &m.layers[i]
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", i, s) }

		if l.attnNorm, err = vectorTensor(f, name("attn_norm"), p.Embedding); err != nil {
			return err
		}
		if l.ffnNorm, err = vectorTensor(f, name("ffn_norm"), p.Embedding); err != nil {
			return err
		}
		if l.wq, err = matrixWeights(f, name("attn_q"), p.Embedding, p.Embedding); err != nil {
			return err
		}
		if l.wk, err = matrixWeights(f, name("attn_k"), kvDim, p.Embedding); err != nil {
			return err
		}
		if l.wv, err = matrixWeights(f, name("attn_v"), kvDim, p.Embedding); err != nil {
			return err
		}
		if l.wo, err = matrixWeights(f, name("attn_output"), p.Embedding, p.Embedding); err != nil {
			return err
		}
		if l.wGate, err = matrixWeights(f, name("ffn_gate"), p.FFN, p.Embedding); err != nil {
			return err
		}
		if l.wUp, err = matrixWeights(f, name("ffn_up"), p.FFN, p.Embedding); err != nil {
			return err
		}
		if l.wDown, err = matrixWeights(f, name("ffn_down"), p.Embedding, p.FFN); err != nil {
			return err
		}
	}
	return nil
}
