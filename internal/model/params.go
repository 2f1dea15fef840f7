package model

import (
	"fmt"

	"github.com/tobymordkin/cortex/internal/gguf"
)

// Params holds the hyperparameters of a llama-family model, decoded from
// the arch-prefixed metadata keys.
type Params struct {
	Arch          string
	Embedding     int
	Blocks        int
	FFN           int
	Heads         int
	KVHeads       int
	HeadDim       int
	ContextLength int
	Vocab         int
	RopeFreqBase  float64
	RMSEpsilon    float64
}

// KVDim is the width of one cached position across all key-value heads.
func (p Params) KVDim() int {
	return p.KVHeads * p.HeadDim
}

// ParamsFromFile decodes the model hyperparameters. rope.freq_base and the
// norm epsilon default when absent; everything else is required.
func ParamsFromFile(f *gguf.File) (Params, error) {
	var p Params

	arch, err := f.MustGetString("general.architecture")
	if err != nil {
		return p, err
	}
	p.Arch = arch
	key := func(s string) string { return arch + "." + s }

	required := []struct {
		key string
		dst *int
	}{
		{key("embedding_length"), &p.Embedding},
		{key("block_count"), &p.Blocks},
		{key("feed_forward_length"), &p.FFN},
		{key("attention.head_count"), &p.Heads},
		{key("context_length"), &p.ContextLength},
	}
	for _, r := range required {
		v, err := f.MustGetUint(r.key)
		if err != nil {
			return p, err
		}
		*r.dst = int(v)
	}

	p.KVHeads = p.Heads
	if v, ok := f.GetUint(key("attention.head_count_kv")); ok {
		p.KVHeads = int(v)
	}

	p.RopeFreqBase = 10000
	if v, ok := f.GetFloat(key("rope.freq_base")); ok {
		p.RopeFreqBase = v
	}
	p.RMSEpsilon = 1e-5
	if v, ok := f.GetFloat(key("attention.layer_norm_rms_epsilon")); ok {
		p.RMSEpsilon = v
	}

	if v, ok := f.GetUint(key("vocab_size")); ok {
		p.Vocab = int(v)
	} else if tokens, ok := gguf.GetArray[string](f, "tokenizer.ggml.tokens"); ok {
		p.Vocab = len(tokens)
	}

	if err := p.validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Params) validate() error {
	if p.Vocab <= 0 {
		return fmt.Errorf("%w: no vocab_size and no tokenizer.ggml.tokens", gguf.ErrFormat)
	}
	if p.Heads <= 0 || p.Embedding%p.Heads != 0 {
		return fmt.Errorf("%w: embedding_length %d not divisible by head_count %d",
			gguf.ErrFormat, p.Embedding, p.Heads)
	}
	p.HeadDim = p.Embedding / p.Heads
	if p.KVHeads <= 0 || p.Heads%p.KVHeads != 0 {
		return fmt.Errorf("%w: head_count %d not divisible by head_count_kv %d",
			gguf.ErrFormat, p.Heads, p.KVHeads)
	}
	if p.HeadDim%2 != 0 {
		return fmt.Errorf("%w: head dimension %d must be even for rope", gguf.ErrFormat, p.HeadDim)
	}
	if p.Blocks <= 0 || p.FFN <= 0 || p.ContextLength <= 0 {
		return fmt.Errorf("%w: non-positive block_count, feed_forward_length or context_length",
			gguf.ErrFormat)
	}
	return nil
}
