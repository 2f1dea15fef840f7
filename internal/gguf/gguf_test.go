package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tobymordkin/cortex/internal/quant"
)

func buildTestFile(t *testing.T, mutate func(*Builder)) string {
	t.Helper()
	b := NewBuilder()
	b.AddString("general.architecture", "llama")
	b.AddUint32("llama.embedding_length", 64)
	b.AddFloat32("llama.rope.freq_base", 10000)
	b.AddStringArray("tokenizer.ggml.tokens", []string{"<unk>", "<s>", "</s>", "a", "b"})
	b.AddFloat32Array("tokenizer.ggml.scores", []float32{0, 0, 0, -1, -2})
	b.AddInt32Array("tokenizer.ggml.token_type", []int32{2, 3, 3, 1, 1})

	embd := make([]float32, 5*64)
	for i := range embd {
		embd[i] = float32(i%13) * 0.25
	}
	if err := b.AddTensorF32("token_embd.weight", []uint64{64, 5}, quant.F32, embd); err != nil {
		t.Fatal(err)
	}
	q := make([]float32, 64*64)
	for i := range q {
		q[i] = float32(i%7) - 3
	}
	if err := b.AddTensorF32("blk.0.attn_q.weight", []uint64{64, 64}, quant.Q8_0, q); err != nil {
		t.Fatal(err)
	}

	if mutate != nil {
		mutate(b)
	}
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := b.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenRoundTrip(t *testing.T) {
	path := buildTestFile(t, nil)
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if f.Version != 3 {
		t.Errorf("version = %d, want 3", f.Version)
	}
	if f.Alignment != 32 {
		t.Errorf("alignment = %d, want 32", f.Alignment)
	}
	if f.DataOffset%f.Alignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	arch, ok := f.GetString("general.architecture")
	if !ok || arch != "llama" {
		t.Errorf("architecture = %q, %v", arch, ok)
	}
	dim, ok := f.GetUint("llama.embedding_length")
	if !ok || dim != 64 {
		t.Errorf("embedding_length = %d, %v", dim, ok)
	}
	base, ok := f.GetFloat("llama.rope.freq_base")
	if !ok || base != 10000 {
		t.Errorf("freq_base = %v, %v", base, ok)
	}
	tokens, ok := GetArray[string](f, "tokenizer.ggml.tokens")
	if !ok || len(tokens) != 5 || tokens[3] != "a" {
		t.Errorf("tokens = %v, %v", tokens, ok)
	}

	if len(f.Tensors) != 2 {
		t.Fatalf("tensor count = %d", len(f.Tensors))
	}
	emb, ok := f.Tensor("token_embd.weight")
	if !ok {
		t.Fatal("token_embd.weight missing")
	}
	if emb.Kind != quant.F32 || emb.Rows() != 5 || emb.Dims[0] != 64 {
		t.Errorf("embedding shape: kind %s dims %v", emb.Kind, emb.Dims)
	}
	vals, err := emb.Floats()
	if err != nil {
		t.Fatal(err)
	}
	if vals[1] != 0.25 || vals[13] != 0 {
		t.Errorf("embedding values decoded wrong: %v %v", vals[1], vals[13])
	}

	qt, _ := f.Tensor("blk.0.attn_q.weight")
	if qt.Kind != quant.Q8_0 {
		t.Errorf("kind = %s", qt.Kind)
	}
	row, err := qt.Row(3)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := quant.RowBytes(quant.Q8_0, 64)
	if len(row) != want {
		t.Errorf("row bytes = %d, want %d", len(row), want)
	}
}

func TestOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	data := []byte("GGML")
	data = append(data, make([]byte, 64)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("got %v, want ErrFormat", err)
	}
}

func TestOpenTruncated(t *testing.T) {
	path := buildTestFile(t, nil)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{8, 30, 100} {
		short := filepath.Join(t.TempDir(), "short.gguf")
		if err := os.WriteFile(short, data[:n], 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(short); err == nil {
			t.Errorf("truncation to %d bytes did not fail", n)
		}
	}
}

func TestOpenBadVersion(t *testing.T) {
	path := buildTestFile(t, nil)
	data, _ := os.ReadFile(path)
	data[4] = 9 // version field
	bad := filepath.Join(t.TempDir(), "ver.gguf")
	if err := os.WriteFile(bad, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(bad)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("got %v, want ErrFormat", err)
	}
}

func TestOpenUnsupportedTensorTypeLoadsNothing(t *testing.T) {
	path := buildTestFile(t, func(b *Builder) {
		// Q4_1 (code 3) has no codec here: 20-byte blocks, 32 elems.
		b.tensors = append(b.tensors, builderTensor{
			name: "blk.0.ffn_up.weight",
			dims: []uint64{32, 2},
			kind: quant.Kind(3),
			data: make([]byte, 40),
		})
	})
	f, err := Open(path)
	if !errors.Is(err, ErrUnsupportedTensorType) {
		t.Fatalf("got %v, want ErrUnsupportedTensorType", err)
	}
	if f != nil {
		t.Fatal("partial file returned alongside error")
	}
}

func TestOpenCorruptDataSection(t *testing.T) {
	path := buildTestFile(t, nil)
	data, _ := os.ReadFile(path)
	trunc := filepath.Join(t.TempDir(), "corrupt.gguf")
	// Keep the directory intact but cut tensor payload.
	if err := os.WriteFile(trunc, data[:len(data)-64], 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(trunc)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestOpenDuplicateTensor(t *testing.T) {
	path := buildTestFile(t, func(b *Builder) {
		vals := make([]float32, 32)
		if err := b.AddTensorF32("token_embd.weight", []uint64{32}, quant.F32, vals); err != nil {
			t.Fatal(err)
		}
	})
	_, err := Open(path)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestOpenOverlappingTensors(t *testing.T) {
	path := buildTestFile(t, nil)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	name := []byte("blk.0.attn_q.weight")
	i := bytes.Index(data, name)
	if i < 0 {
		t.Fatal("tensor name not found in directory")
	}
	field := i + len(name) + 4 + 2*8 + 4 // ndims, dims, type
	// Point the second tensor at the embedding's bytes. Both ranges stay
	// inside the data section, so only the overlap rule can reject this.
	binary.LittleEndian.PutUint64(data[field:], 0)
	bad := filepath.Join(t.TempDir(), "overlap.gguf")
	if err := os.WriteFile(bad, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = Open(bad)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestOpenAlignmentMetadata(t *testing.T) {
	path := buildTestFile(t, func(b *Builder) {
		b.AddUint32("general.alignment", 64)
		b.alignment = 64
	})
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Alignment != 64 {
		t.Errorf("alignment = %d, want 64", f.Alignment)
	}
	if f.DataOffset%64 != 0 {
		t.Errorf("data offset %d not 64-aligned", f.DataOffset)
	}
}

func TestOpenRejectsBadAlignment(t *testing.T) {
	for _, a := range []uint32{0, 48} {
		path := buildTestFile(t, func(b *Builder) {
			b.AddUint32("general.alignment", a)
		})
		if _, err := Open(path); !errors.Is(err, ErrFormat) {
			t.Errorf("alignment %d: got %v, want ErrFormat", a, err)
		}
	}
}
