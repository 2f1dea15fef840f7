package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/tobymordkin/cortex/internal/quant"
)

// Builder assembles a GGUF container in memory. It backs the synthetic
// model fixtures used in tests. Metadata keys and tensors are written in
// insertion order.
type Builder struct {
	alignment uint64
	kv        []builderKV
	tensors   []builderTensor
}

type builderKV struct {
	key   string
	vtype ValueType
	raw   []byte
}

type builderTensor struct {
	name string
	dims []uint64
	kind quant.Kind
	data []byte
}

func NewBuilder() *Builder {
	return &Builder{alignment: defaultAlignment}
}

func (b *Builder) addKV(key string, vtype ValueType, raw []byte) {
	b.kv = append(b.kv, builderKV{key: key, vtype: vtype, raw: raw})
}

func (b *Builder) AddUint32(key string, v uint32) {
	b.addKV(key, TypeUint32, binary.LittleEndian.AppendUint32(nil, v))
}

func (b *Builder) AddUint64(key string, v uint64) {
	b.addKV(key, TypeUint64, binary.LittleEndian.AppendUint64(nil, v))
}

func (b *Builder) AddFloat32(key string, v float32) {
	b.addKV(key, TypeFloat32, binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)))
}

func (b *Builder) AddBool(key string, v bool) {
	raw := []byte{0}
	if v {
		raw[0] = 1
	}
	b.addKV(key, TypeBool, raw)
}

func (b *Builder) AddString(key, v string) {
	b.addKV(key, TypeString, appendString(nil, v))
}

func (b *Builder) AddStringArray(key string, vs []string) {
	raw := arrayHeader(TypeString, len(vs))
	for _, v := range vs {
		raw = appendString(raw, v)
	}
	b.addKV(key, TypeArray, raw)
}

func (b *Builder) AddFloat32Array(key string, vs []float32) {
	raw := arrayHeader(TypeFloat32, len(vs))
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	b.addKV(key, TypeArray, raw)
}

func (b *Builder) AddInt32Array(key string, vs []int32) {
	raw := arrayHeader(TypeInt32, len(vs))
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(v))
	}
	b.addKV(key, TypeArray, raw)
}

// AddTensor adds packed tensor bytes. The length must match the dims and
// kind exactly.
func (b *Builder) AddTensor(name string, dims []uint64, kind quant.Kind, data []byte) error {
	if len(dims) == 0 || len(dims) > maxDims {
		return fmt.Errorf("tensor %q: %d dims", name, len(dims))
	}
	rowBytes, err := quant.RowBytes(kind, int(dims[0]))
	if err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	rows := uint64(1)
	for _, d := range dims[1:] {
		rows *= d
	}
	if uint64(len(data)) != rows*uint64(rowBytes) {
		return fmt.Errorf("tensor %q: %d bytes, want %d", name, len(data), rows*uint64(rowBytes))
	}
	b.tensors = append(b.tensors, builderTensor{name: name, dims: dims, kind: kind, data: data})
	return nil
}

// AddTensorF32 quantizes values with the reference encoder for kind and
// adds the result.
func (b *Builder) AddTensorF32(name string, dims []uint64, kind quant.Kind, values []float32) error {
	elems := uint64(1)
	for _, d := range dims {
		elems *= d
	}
	if uint64(len(values)) != elems {
		return fmt.Errorf("tensor %q: %d values for %v dims", name, len(values), dims)
	}
	rowBytes, err := quant.RowBytes(kind, int(dims[0]))
	if err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	data := make([]byte, elems/dims[0]*uint64(rowBytes))
	if err := quant.Quantize(kind, values, data); err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	return b.AddTensor(name, dims, kind, data)
}

// Bytes serializes the container.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(magicGGUF)
	le := binary.LittleEndian

	var scratch [8]byte
	le.PutUint32(scratch[:4], 3)
	buf.Write(scratch[:4])
	le.PutUint64(scratch[:], uint64(len(b.tensors)))
	buf.Write(scratch[:])
	le.PutUint64(scratch[:], uint64(len(b.kv)))
	buf.Write(scratch[:])

	for _, kv := range b.kv {
		buf.Write(appendString(nil, kv.key))
		le.PutUint32(scratch[:4], uint32(kv.vtype))
		buf.Write(scratch[:4])
		buf.Write(kv.raw)
	}

	// Tensor offsets are relative to the aligned data section, each
	// tensor itself aligned.
	offsets := make([]uint64, len(b.tensors))
	var off uint64
	for i, t := range b.tensors {
		off = alignUp(off, b.alignment)
		offsets[i] = off
		off += uint64(len(t.data))
	}

	for i, t := range b.tensors {
		buf.Write(appendString(nil, t.name))
		le.PutUint32(scratch[:4], uint32(len(t.dims)))
		buf.Write(scratch[:4])
		for _, d := range t.dims {
			le.PutUint64(scratch[:], d)
			buf.Write(scratch[:])
		}
		le.PutUint32(scratch[:4], uint32(t.kind))
		buf.Write(scratch[:4])
		le.PutUint64(scratch[:], offsets[i])
		buf.Write(scratch[:])
	}

	pad(&buf, b.alignment)
	dataStart := buf.Len()
	for i, t := range b.tensors {
		want := dataStart + int(offsets[i])
		for buf.Len() < want {
			buf.WriteByte(0)
		}
		buf.Write(t.data)
	}
	return buf.Bytes()
}

// WriteFile serializes the container to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o644)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(s)))
	return append(dst, s...)
}

func arrayHeader(elem ValueType, n int) []byte {
	raw := binary.LittleEndian.AppendUint32(nil, uint32(elem))
	return binary.LittleEndian.AppendUint64(raw, uint64(n))
}

func pad(buf *bytes.Buffer, alignment uint64) {
	for uint64(buf.Len())%alignment != 0 {
		buf.WriteByte(0)
	}
}
