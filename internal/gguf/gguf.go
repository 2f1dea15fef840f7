// Package gguf reads GGUF model containers: the typed metadata block, the
// tensor directory, and the aligned tensor data section, which is memory
// mapped where the platform allows. Files are validated up front; a file
// that cannot be fully resolved loads nothing.
package gguf

import (
	"bytes"
	"cmp"
	"fmt"
	"os"
	"slices"

	"github.com/tobymordkin/cortex/internal/quant"
)

const (
	magicGGUF = "GGUF"

	// defaultAlignment applies when general.alignment is absent.
	defaultAlignment = 32

	maxTensorCount = 1 << 16
	maxKVCount     = 1 << 16
	maxDims        = 4
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// ArrayValue holds a homogeneous metadata array.
type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

// Value is one typed metadata cell.
type Value struct {
	Type  ValueType
	Value any
}

// TensorInfo is one resolved tensor directory entry. Dims[0] is the row
// length (the innermost dimension); Data points into the mapped file.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Kind   quant.Kind
	Offset uint64
	Data   []byte
}

// Elems returns the total element count.
func (ti *TensorInfo) Elems() uint64 {
	n := uint64(1)
	for _, d := range ti.Dims {
		n *= d
	}
	return n
}

// Rows returns the number of rows: the product of all outer dimensions.
func (ti *TensorInfo) Rows() uint64 {
	if len(ti.Dims) == 0 {
		return 0
	}
	return ti.Elems() / ti.Dims[0]
}

// File is an opened GGUF container.
type File struct {
	Path       string
	Version    uint32
	Alignment  uint64
	DataOffset uint64
	KV         map[string]Value
	Tensors    []*TensorInfo

	byName map[string]*TensorInfo
	raw    []byte
	unmap  func([]byte) error
}

// Open parses and validates path. On any failure nothing is retained: the
// returned error wraps ErrFormat, ErrUnsupportedTensorType, or ErrCorrupt.
func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer osf.Close()

	st, err := osf.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 24 {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrFormat, size)
	}

	raw, unmap, err := mapFile(osf, size)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	f := &File{Path: path, raw: raw, unmap: unmap}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	if err := f.parse(newReader(bytes.NewReader(raw), size)); err != nil {
		return nil, err
	}
	ok = true
	return f, nil
}

func (f *File) parse(r *reader) error {
	magic, err := r.readN(4)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(magic) != magicGGUF {
		return fmt.Errorf("%w: bad magic %q", ErrFormat, string(magic))
	}

	version, err := r.readU32()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if version != 2 && version != 3 {
		return fmt.Errorf("%w: unsupported version %d", ErrFormat, version)
	}
	f.Version = version

	tensorCount, err := r.readU64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	kvCount, err := r.readU64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if tensorCount > maxTensorCount || kvCount > maxKVCount {
		return fmt.Errorf("%w: implausible header counts (%d tensors, %d kv)", ErrFormat, tensorCount, kvCount)
	}

	f.KV = make(map[string]Value, kvCount)
	for i := uint64(0); i < kvCount; i++ {
		key, err := r.readString()
		if err != nil {
			return fmt.Errorf("%w: metadata key %d: %v", ErrFormat, i, err)
		}
		vtypeU32, err := r.readU32()
		if err != nil {
			return fmt.Errorf("%w: metadata type for %s: %v", ErrFormat, key, err)
		}
		vtype := ValueType(vtypeU32)
		val, err := readValue(r, vtype)
		if err != nil {
			return fmt.Errorf("%w: metadata value for %s: %v", ErrFormat, key, err)
		}
		f.KV[key] = Value{Type: vtype, Value: val}
	}

	f.Alignment = defaultAlignment
	// Alignment metadata is read before tensor resolution so offsets are
	// checked against the declared value.
	if v, ok := f.KV["general.alignment"]; ok {
		u, uok := asUint64(v.Value)
		if !uok || u == 0 || u&(u-1) != 0 {
			return fmt.Errorf("%w: general.alignment must be a positive power of two", ErrFormat)
		}
		f.Alignment = u
	}

	f.Tensors = make([]*TensorInfo, 0, tensorCount)
	f.byName = make(map[string]*TensorInfo, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		ti, err := readTensorInfo(r)
		if err != nil {
			return err
		}
		if _, dup := f.byName[ti.Name]; dup {
			return fmt.Errorf("%w: duplicate tensor %q", ErrCorrupt, ti.Name)
		}
		f.Tensors = append(f.Tensors, ti)
		f.byName[ti.Name] = ti
	}

	f.DataOffset = alignUp(uint64(r.off), f.Alignment)
	if f.DataOffset > uint64(len(f.raw)) {
		return fmt.Errorf("%w: data section starts past end of file", ErrCorrupt)
	}
	dataLen := uint64(len(f.raw)) - f.DataOffset

	for _, ti := range f.Tensors {
		if err := f.resolve(ti, dataLen); err != nil {
			return err
		}
	}

	// Directory order need not match data order, so overlap is checked on
	// a view sorted by offset.
	byOffset := make([]*TensorInfo, len(f.Tensors))
	copy(byOffset, f.Tensors)
	slices.SortFunc(byOffset, func(a, b *TensorInfo) int { return cmp.Compare(a.Offset, b.Offset) })
	for i := 1; i < len(byOffset); i++ {
		prev, ti := byOffset[i-1], byOffset[i]
		if ti.Offset < prev.Offset+uint64(len(prev.Data)) {
			return fmt.Errorf("%w: tensors %q and %q overlap", ErrCorrupt, prev.Name, ti.Name)
		}
	}
	return nil
}

func readTensorInfo(r *reader) (*TensorInfo, error) {
	name, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("%w: tensor name: %v", ErrFormat, err)
	}
	nDim, err := r.readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: tensor %q dims: %v", ErrFormat, name, err)
	}
	if nDim == 0 || nDim > maxDims {
		return nil, fmt.Errorf("%w: tensor %q has %d dimensions", ErrFormat, name, nDim)
	}
	dims := make([]uint64, nDim)
	for d := range dims {
		v, err := r.readU64()
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q dim %d: %v", ErrFormat, name, d, err)
		}
		if v == 0 || v > 1<<32 {
			return nil, fmt.Errorf("%w: tensor %q dim %d is %d", ErrFormat, name, d, v)
		}
		dims[d] = v
	}
	typeU32, err := r.readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: tensor %q type: %v", ErrFormat, name, err)
	}
	offset, err := r.readU64()
	if err != nil {
		return nil, fmt.Errorf("%w: tensor %q offset: %v", ErrFormat, name, err)
	}
	return &TensorInfo{
		Name:   name,
		Dims:   dims,
		Kind:   quant.Kind(typeU32),
		Offset: offset,
	}, nil
}

// resolve validates one directory entry against the data section and
// slices its bytes. Tensor offsets are relative to DataOffset.
func (f *File) resolve(ti *TensorInfo, dataLen uint64) error {
	if !quant.Supported(ti.Kind) {
		return fmt.Errorf("%w: tensor %q has type %s", ErrUnsupportedTensorType, ti.Name, ti.Kind)
	}
	trait, _ := quant.TraitOf(ti.Kind)
	if ti.Dims[0]%uint64(trait.BlockElems) != 0 {
		return fmt.Errorf("%w: tensor %q row length %d is not a whole number of %s blocks",
			ErrCorrupt, ti.Name, ti.Dims[0], ti.Kind)
	}
	rowBytes, err := quant.RowBytes(ti.Kind, int(ti.Dims[0]))
	if err != nil {
		return fmt.Errorf("%w: tensor %q: %v", ErrCorrupt, ti.Name, err)
	}
	size := ti.Rows() * uint64(rowBytes)

	if ti.Offset%f.Alignment != 0 {
		return fmt.Errorf("%w: tensor %q offset %d not aligned to %d", ErrCorrupt, ti.Name, ti.Offset, f.Alignment)
	}
	if ti.Offset > dataLen || size > dataLen-ti.Offset {
		return fmt.Errorf("%w: tensor %q spans [%d, %d) outside data section of %d bytes",
			ErrCorrupt, ti.Name, ti.Offset, ti.Offset+size, dataLen)
	}
	start := f.DataOffset + ti.Offset
	ti.Data = f.raw[start : start+size : start+size]
	return nil
}

// Tensor looks a tensor up by name.
func (f *File) Tensor(name string) (*TensorInfo, bool) {
	ti, ok := f.byName[name]
	return ti, ok
}

// Close releases the mapping. The Data slices of all tensors become
// invalid.
func (f *File) Close() error {
	if f.raw == nil {
		return nil
	}
	raw := f.raw
	f.raw = nil
	if f.unmap != nil {
		return f.unmap(raw)
	}
	return nil
}

func readValue(r *reader, vtype ValueType) (any, error) {
	switch vtype {
	case TypeUint8:
		return r.readU8()
	case TypeInt8:
		return r.readI8()
	case TypeUint16:
		return r.readU16()
	case TypeInt16:
		return r.readI16()
	case TypeUint32:
		return r.readU32()
	case TypeInt32:
		return r.readI32()
	case TypeUint64:
		return r.readU64()
	case TypeInt64:
		return r.readI64()
	case TypeFloat32:
		return r.readF32()
	case TypeFloat64:
		return r.readF64()
	case TypeBool:
		v, err := r.readU8()
		if err != nil {
			return false, err
		}
		return v != 0, nil
	case TypeString:
		return r.readString()
	case TypeArray:
		elemTypeU32, err := r.readU32()
		if err != nil {
			return nil, err
		}
		elemType := ValueType(elemTypeU32)
		if elemType == TypeArray {
			return nil, fmt.Errorf("nested arrays are not valid")
		}
		count, err := r.readU64()
		if err != nil {
			return nil, err
		}
		// Cap the initial capacity; a lying count fails at EOF instead
		// of in the allocator.
		capHint := count
		if capHint > 1<<16 {
			capHint = 1 << 16
		}
		values := make([]any, 0, capHint)
		for j := uint64(0); j < count; j++ {
			v, err := readValue(r, elemType)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return ArrayValue{ElemType: elemType, Values: values}, nil
	default:
		return nil, fmt.Errorf("unknown value type %d", uint32(vtype))
	}
}

func alignUp(offset, alignment uint64) uint64 {
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int16:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int32:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	default:
		return 0, false
	}
}
