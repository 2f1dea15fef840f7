// Package quant implements the block codecs for GGML tensor encodings:
// dequantization, reference quantization, and fused packed-row dot products.
// The bit layouts match the GGUF on-disk format exactly.
package quant

import (
	"errors"
	"fmt"
)

// Kind identifies a GGML tensor data encoding by its on-disk type code.
type Kind uint32

const (
	F32  Kind = 0
	F16  Kind = 1
	Q4_0 Kind = 2
	Q5_0 Kind = 6
	Q8_0 Kind = 8
	Q2_K Kind = 10
	Q4_K Kind = 12
	Q6_K Kind = 14
)

var (
	// ErrUnsupportedKind marks a tensor type code this engine does not decode.
	ErrUnsupportedKind = errors.New("quant: unsupported tensor kind")
	// ErrCorruptData marks packed bytes whose length does not match the
	// block geometry of their kind.
	ErrCorruptData = errors.New("quant: corrupt packed data")
)

// Trait describes the block geometry of a kind.
type Trait struct {
	BlockElems int
	BlockBytes int
}

var traits = map[Kind]Trait{
	F32:  {BlockElems: 1, BlockBytes: 4},
	F16:  {BlockElems: 1, BlockBytes: 2},
	Q4_0: {BlockElems: 32, BlockBytes: 18},
	Q5_0: {BlockElems: 32, BlockBytes: 22},
	Q8_0: {BlockElems: 32, BlockBytes: 34},
	Q2_K: {BlockElems: 256, BlockBytes: 84},
	Q4_K: {BlockElems: 256, BlockBytes: 144},
	Q6_K: {BlockElems: 256, BlockBytes: 210},
}

var kindNames = map[Kind]string{
	F32:  "F32",
	F16:  "F16",
	Q4_0: "Q4_0",
	Q5_0: "Q5_0",
	Q8_0: "Q8_0",
	Q2_K: "Q2_K",
	Q4_K: "Q4_K",
	Q6_K: "Q6_K",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(k))
}

// Supported reports whether this engine implements codecs for k.
func Supported(k Kind) bool {
	_, ok := traits[k]
	return ok
}

// TraitOf returns the block geometry for k.
func TraitOf(k Kind) (Trait, bool) {
	t, ok := traits[k]
	return t, ok
}

// RowBytes returns the packed byte length of elems values of kind k. The
// element count must be a whole number of blocks.
func RowBytes(k Kind, elems int) (int, error) {
	t, ok := traits[k]
	if !ok {
		return 0, fmt.Errorf("%w: code %d", ErrUnsupportedKind, uint32(k))
	}
	if elems < 0 || elems%t.BlockElems != 0 {
		return 0, fmt.Errorf("%w: %d elements is not a whole number of %s blocks", ErrCorruptData, elems, k)
	}
	return elems / t.BlockElems * t.BlockBytes, nil
}

func checkPacked(k Kind, src []byte) (Trait, int, error) {
	t, ok := traits[k]
	if !ok {
		return Trait{}, 0, fmt.Errorf("%w: code %d", ErrUnsupportedKind, uint32(k))
	}
	if len(src)%t.BlockBytes != 0 {
		return Trait{}, 0, fmt.Errorf("%w: %d bytes is not a whole number of %s blocks (%d bytes each)",
			ErrCorruptData, len(src), k, t.BlockBytes)
	}
	return t, len(src) / t.BlockBytes, nil
}

// Dequantize decodes packed bytes into dst. len(dst) must equal the number
// of elements encoded in src.
func Dequantize(k Kind, src []byte, dst []float32) error {
	t, nb, err := checkPacked(k, src)
	if err != nil {
		return err
	}
	if len(dst) != nb*t.BlockElems {
		return fmt.Errorf("%w: %s payload holds %d elements, dst holds %d",
			ErrCorruptData, k, nb*t.BlockElems, len(dst))
	}
	switch k {
	case F32:
		dequantF32(src, dst)
	case F16:
		dequantF16(src, dst)
	case Q4_0:
		for i := 0; i < nb; i++ {
			dequantBlockQ40(src[i*18:(i+1)*18], dst[i*32:(i+1)*32])
		}
	case Q5_0:
		for i := 0; i < nb; i++ {
			dequantBlockQ50(src[i*22:(i+1)*22], dst[i*32:(i+1)*32])
		}
	case Q8_0:
		for i := 0; i < nb; i++ {
			dequantBlockQ80(src[i*34:(i+1)*34], dst[i*32:(i+1)*32])
		}
	case Q2_K:
		for i := 0; i < nb; i++ {
			dequantBlockQ2K(src[i*84:(i+1)*84], dst[i*256:(i+1)*256])
		}
	case Q4_K:
		for i := 0; i < nb; i++ {
			dequantBlockQ4K(src[i*144:(i+1)*144], dst[i*256:(i+1)*256])
		}
	case Q6_K:
		for i := 0; i < nb; i++ {
			dequantBlockQ6K(src[i*210:(i+1)*210], dst[i*256:(i+1)*256])
		}
	}
	return nil
}

// DequantizeBlock decodes exactly one block.
func DequantizeBlock(k Kind, src []byte, dst []float32) error {
	t, ok := traits[k]
	if !ok {
		return fmt.Errorf("%w: code %d", ErrUnsupportedKind, uint32(k))
	}
	if len(src) != t.BlockBytes || len(dst) != t.BlockElems {
		return fmt.Errorf("%w: %s block wants %d bytes and %d elements, got %d and %d",
			ErrCorruptData, k, t.BlockBytes, t.BlockElems, len(src), len(dst))
	}
	return Dequantize(k, src, dst)
}

// Quantize encodes src into packed bytes with the reference encoder for k.
// len(src) must be a whole number of blocks and dst must hold exactly the
// packed size. The encoders are fixed points of Dequantize: re-encoding a
// decoded payload reproduces the original bytes for encoder-produced data.
func Quantize(k Kind, src []float32, dst []byte) error {
	t, ok := traits[k]
	if !ok {
		return fmt.Errorf("%w: code %d", ErrUnsupportedKind, uint32(k))
	}
	if len(src)%t.BlockElems != 0 {
		return fmt.Errorf("%w: %d elements is not a whole number of %s blocks", ErrCorruptData, len(src), k)
	}
	nb := len(src) / t.BlockElems
	if len(dst) != nb*t.BlockBytes {
		return fmt.Errorf("%w: %s payload wants %d bytes, dst holds %d",
			ErrCorruptData, k, nb*t.BlockBytes, len(dst))
	}
	switch k {
	case F32:
		quantF32(src, dst)
	case F16:
		quantF16(src, dst)
	case Q4_0:
		for i := 0; i < nb; i++ {
			quantBlockQ40(src[i*32:(i+1)*32], dst[i*18:(i+1)*18])
		}
	case Q5_0:
		for i := 0; i < nb; i++ {
			quantBlockQ50(src[i*32:(i+1)*32], dst[i*22:(i+1)*22])
		}
	case Q8_0:
		for i := 0; i < nb; i++ {
			quantBlockQ80(src[i*32:(i+1)*32], dst[i*34:(i+1)*34])
		}
	case Q2_K:
		for i := 0; i < nb; i++ {
			quantBlockQ2K(src[i*256:(i+1)*256], dst[i*84:(i+1)*84])
		}
	case Q4_K:
		for i := 0; i < nb; i++ {
			quantBlockQ4K(src[i*256:(i+1)*256], dst[i*144:(i+1)*144])
		}
	case Q6_K:
		for i := 0; i < nb; i++ {
			quantBlockQ6K(src[i*256:(i+1)*256], dst[i*210:(i+1)*210])
		}
	}
	return nil
}

// DotPacked computes dot(dequantize(src), x) without materializing the
// dequantized row. len(x) must equal the element count encoded in src.
func DotPacked(k Kind, src []byte, x []float32) (float32, error) {
	t, nb, err := checkPacked(k, src)
	if err != nil {
		return 0, err
	}
	if len(x) != nb*t.BlockElems {
		return 0, fmt.Errorf("%w: %s payload holds %d elements, x holds %d",
			ErrCorruptData, k, nb*t.BlockElems, len(x))
	}
	var sum float32
	switch k {
	case F32:
		sum = dotF32(src, x)
	case F16:
		sum = dotF16(src, x)
	case Q4_0:
		for i := 0; i < nb; i++ {
			sum += dotBlockQ40(src[i*18:(i+1)*18], x[i*32:(i+1)*32])
		}
	case Q5_0:
		for i := 0; i < nb; i++ {
			sum += dotBlockQ50(src[i*22:(i+1)*22], x[i*32:(i+1)*32])
		}
	case Q8_0:
		for i := 0; i < nb; i++ {
			sum += dotBlockQ80(src[i*34:(i+1)*34], x[i*32:(i+1)*32])
		}
	case Q2_K:
		for i := 0; i < nb; i++ {
			sum += dotBlockQ2K(src[i*84:(i+1)*84], x[i*256:(i+1)*256])
		}
	case Q4_K:
		for i := 0; i < nb; i++ {
			sum += dotBlockQ4K(src[i*144:(i+1)*144], x[i*256:(i+1)*256])
		}
	case Q6_K:
		for i := 0; i < nb; i++ {
			sum += dotBlockQ6K(src[i*210:(i+1)*210], x[i*256:(i+1)*256])
		}
	}
	return sum, nil
}
