package quant

import "math"

// Float16ToFloat32 expands an IEEE 754 half-precision value.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF

	var bits uint32
	switch exp {
	case 0:
		if frac == 0 {
			bits = sign << 31
		} else {
			// Subnormal half: renormalize into a float32 exponent.
			e := uint32(127 - 15 + 1)
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			bits = sign<<31 | e<<23 | frac<<13
		}
	case 0x1F:
		bits = sign<<31 | 0xFF<<23 | frac<<13
	default:
		bits = sign<<31 | (exp+112)<<23 | frac<<13
	}
	return math.Float32frombits(bits)
}

// Float32ToFloat16 narrows to half precision with round to nearest even.
func Float32ToFloat16(f float32) uint16 {
	u := math.Float32bits(f)
	sign := (u >> 16) & 0x8000
	exp := u & 0x7F800000
	coef := u & 0x007FFFFF

	if exp == 0x7F800000 {
		var nanBit uint32
		if coef != 0 {
			nanBit = 0x0200
		}
		return uint16(sign | 0x7C00 | nanBit | coef>>13)
	}

	halfExp := int32(exp>>23) - 127 + 15
	if halfExp >= 0x1F {
		return uint16(sign | 0x7C00)
	}
	if halfExp <= 0 {
		if 14-halfExp > 24 {
			return uint16(sign)
		}
		c := coef | 0x00800000
		halfCoef := c >> uint32(14-halfExp)
		roundBit := uint32(1) << uint32(13-halfExp)
		if c&roundBit != 0 && c&(3*roundBit-1) != 0 {
			halfCoef++
		}
		return uint16(sign | halfCoef)
	}

	halfCoef := coef >> 13
	roundBit := uint32(0x00001000)
	if coef&roundBit != 0 && coef&(3*roundBit-1) != 0 {
		// The carry propagates into the exponent bits correctly.
		return uint16((sign | uint32(halfExp)<<10 | halfCoef) + 1)
	}
	return uint16(sign | uint32(halfExp)<<10 | halfCoef)
}

func readF16(b []byte) float32 {
	return Float16ToFloat32(uint16(b[0]) | uint16(b[1])<<8)
}

func putF16(b []byte, f float32) {
	h := Float32ToFloat16(f)
	b[0] = byte(h)
	b[1] = byte(h >> 8)
}
