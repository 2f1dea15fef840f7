package quant

import "math"

// The 32-element block family stores one fp16 scale followed by packed
// quants. Layouts and rounding follow the GGML reference row codecs.

func dequantF32(src []byte, dst []float32) {
	for i := range dst {
		bits := uint32(src[i*4]) | uint32(src[i*4+1])<<8 | uint32(src[i*4+2])<<16 | uint32(src[i*4+3])<<24
		dst[i] = math.Float32frombits(bits)
	}
}

func quantF32(src []float32, dst []byte) {
	for i, v := range src {
		bits := math.Float32bits(v)
		dst[i*4] = byte(bits)
		dst[i*4+1] = byte(bits >> 8)
		dst[i*4+2] = byte(bits >> 16)
		dst[i*4+3] = byte(bits >> 24)
	}
}

func dotF32(src []byte, x []float32) float32 {
	var sum float32
	for i := range x {
		bits := uint32(src[i*4]) | uint32(src[i*4+1])<<8 | uint32(src[i*4+2])<<16 | uint32(src[i*4+3])<<24
		sum += math.Float32frombits(bits) * x[i]
	}
	return sum
}

func dequantF16(src []byte, dst []float32) {
	for i := range dst {
		dst[i] = readF16(src[i*2:])
	}
}

func quantF16(src []float32, dst []byte) {
	for i, v := range src {
		putF16(dst[i*2:], v)
	}
}

func dotF16(src []byte, x []float32) float32 {
	var sum float32
	for i := range x {
		sum += readF16(src[i*2:]) * x[i]
	}
	return sum
}

// Q4_0: fp16 scale d, then 16 bytes of nibbles. Element j sits in the low
// nibble of byte j, element j+16 in the high nibble. value = (q - 8) * d.

func dequantBlockQ40(src []byte, dst []float32) {
	d := readF16(src)
	qs := src[2:18]
	for j := 0; j < 16; j++ {
		b := qs[j]
		dst[j] = float32(int8(b&0x0F)-8) * d
		dst[j+16] = float32(int8(b>>4)-8) * d
	}
}

func quantBlockQ40(src []float32, dst []byte) {
	var amax, maxv float32
	for _, v := range src {
		a := v
		if a < 0 {
			a = -a
		}
		if a > amax {
			amax, maxv = a, v
		}
	}
	d := maxv / -8
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF16(dst, d)
	for j := 0; j < 16; j++ {
		x0 := src[j]*id + 8.5
		x1 := src[j+16]*id + 8.5
		dst[2+j] = nibble(x0) | nibble(x1)<<4
	}
}

// nibble truncates toward zero and caps at 15, matching the C conversion
// the reference encoder relies on. Inputs are non-negative.
func nibble(x float32) byte {
	q := int32(x)
	if q > 15 {
		q = 15
	}
	return byte(q)
}

func dotBlockQ40(src []byte, x []float32) float32 {
	d := readF16(src)
	qs := src[2:18]
	var sum float32
	for j := 0; j < 16; j++ {
		b := qs[j]
		sum += float32(int8(b&0x0F)-8)*x[j] + float32(int8(b>>4)-8)*x[j+16]
	}
	return sum * d
}

// Q5_0: fp16 scale d, a packed u32 of fifth bits, then 16 nibble bytes.
// value = (q - 16) * d with q assembled from nibble plus its high bit.

func dequantBlockQ50(src []byte, dst []float32) {
	d := readF16(src)
	qh := uint32(src[2]) | uint32(src[3])<<8 | uint32(src[4])<<16 | uint32(src[5])<<24
	qs := src[6:22]
	for j := 0; j < 16; j++ {
		xh0 := uint8(qh>>j<<4) & 0x10
		xh1 := uint8(qh>>(j+12)) & 0x10
		q0 := int32(qs[j]&0x0F|xh0) - 16
		q1 := int32(qs[j]>>4|xh1) - 16
		dst[j] = float32(q0) * d
		dst[j+16] = float32(q1) * d
	}
}

func quantBlockQ50(src []float32, dst []byte) {
	var amax, maxv float32
	for _, v := range src {
		a := v
		if a < 0 {
			a = -a
		}
		if a > amax {
			amax, maxv = a, v
		}
	}
	d := maxv / -16
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF16(dst, d)
	var qh uint32
	for j := 0; j < 16; j++ {
		x0 := src[j]*id + 16.5
		x1 := src[j+16]*id + 16.5
		q0 := fiveBit(x0)
		q1 := fiveBit(x1)
		dst[6+j] = q0&0x0F | (q1&0x0F)<<4
		qh |= uint32(q0>>4) << j
		qh |= uint32(q1>>4) << (j + 16)
	}
	dst[2] = byte(qh)
	dst[3] = byte(qh >> 8)
	dst[4] = byte(qh >> 16)
	dst[5] = byte(qh >> 24)
}

func fiveBit(x float32) byte {
	q := int32(x)
	if q > 31 {
		q = 31
	}
	return byte(q)
}

func dotBlockQ50(src []byte, x []float32) float32 {
	d := readF16(src)
	qh := uint32(src[2]) | uint32(src[3])<<8 | uint32(src[4])<<16 | uint32(src[5])<<24
	qs := src[6:22]
	var sum float32
	for j := 0; j < 16; j++ {
		xh0 := uint8(qh>>j<<4) & 0x10
		xh1 := uint8(qh>>(j+12)) & 0x10
		q0 := int32(qs[j]&0x0F|xh0) - 16
		q1 := int32(qs[j]>>4|xh1) - 16
		sum += float32(q0)*x[j] + float32(q1)*x[j+16]
	}
	return sum * d
}

// Q8_0: fp16 scale d, then 32 signed bytes. value = q * d.

func dequantBlockQ80(src []byte, dst []float32) {
	d := readF16(src)
	for j := 0; j < 32; j++ {
		dst[j] = float32(int8(src[2+j])) * d
	}
}

func quantBlockQ80(src []float32, dst []byte) {
	var amax float32
	for _, v := range src {
		a := v
		if a < 0 {
			a = -a
		}
		if a > amax {
			amax = a
		}
	}
	d := amax / 127
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF16(dst, d)
	for j, v := range src {
		dst[2+j] = byte(int8(math.Round(float64(v * id))))
	}
}

func dotBlockQ80(src []byte, x []float32) float32 {
	d := readF16(src)
	var sum float32
	for j := 0; j < 32; j++ {
		sum += float32(int8(src[2+j])) * x[j]
	}
	return sum * d
}
