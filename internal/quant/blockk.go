package quant

import "math"

// The K family packs 256-element super-blocks: per-sub-block integer scale
// codes rescaled by one or two fp16 super scales. Sub-block layouts follow
// the GGML reference codecs bit for bit.

func nearestInt(f float32) int32 {
	return int32(math.RoundToEven(float64(f)))
}

// Q2_K: 16 scale/min nibble pairs, 64 bytes of 2-bit quants, fp16 d and
// dmin. value = d*sc*q - dmin*m over 16-element sub-blocks.

func dequantBlockQ2K(src []byte, dst []float32) {
	scales := src[0:16]
	qs := src[16:80]
	d := readF16(src[80:])
	dmin := readF16(src[82:])

	is := 0
	y := 0
	for n := 0; n < 256; n += 128 {
		q := qs[n/4 : n/4+32]
		for shift := 0; shift < 8; shift += 2 {
			sc := scales[is]
			is++
			dl := d * float32(sc&0x0F)
			ml := dmin * float32(sc>>4)
			for l := 0; l < 16; l++ {
				dst[y] = dl*float32((q[l]>>shift)&3) - ml
				y++
			}
			sc = scales[is]
			is++
			dl = d * float32(sc&0x0F)
			ml = dmin * float32(sc>>4)
			for l := 0; l < 16; l++ {
				dst[y] = dl*float32((q[l+16]>>shift)&3) - ml
				y++
			}
		}
	}
}

func quantBlockQ2K(src []float32, dst []byte) {
	var scales, mins [16]float32
	var maxScale, maxMin float32
	for b := 0; b < 16; b++ {
		sub := src[b*16 : b*16+16]
		lo, hi := sub[0], sub[0]
		for _, v := range sub[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		m := -lo
		if m < 0 {
			m = 0
		}
		mins[b] = m
		scales[b] = (hi + m) / 3
		if scales[b] < 0 {
			scales[b] = 0
		}
		if scales[b] > maxScale {
			maxScale = scales[b]
		}
		if m > maxMin {
			maxMin = m
		}
	}

	var d, dmin, invD, invM float32
	if maxScale > 0 {
		d = maxScale / 15
		invD = 1 / d
	}
	if maxMin > 0 {
		dmin = maxMin / 15
		invM = 1 / dmin
	}
	putF16(dst[80:], d)
	putF16(dst[82:], dmin)
	d16 := readF16(dst[80:])
	dmin16 := readF16(dst[82:])

	var codes [16]byte
	for b := 0; b < 16; b++ {
		sc := clampI32(nearestInt(scales[b]*invD), 0, 15)
		mc := clampI32(nearestInt(mins[b]*invM), 0, 15)
		codes[b] = byte(sc) | byte(mc)<<4
		dst[b] = codes[b]
	}

	for i := range dst[16:80] {
		dst[16+i] = 0
	}
	for b := 0; b < 16; b++ {
		dl := d16 * float32(codes[b]&0x0F)
		ml := dmin16 * float32(codes[b]>>4)
		var invDL float32
		if dl != 0 {
			invDL = 1 / dl
		}
		half := b / 8   // 0 or 1, selects the 32-byte region
		shift := uint(b % 8 / 2 * 2)
		lane := b % 2 * 16 // q[l] vs q[l+16]
		for l := 0; l < 16; l++ {
			q := clampI32(nearestInt((src[b*16+l]+ml)*invDL), 0, 3)
			dst[16+half*32+lane+l] |= byte(q) << shift
		}
	}
}

func dotBlockQ2K(src []byte, x []float32) float32 {
	scales := src[0:16]
	qs := src[16:80]
	d := readF16(src[80:])
	dmin := readF16(src[82:])

	var sum float32
	is := 0
	y := 0
	for n := 0; n < 256; n += 128 {
		q := qs[n/4 : n/4+32]
		for shift := 0; shift < 8; shift += 2 {
			for half := 0; half < 2; half++ {
				sc := scales[is]
				is++
				dl := d * float32(sc&0x0F)
				ml := dmin * float32(sc>>4)
				var qdot, xsum float32
				for l := 0; l < 16; l++ {
					xv := x[y]
					qdot += float32((q[l+half*16]>>shift)&3) * xv
					xsum += xv
					y++
				}
				sum += dl*qdot - ml*xsum
			}
		}
	}
	return sum
}

// Q4_K: fp16 d and dmin, 12 bytes of packed 6-bit scale/min codes, 128
// nibble bytes. value = d*sc*q - dmin*m over 32-element sub-blocks.

// scaleMinK4 unpacks the 6-bit scale and min codes for sub-block j from the
// 12-byte packed table.
func scaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	sc := (scales[j+4] & 0x0F) | (scales[j-4]>>6)<<4
	m := (scales[j+4] >> 4) | (scales[j]>>6)<<4
	return sc, m
}

func packScaleMinK4(sc, mn *[8]uint8, dst []byte) {
	for j := 0; j < 4; j++ {
		dst[j] = sc[j]&63 | (sc[j+4]>>4)<<6
		dst[j+4] = mn[j]&63 | (mn[j+4]>>4)<<6
		dst[j+8] = sc[j+4]&0x0F | (mn[j+4]&0x0F)<<4
	}
}

func dequantBlockQ4K(src []byte, dst []float32) {
	d := readF16(src)
	dmin := readF16(src[2:])
	scales := src[4:16]
	qs := src[16:144]

	y := 0
	for j := 0; j < 4; j++ {
		sc1, m1 := scaleMinK4(2*j, scales)
		sc2, m2 := scaleMinK4(2*j+1, scales)
		d1, min1 := d*float32(sc1), dmin*float32(m1)
		d2, min2 := d*float32(sc2), dmin*float32(m2)
		q := qs[j*32 : j*32+32]
		for l := 0; l < 32; l++ {
			dst[y] = d1*float32(q[l]&0x0F) - min1
			y++
		}
		for l := 0; l < 32; l++ {
			dst[y] = d2*float32(q[l]>>4) - min2
			y++
		}
	}
}

func quantBlockQ4K(src []float32, dst []byte) {
	var scales, mins [8]float32
	var maxScale, maxMin float32
	for b := 0; b < 8; b++ {
		sub := src[b*32 : b*32+32]
		lo, hi := sub[0], sub[0]
		for _, v := range sub[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		m := -lo
		if m < 0 {
			m = 0
		}
		mins[b] = m
		scales[b] = (hi + m) / 15
		if scales[b] < 0 {
			scales[b] = 0
		}
		if scales[b] > maxScale {
			maxScale = scales[b]
		}
		if m > maxMin {
			maxMin = m
		}
	}

	var d, dmin, invD, invM float32
	if maxScale > 0 {
		d = maxScale / 63
		invD = 1 / d
	}
	if maxMin > 0 {
		dmin = maxMin / 63
		invM = 1 / dmin
	}
	putF16(dst, d)
	putF16(dst[2:], dmin)
	d16 := readF16(dst)
	dmin16 := readF16(dst[2:])

	var scCodes, mnCodes [8]uint8
	for b := 0; b < 8; b++ {
		scCodes[b] = uint8(clampI32(nearestInt(scales[b]*invD), 0, 63))
		mnCodes[b] = uint8(clampI32(nearestInt(mins[b]*invM), 0, 63))
	}
	packScaleMinK4(&scCodes, &mnCodes, dst[4:16])

	qs := dst[16:144]
	for b := 0; b < 8; b++ {
		dl := d16 * float32(scCodes[b])
		ml := dmin16 * float32(mnCodes[b])
		var invDL float32
		if dl != 0 {
			invDL = 1 / dl
		}
		base := b / 2 * 32
		hi := b%2 == 1
		for l := 0; l < 32; l++ {
			q := byte(clampI32(nearestInt((src[b*32+l]+ml)*invDL), 0, 15))
			if hi {
				qs[base+l] |= q << 4
			} else {
				qs[base+l] = q
			}
		}
	}
}

func dotBlockQ4K(src []byte, x []float32) float32 {
	d := readF16(src)
	dmin := readF16(src[2:])
	scales := src[4:16]
	qs := src[16:144]

	var sum float32
	y := 0
	for j := 0; j < 4; j++ {
		sc1, m1 := scaleMinK4(2*j, scales)
		sc2, m2 := scaleMinK4(2*j+1, scales)
		q := qs[j*32 : j*32+32]
		var qdot1, xsum1, qdot2, xsum2 float32
		for l := 0; l < 32; l++ {
			xv := x[y+l]
			qdot1 += float32(q[l]&0x0F) * xv
			xsum1 += xv
		}
		for l := 0; l < 32; l++ {
			xv := x[y+32+l]
			qdot2 += float32(q[l]>>4) * xv
			xsum2 += xv
		}
		sum += d*float32(sc1)*qdot1 - dmin*float32(m1)*xsum1
		sum += d*float32(sc2)*qdot2 - dmin*float32(m2)*xsum2
		y += 64
	}
	return sum
}

// Q6_K: 128 bytes of low nibbles, 64 bytes of paired high bits, 16 signed
// sub-block scales, fp16 d. value = d*sc*(q-32) over 16-element sub-blocks.

func dequantBlockQ6K(src []byte, dst []float32) {
	ql := src[0:128]
	qh := src[128:192]
	sc := src[192:208]
	d := readF16(src[208:])

	for n := 0; n < 2; n++ {
		yOff := n * 128
		lOff := n * 64
		hOff := n * 32
		sOff := n * 8
		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int8(ql[lOff+l]&0x0F|(qh[hOff+l]>>0&3)<<4) - 32
			q2 := int8(ql[lOff+l+32]&0x0F|(qh[hOff+l]>>2&3)<<4) - 32
			q3 := int8(ql[lOff+l]>>4|(qh[hOff+l]>>4&3)<<4) - 32
			q4 := int8(ql[lOff+l+32]>>4|(qh[hOff+l]>>6&3)<<4) - 32
			dst[yOff+l] = d * float32(int8(sc[sOff+is])) * float32(q1)
			dst[yOff+l+32] = d * float32(int8(sc[sOff+is+2])) * float32(q2)
			dst[yOff+l+64] = d * float32(int8(sc[sOff+is+4])) * float32(q3)
			dst[yOff+l+96] = d * float32(int8(sc[sOff+is+6])) * float32(q4)
		}
	}
}

func quantBlockQ6K(src []float32, dst []byte) {
	var scales [16]float32
	var maxScale, maxAbsScale float32
	for b := 0; b < 16; b++ {
		sub := src[b*16 : b*16+16]
		var amax, maxv float32
		for _, v := range sub {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax, maxv = a, v
			}
		}
		scales[b] = maxv / -32
		if a := amax / 32; a > maxAbsScale {
			maxAbsScale = a
			maxScale = scales[b]
		}
	}

	if maxAbsScale == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}

	d := maxScale / -128
	putF16(dst[208:], d)
	d16 := readF16(dst[208:])
	invD := 1 / d

	var L [256]byte
	for b := 0; b < 16; b++ {
		code := clampI32(nearestInt(scales[b]*invD), -128, 127)
		dst[192+b] = byte(int8(code))
		dl := d16 * float32(code)
		var invDL float32
		if dl != 0 {
			invDL = 1 / dl
		}
		for l := 0; l < 16; l++ {
			q := clampI32(nearestInt(src[b*16+l]*invDL), -32, 31)
			L[b*16+l] = byte(q + 32)
		}
	}

	for n := 0; n < 2; n++ {
		base := n * 128
		lOff := n * 64
		hOff := n * 32
		for l := 0; l < 32; l++ {
			q1 := L[base+l] & 0x0F
			q2 := L[base+l+32] & 0x0F
			q3 := L[base+l+64] & 0x0F
			q4 := L[base+l+96] & 0x0F
			dst[lOff+l] = q1 | q3<<4
			dst[lOff+l+32] = q2 | q4<<4
			dst[128+hOff+l] = L[base+l]>>4 | L[base+l+32]>>4<<2 | L[base+l+64]>>4<<4 | L[base+l+96]>>4<<6
		}
	}
}

func dotBlockQ6K(src []byte, x []float32) float32 {
	ql := src[0:128]
	qh := src[128:192]
	sc := src[192:208]
	d := readF16(src[208:])

	var sum float32
	for n := 0; n < 2; n++ {
		xOff := n * 128
		lOff := n * 64
		hOff := n * 32
		sOff := n * 8
		var sub [8]float32
		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int8(ql[lOff+l]&0x0F|(qh[hOff+l]>>0&3)<<4) - 32
			q2 := int8(ql[lOff+l+32]&0x0F|(qh[hOff+l]>>2&3)<<4) - 32
			q3 := int8(ql[lOff+l]>>4|(qh[hOff+l]>>4&3)<<4) - 32
			q4 := int8(ql[lOff+l+32]>>4|(qh[hOff+l]>>6&3)<<4) - 32
			sub[is] += float32(q1) * x[xOff+l]
			sub[is+2] += float32(q2) * x[xOff+l+32]
			sub[is+4] += float32(q3) * x[xOff+l+64]
			sub[is+6] += float32(q4) * x[xOff+l+96]
		}
		for s := 0; s < 8; s++ {
			sum += d * float32(int8(sc[sOff+s])) * sub[s]
		}
	}
	return sum
}

func clampI32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
