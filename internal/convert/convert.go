package convert

import (
	"encoding/binary"
	"fmt"
	"math"
)

func getF32(b []byte) float32 { return math.Float32frombits(binary.BigEndian.Uint32(b)) }
func putF32(b []byte, f float32) { binary.BigEndian.PutUint32(b, math.Float32bits(f)) }
func getS16(b []byte) int16 { return int16(binary.BigEndian.Uint16(b)) }
func putS16(b []byte, v int16) { binary.BigEndian.PutUint16(b, uint16(v)) }
func getS8(b []byte) int8 { return int8(b[0]) }
func putS8(b []byte, v int8) { b[0] = byte(v) }
func getU8(b []byte) uint8 { return b[0] }
func putU8(b []byte, v uint8) { b[0] = v }

func clampInt16(f float64) int16 {
	if f > math.MaxInt16 {
		return math.MaxInt16
	}
	if f < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(f))
}

// biasCU8 maps a scaled float component into the 127-biased unsigned
// 8-bit range, clamping to [0, 255].
func biasCU8(f float64) uint8 {
	raw := math.Round(f) + 127
	if raw < 0 {
		raw = 0
	}
	if raw > 255 {
		raw = 255
	}
	return uint8(raw)
}

func clampInt8(f float64) int8 {
	if f > math.MaxInt8 {
		return math.MaxInt8
	}
	if f < math.MinInt8 {
		return math.MinInt8
	}
	return int8(math.Round(f))
}

func checkLen(name string, buf []byte, elems, elemSize int) error {
	if len(buf) < elems*elemSize {
		return fmt.Errorf("convert: %s buffer too short: need %d bytes for %d elements, have %d",
			name, elems*elemSize, elems, len(buf))
	}
	return nil
}

// Memcpy is the identity conversion: same format on both sides, a plain
// byte copy.
func Memcpy(dst, src []byte, nbytes int) error {
	if len(src) < nbytes || len(dst) < nbytes {
		return fmt.Errorf("convert: memcpy buffer too short")
	}
	copy(dst[:nbytes], src[:nbytes])
	return nil
}

// CF32ToCS16 converts elems complex float32 samples to signed 16-bit,
// i = f*scale per component.
func CF32ToCS16(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CF32.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CS16.ElemSize()); err != nil {
		return err
	}
	for n := 0; n < elems; n++ {
		s := src[n*8:]
		d := dst[n*4:]
		re, im := getF32(s[0:4]), getF32(s[4:8])
		putS16(d[0:2], clampInt16(float64(re)*scale))
		putS16(d[2:4], clampInt16(float64(im)*scale))
	}
	return nil
}

// CS16ToCF32 converts elems signed 16-bit samples to complex float32,
// f = i * (1/scale) per component.
func CS16ToCF32(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CS16.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CF32.ElemSize()); err != nil {
		return err
	}
	inv := 1.0 / scale
	for n := 0; n < elems; n++ {
		s := src[n*4:]
		d := dst[n*8:]
		i, q := getS16(s[0:2]), getS16(s[2:4])
		putF32(d[0:4], float32(float64(i)*inv))
		putF32(d[4:8], float32(float64(q)*inv))
	}
	return nil
}

// CF32ToCS12 converts elems complex float32 samples to packed signed
// 12-bit, scaling by 16*scale before packing (spec.md §4.3).
func CF32ToCS12(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CF32.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CS12.ElemSize()); err != nil {
		return err
	}
	fullScale := 16 * scale
	for n := 0; n < elems; n++ {
		s := src[n*8:]
		d := dst[n*3:]
		re, im := getF32(s[0:4]), getF32(s[4:8])
		i := clampInt16(float64(re) * fullScale)
		q := clampInt16(float64(im) * fullScale)
		d[0], d[1], d[2] = Pack12(i, q)
	}
	return nil
}

// CS12ToCF32 converts elems packed signed 12-bit samples to complex
// float32, dividing by 16*scale after unpacking.
func CS12ToCF32(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CS12.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CF32.ElemSize()); err != nil {
		return err
	}
	inv := 1.0 / (16 * scale)
	for n := 0; n < elems; n++ {
		s := src[n*3:]
		d := dst[n*8:]
		i, q := Unpack12(s[0], s[1], s[2])
		putF32(d[0:4], float32(float64(i)*inv))
		putF32(d[4:8], float32(float64(q)*inv))
	}
	return nil
}

// CS16ToCS12 repacks signed 16-bit samples into the packed 12-bit layout
// with no scale factor: CS16 values are assumed already in the
// left-justified 12-significant-bit representation Pack12/Unpack12 use.
func CS16ToCS12(dst, src []byte, elems int) error {
	if err := checkLen("src", src, elems, CS16.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CS12.ElemSize()); err != nil {
		return err
	}
	for n := 0; n < elems; n++ {
		s := src[n*4:]
		d := dst[n*3:]
		i, q := getS16(s[0:2]), getS16(s[2:4])
		d[0], d[1], d[2] = Pack12(i, q)
	}
	return nil
}

// CS12ToCS16 is the inverse of CS16ToCS12.
func CS12ToCS16(dst, src []byte, elems int) error {
	if err := checkLen("src", src, elems, CS12.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CS16.ElemSize()); err != nil {
		return err
	}
	for n := 0; n < elems; n++ {
		s := src[n*3:]
		d := dst[n*4:]
		i, q := Unpack12(s[0], s[1], s[2])
		putS16(d[0:2], i)
		putS16(d[2:4], q)
	}
	return nil
}

// CF32ToCS8 converts elems complex float32 samples to signed 8-bit.
func CF32ToCS8(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CF32.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CS8.ElemSize()); err != nil {
		return err
	}
	for n := 0; n < elems; n++ {
		s := src[n*8:]
		d := dst[n*2:]
		re, im := getF32(s[0:4]), getF32(s[4:8])
		putS8(d[0:1], clampInt8(float64(re)*scale))
		putS8(d[1:2], clampInt8(float64(im)*scale))
	}
	return nil
}

// CS8ToCF32 converts elems signed 8-bit samples to complex float32.
func CS8ToCF32(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CS8.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CF32.ElemSize()); err != nil {
		return err
	}
	inv := 1.0 / scale
	for n := 0; n < elems; n++ {
		s := src[n*2:]
		d := dst[n*8:]
		i, q := getS8(s[0:1]), getS8(s[1:2])
		putF32(d[0:4], float32(float64(i)*inv))
		putF32(d[4:8], float32(float64(q)*inv))
	}
	return nil
}

// CS16ToCS8 narrows signed 16-bit samples to signed 8-bit by dropping the
// low byte — a fixed shift with no scale factor, as CS16ToCS12 drops the
// low 4 bits.
func CS16ToCS8(dst, src []byte, elems int) error {
	if err := checkLen("src", src, elems, CS16.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CS8.ElemSize()); err != nil {
		return err
	}
	for n := 0; n < elems; n++ {
		s := src[n*4:]
		d := dst[n*2:]
		putS8(d[0:1], int8(getS16(s[0:2])>>8))
		putS8(d[1:2], int8(getS16(s[2:4])>>8))
	}
	return nil
}

// CS8ToCS16 is the inverse of CS16ToCS8: CS8→CS16→CS8 is bit-exact.
func CS8ToCS16(dst, src []byte, elems int) error {
	if err := checkLen("src", src, elems, CS8.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CS16.ElemSize()); err != nil {
		return err
	}
	for n := 0; n < elems; n++ {
		s := src[n*2:]
		d := dst[n*4:]
		putS16(d[0:2], int16(getS8(s[0:1]))<<8)
		putS16(d[2:4], int16(getS8(s[1:2]))<<8)
	}
	return nil
}

// CF32ToCU8 converts elems complex float32 samples to unsigned 8-bit
// biased by 127 (the historical RTL-SDR convention), not 128.
func CF32ToCU8(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CF32.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CU8.ElemSize()); err != nil {
		return err
	}
	for n := 0; n < elems; n++ {
		s := src[n*8:]
		d := dst[n*2:]
		re, im := getF32(s[0:4]), getF32(s[4:8])
		putU8(d[0:1], biasCU8(float64(re)*scale))
		putU8(d[1:2], biasCU8(float64(im)*scale))
	}
	return nil
}

// CU8ToCF32 is the inverse of CF32ToCU8.
func CU8ToCF32(dst, src []byte, elems int, scale float64) error {
	if err := checkLen("src", src, elems, CU8.ElemSize()); err != nil {
		return err
	}
	if err := checkLen("dst", dst, elems, CF32.ElemSize()); err != nil {
		return err
	}
	inv := 1.0 / scale
	for n := 0; n < elems; n++ {
		s := src[n*2:]
		d := dst[n*8:]
		i := int16(getU8(s[0:1])) - 127
		q := int16(getU8(s[1:2])) - 127
		putF32(d[0:4], float32(float64(i)*inv))
		putF32(d[4:8], float32(float64(q)*inv))
	}
	return nil
}
