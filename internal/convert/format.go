// Package convert implements the sample-format conversion stage between a
// device's native IQ format and a client's preferred format, per spec.md
// §4.3: in-place-style conversion of per-channel buffers, including the
// packed signed-12-bit codec.
package convert

import "fmt"

// Format names a complex sample encoding. Values match the SoapySDR
// convention the rest of this system assumes on the wire.
type Format string

const (
	CF32 Format = "CF32" // complex float32, 4 bytes per component
	CS16 Format = "CS16" // complex signed 16-bit, 2 bytes per component
	CS12 Format = "CS12" // complex signed 12-bit, packed 3 bytes per sample
	CS8  Format = "CS8"  // complex signed 8-bit, 1 byte per component
	CU8  Format = "CU8"  // complex unsigned 8-bit, 1 byte per component, 127-biased
)

// ElemSize returns the number of bytes one complex sample occupies in this
// format. For CS12 this is the packed size (two 12-bit components in 3
// bytes), not a per-component size.
func (f Format) ElemSize() int {
	switch f {
	case CF32:
		return 8
	case CS16:
		return 4
	case CS12:
		return 3
	case CS8, CU8:
		return 2
	}
	return 0
}

// Valid reports whether f is one of the formats this package knows about.
func (f Format) Valid() bool {
	return f.ElemSize() > 0
}

func (f Format) String() string { return string(f) }

// ErrUnsupportedPair is returned by Select when no conversion exists
// between the requested pair of formats.
type ErrUnsupportedPair struct {
	From, To Format
}

func (e *ErrUnsupportedPair) Error() string {
	return fmt.Sprintf("convert: no conversion between %s and %s", e.From, e.To)
}
