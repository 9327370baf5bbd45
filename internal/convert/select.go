package convert

// Func converts elems complex samples from src to dst. scale is ignored
// by conversions that don't need it (MEMCPY, CS16↔CS12, CS8↔CS16).
type Func func(dst, src []byte, elems int, scale float64) error

// Plan is a selected, directional conversion: From/To name the source and
// destination formats, ElemSize the bytes-per-sample of each side, and
// Convert performs the conversion.
type Plan struct {
	From, To         Format
	FromSize, ToSize int
	Convert          Func
}

func wrap2(f func(dst, src []byte, elems int) error) Func {
	return func(dst, src []byte, elems int, _ float64) error { return f(dst, src, elems) }
}

// Select returns the conversion plan from format `from` to format `to`. It
// returns ok=false if the pair is not one of the ones spec.md §4.3 lists
// as supported (MEMCPY always succeeds when from==to).
func Select(from, to Format) (Plan, bool) {
	if from == to {
		elemSize := from.ElemSize()
		return Plan{
			From: from, To: to, FromSize: elemSize, ToSize: elemSize,
			Convert: func(dst, src []byte, elems int, _ float64) error {
				return Memcpy(dst, src, elems*elemSize)
			},
		}, from.Valid()
	}

	type pairFuncs struct {
		fwd, rev Func
	}
	pairs := map[[2]Format]pairFuncs{
		{CF32, CS16}: {CF32ToCS16, CS16ToCF32},
		{CF32, CS12}: {CF32ToCS12, CS12ToCF32},
		{CS16, CS12}: {wrap2(CS16ToCS12), wrap2(CS12ToCS16)},
		{CF32, CS8}:  {CF32ToCS8, CS8ToCF32},
		{CS16, CS8}:  {wrap2(CS16ToCS8), wrap2(CS8ToCS16)},
		{CF32, CU8}:  {CF32ToCU8, CU8ToCF32},
	}

	if pf, ok := pairs[[2]Format{from, to}]; ok {
		return Plan{From: from, To: to, FromSize: from.ElemSize(), ToSize: to.ElemSize(), Convert: pf.fwd}, true
	}
	if pf, ok := pairs[[2]Format{to, from}]; ok {
		return Plan{From: from, To: to, FromSize: from.ElemSize(), ToSize: to.ElemSize(), Convert: pf.rev}, true
	}
	return Plan{}, false
}

// DefaultScale returns the conventional full-scale factor for a format:
// 2^(bits-1) for its signed range (32768 for CS16, 2048 for CS12, 128 for
// CS8 and CU8) and 1 for any other format. The device's native format is
// not taken into account.
func DefaultScale(f Format) float64 {
	switch f {
	case CS16:
		return 32768
	case CS12:
		return 2048
	case CS8, CU8:
		return 128
	default:
		return 1
	}
}
