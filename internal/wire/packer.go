package wire

import (
	"encoding/binary"
	"io"
	"math"
)

// Packer accumulates a sequence of type-tagged values into one RPC frame
// and writes it to a socket. Constructed per call; not safe for concurrent
// use (callers serialise access, typically via the device handle's mutex).
type Packer struct {
	remoteVersion uint32
	buf           []byte
}

// NewPacker creates a packer that will gate optional fields (Range.step)
// against the peer's negotiated wire version.
func NewPacker(remoteVersion uint32) *Packer {
	return &Packer{remoteVersion: remoteVersion}
}

func (p *Packer) appendTag(t Tag) {
	p.buf = append(p.buf, byte(t))
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt32(buf []byte, v int32) []byte {
	return appendUint32(buf, uint32(v))
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendFloat64Raw(buf []byte, f float64) []byte {
	exp, mantissa := splitFloat64(f)
	buf = appendInt32(buf, exp)
	buf = appendInt64(buf, mantissa)
	return buf
}

func appendStringRaw(buf []byte, s string) []byte {
	buf = appendInt32(buf, int32(len(s)))
	return append(buf, s...)
}

func (p *Packer) includeStep() bool {
	return rangeStepSupported(ProtocolVersion, DecodeVersion(p.remoteVersion))
}

func appendRangeRaw(buf []byte, r Range, withStep bool) []byte {
	buf = appendFloat64Raw(buf, r.Min)
	buf = appendFloat64Raw(buf, r.Max)
	if withStep {
		buf = appendFloat64Raw(buf, r.Step)
	}
	return buf
}

func appendKwargsRaw(buf []byte, kw Kwargs) []byte {
	buf = appendInt32(buf, int32(len(kw.Keys)))
	for i := range kw.Keys {
		buf = appendStringRaw(buf, kw.Keys[i])
		buf = appendStringRaw(buf, kw.Values[i])
	}
	return buf
}

func appendArgInfoRaw(buf []byte, a ArgInfo, withStep bool) []byte {
	buf = appendStringRaw(buf, a.Key)
	buf = appendStringRaw(buf, a.Value)
	buf = appendStringRaw(buf, a.Name)
	buf = appendStringRaw(buf, a.Description)
	buf = appendStringRaw(buf, a.Units)
	buf = appendInt32(buf, int32(a.Type))
	buf = appendRangeRaw(buf, a.Range, withStep)
	buf = appendInt32(buf, int32(len(a.Options)))
	for _, s := range a.Options {
		buf = appendStringRaw(buf, s)
	}
	buf = appendInt32(buf, int32(len(a.OptionNames)))
	for _, s := range a.OptionNames {
		buf = appendStringRaw(buf, s)
	}
	return buf
}

func (p *Packer) PutChar(c byte) {
	p.appendTag(TagChar)
	p.buf = append(p.buf, c)
}

func (p *Packer) PutBool(b bool) {
	p.appendTag(TagBool)
	if b {
		p.buf = append(p.buf, 1)
	} else {
		p.buf = append(p.buf, 0)
	}
}

func (p *Packer) PutInt32(v int32) {
	p.appendTag(TagInt32)
	p.buf = appendInt32(p.buf, v)
}

func (p *Packer) PutInt64(v int64) {
	p.appendTag(TagInt64)
	p.buf = appendInt64(p.buf, v)
}

func (p *Packer) PutFloat64(v float64) {
	p.appendTag(TagFloat64)
	p.buf = appendFloat64Raw(p.buf, v)
}

func (p *Packer) PutComplex128(v complex128) {
	p.appendTag(TagComplex128)
	p.buf = appendFloat64Raw(p.buf, real(v))
	p.buf = appendFloat64Raw(p.buf, imag(v))
}

func (p *Packer) PutString(s string) {
	p.appendTag(TagString)
	p.buf = appendStringRaw(p.buf, s)
}

func (p *Packer) PutRange(r Range) {
	p.appendTag(TagRange)
	p.buf = appendRangeRaw(p.buf, r, p.includeStep())
}

func (p *Packer) PutKwargs(kw Kwargs) {
	p.appendTag(TagKwargs)
	p.buf = appendKwargsRaw(p.buf, kw)
}

func (p *Packer) PutSizeList(v []uint64) {
	p.appendTag(TagSizeList)
	p.buf = appendInt32(p.buf, int32(len(v)))
	for _, s := range v {
		p.buf = appendInt64(p.buf, int64(s))
	}
}

func (p *Packer) PutStringList(v []string) {
	p.appendTag(TagStringList)
	p.buf = appendInt32(p.buf, int32(len(v)))
	for _, s := range v {
		p.buf = appendStringRaw(p.buf, s)
	}
}

func (p *Packer) PutFloat64List(v []float64) {
	p.appendTag(TagFloat64List)
	p.buf = appendInt32(p.buf, int32(len(v)))
	for _, f := range v {
		p.buf = appendFloat64Raw(p.buf, f)
	}
}

func (p *Packer) PutRangeList(v []Range) {
	p.appendTag(TagRangeList)
	p.buf = appendInt32(p.buf, int32(len(v)))
	withStep := p.includeStep()
	for _, r := range v {
		p.buf = appendRangeRaw(p.buf, r, withStep)
	}
}

func (p *Packer) PutKwargsList(v []Kwargs) {
	p.appendTag(TagKwargsList)
	p.buf = appendInt32(p.buf, int32(len(v)))
	for _, kw := range v {
		p.buf = appendKwargsRaw(p.buf, kw)
	}
}

func (p *Packer) PutArgInfoList(v []ArgInfo) {
	p.appendTag(TagArgInfoList)
	p.buf = appendInt32(p.buf, int32(len(v)))
	withStep := p.includeStep()
	for _, a := range v {
		p.buf = appendArgInfoRaw(p.buf, a, withStep)
	}
}

func (p *Packer) PutArgInfo(a ArgInfo) {
	p.appendTag(TagArgInfo)
	p.buf = appendArgInfoRaw(p.buf, a, p.includeStep())
}

func (p *Packer) PutCall(c Call) {
	p.appendTag(TagCall)
	p.buf = appendInt32(p.buf, int32(c))
}

func (p *Packer) PutException(msg string) {
	p.appendTag(TagException)
	p.buf = appendStringRaw(p.buf, msg)
}

func (p *Packer) PutVoid() {
	p.appendTag(TagVoid)
}

// Send writes the accumulated frame to w: header, payload, trailer. The
// packer is empty again afterwards and may be reused for the next frame.
func (p *Packer) Send(w io.Writer) error {
	total := frameHeaderSize + len(p.buf) + frameTrailerSize
	if total > math.MaxUint32 {
		return newError(KindProtocol, "frame too large: %d bytes", total)
	}
	frame := make([]byte, frameHeaderSize, total)
	writeHeader(frame, frameHeader{version: EncodeVersion(ProtocolVersion), length: uint32(total)})
	frame = append(frame, p.buf...)
	frame = append(frame, trailerMagic...)
	p.buf = p.buf[:0]
	return writeFull(w, frame)
}
