package wire

import (
	"encoding/binary"
	"io"
	"time"
)

// Unpacker reads one RPC frame at a time and decodes its type-tagged
// values. Constructed per call (or per connection, reused frame to frame);
// not safe for concurrent use.
type Unpacker struct {
	r             io.Reader
	autoRecv      bool
	timeout       time.Duration
	remoteVersion uint32

	payload  []byte
	pos      int
	received bool
}

// NewUnpacker wraps r. If autoRecv is true, the first Get call implicitly
// calls Recv if no frame has been read yet. timeout documents the
// higher-level per-call budget (spec.md §4.2's 3-second slicing); it is
// not enforced here since Unpacker is transport-agnostic — callers that
// want a read deadline set it on the underlying connection themselves.
func NewUnpacker(r io.Reader, autoRecv bool, timeout time.Duration) *Unpacker {
	return &Unpacker{r: r, autoRecv: autoRecv, timeout: timeout}
}

// RemoteVersion returns the wire version advertised by the frame most
// recently received.
func (u *Unpacker) RemoteVersion() uint32 { return u.remoteVersion }

func (u *Unpacker) includeStep() bool {
	return rangeStepSupported(ProtocolVersion, DecodeVersion(u.remoteVersion))
}

// Recv blocks reading one full frame: header, payload, trailer. It then
// auto-consumes a leading VOID value (an empty success reply) or, if the
// leading value is an EXCEPTION, decodes the message and returns it as a
// remote error instead of leaving it for the caller to read.
func (u *Unpacker) Recv() error {
	var hdrBuf [frameHeaderSize]byte
	if err := readFull(u.r, hdrBuf[:]); err != nil {
		return err
	}
	hdr, err := readHeader(hdrBuf[:])
	if err != nil {
		return err
	}
	payloadLen := int(hdr.length) - frameHeaderSize - frameTrailerSize
	if payloadLen < 0 {
		return newError(KindTransport, "frame length %d shorter than header+trailer", hdr.length)
	}
	payload := make([]byte, payloadLen)
	if err := readFull(u.r, payload); err != nil {
		return err
	}
	var trailer [frameTrailerSize]byte
	if err := readFull(u.r, trailer[:]); err != nil {
		return err
	}
	if string(trailer[:]) != trailerMagic {
		return newError(KindTransport, "bad frame trailer %q", trailer[:])
	}

	u.remoteVersion = hdr.version
	u.payload = payload
	u.pos = 0
	u.received = true

	if len(payload) == 0 {
		return nil
	}
	switch Tag(payload[0]) {
	case TagVoid:
		u.pos = 1
	case TagException:
		u.pos = 1
		msg, err := u.readStringRaw()
		if err != nil {
			return err
		}
		u.pos = len(u.payload)
		return &Error{Kind: KindRemote, Message: msg}
	}
	return nil
}

func (u *Unpacker) ensureRecv() error {
	if u.received || !u.autoRecv {
		if !u.received {
			return newError(KindProtocol, "no frame received")
		}
		return nil
	}
	return u.Recv()
}

func (u *Unpacker) need(n int) error {
	if u.pos+n > len(u.payload) {
		return newError(KindTransport, "truncated payload: need %d bytes, have %d", n, len(u.payload)-u.pos)
	}
	return nil
}

func (u *Unpacker) readTag(want Tag) error {
	if err := u.need(1); err != nil {
		return err
	}
	got := Tag(u.payload[u.pos])
	u.pos++
	if got != want {
		return tagMismatch(want, got)
	}
	return nil
}

func (u *Unpacker) readUint32Raw() (uint32, error) {
	if err := u.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(u.payload[u.pos : u.pos+4])
	u.pos += 4
	return v, nil
}

func (u *Unpacker) readInt32Raw() (int32, error) {
	v, err := u.readUint32Raw()
	return int32(v), err
}

func (u *Unpacker) readInt64Raw() (int64, error) {
	if err := u.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(u.payload[u.pos : u.pos+8])
	u.pos += 8
	return int64(v), nil
}

func (u *Unpacker) readFloat64Raw() (float64, error) {
	exp, err := u.readInt32Raw()
	if err != nil {
		return 0, err
	}
	mantissa, err := u.readInt64Raw()
	if err != nil {
		return 0, err
	}
	return joinFloat64(exp, mantissa), nil
}

func (u *Unpacker) readStringRaw() (string, error) {
	n, err := u.readInt32Raw()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", newError(KindProtocol, "negative string length %d", n)
	}
	if err := u.need(int(n)); err != nil {
		return "", err
	}
	s := string(u.payload[u.pos : u.pos+int(n)])
	u.pos += int(n)
	return s, nil
}

func (u *Unpacker) readRangeRaw() (Range, error) {
	var r Range
	var err error
	if r.Min, err = u.readFloat64Raw(); err != nil {
		return r, err
	}
	if r.Max, err = u.readFloat64Raw(); err != nil {
		return r, err
	}
	if u.includeStep() {
		if r.Step, err = u.readFloat64Raw(); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (u *Unpacker) readKwargsRaw() (Kwargs, error) {
	n, err := u.readInt32Raw()
	if err != nil {
		return Kwargs{}, err
	}
	kw := Kwargs{}
	for i := int32(0); i < n; i++ {
		k, err := u.readStringRaw()
		if err != nil {
			return Kwargs{}, err
		}
		v, err := u.readStringRaw()
		if err != nil {
			return Kwargs{}, err
		}
		kw.Keys = append(kw.Keys, k)
		kw.Values = append(kw.Values, v)
	}
	return kw, nil
}

func (u *Unpacker) readArgInfoRaw() (ArgInfo, error) {
	var a ArgInfo
	var err error
	if a.Key, err = u.readStringRaw(); err != nil {
		return a, err
	}
	if a.Value, err = u.readStringRaw(); err != nil {
		return a, err
	}
	if a.Name, err = u.readStringRaw(); err != nil {
		return a, err
	}
	if a.Description, err = u.readStringRaw(); err != nil {
		return a, err
	}
	if a.Units, err = u.readStringRaw(); err != nil {
		return a, err
	}
	t, err := u.readInt32Raw()
	if err != nil {
		return a, err
	}
	a.Type = ArgInfoType(t)
	if a.Range, err = u.readRangeRaw(); err != nil {
		return a, err
	}
	nopt, err := u.readInt32Raw()
	if err != nil {
		return a, err
	}
	for i := int32(0); i < nopt; i++ {
		s, err := u.readStringRaw()
		if err != nil {
			return a, err
		}
		a.Options = append(a.Options, s)
	}
	nname, err := u.readInt32Raw()
	if err != nil {
		return a, err
	}
	for i := int32(0); i < nname; i++ {
		s, err := u.readStringRaw()
		if err != nil {
			return a, err
		}
		a.OptionNames = append(a.OptionNames, s)
	}
	return a, nil
}

func (u *Unpacker) GetChar() (byte, error) {
	if err := u.ensureRecv(); err != nil {
		return 0, err
	}
	if err := u.readTag(TagChar); err != nil {
		return 0, err
	}
	if err := u.need(1); err != nil {
		return 0, err
	}
	c := u.payload[u.pos]
	u.pos++
	return c, nil
}

func (u *Unpacker) GetBool() (bool, error) {
	if err := u.ensureRecv(); err != nil {
		return false, err
	}
	if err := u.readTag(TagBool); err != nil {
		return false, err
	}
	if err := u.need(1); err != nil {
		return false, err
	}
	v := u.payload[u.pos] != 0
	u.pos++
	return v, nil
}

func (u *Unpacker) GetInt32() (int32, error) {
	if err := u.ensureRecv(); err != nil {
		return 0, err
	}
	if err := u.readTag(TagInt32); err != nil {
		return 0, err
	}
	return u.readInt32Raw()
}

func (u *Unpacker) GetInt64() (int64, error) {
	if err := u.ensureRecv(); err != nil {
		return 0, err
	}
	if err := u.readTag(TagInt64); err != nil {
		return 0, err
	}
	return u.readInt64Raw()
}

func (u *Unpacker) GetFloat64() (float64, error) {
	if err := u.ensureRecv(); err != nil {
		return 0, err
	}
	if err := u.readTag(TagFloat64); err != nil {
		return 0, err
	}
	return u.readFloat64Raw()
}

func (u *Unpacker) GetComplex128() (complex128, error) {
	if err := u.ensureRecv(); err != nil {
		return 0, err
	}
	if err := u.readTag(TagComplex128); err != nil {
		return 0, err
	}
	re, err := u.readFloat64Raw()
	if err != nil {
		return 0, err
	}
	im, err := u.readFloat64Raw()
	if err != nil {
		return 0, err
	}
	return complex(re, im), nil
}

func (u *Unpacker) GetString() (string, error) {
	if err := u.ensureRecv(); err != nil {
		return "", err
	}
	if err := u.readTag(TagString); err != nil {
		return "", err
	}
	return u.readStringRaw()
}

func (u *Unpacker) GetRange() (Range, error) {
	if err := u.ensureRecv(); err != nil {
		return Range{}, err
	}
	if err := u.readTag(TagRange); err != nil {
		return Range{}, err
	}
	return u.readRangeRaw()
}

func (u *Unpacker) GetKwargs() (Kwargs, error) {
	if err := u.ensureRecv(); err != nil {
		return Kwargs{}, err
	}
	if err := u.readTag(TagKwargs); err != nil {
		return Kwargs{}, err
	}
	return u.readKwargsRaw()
}

func (u *Unpacker) GetSizeList() ([]uint64, error) {
	if err := u.ensureRecv(); err != nil {
		return nil, err
	}
	if err := u.readTag(TagSizeList); err != nil {
		return nil, err
	}
	n, err := u.readInt32Raw()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, n)
	for i := int32(0); i < n; i++ {
		v, err := u.readInt64Raw()
		if err != nil {
			return nil, err
		}
		out = append(out, uint64(v))
	}
	return out, nil
}

func (u *Unpacker) GetStringList() ([]string, error) {
	if err := u.ensureRecv(); err != nil {
		return nil, err
	}
	if err := u.readTag(TagStringList); err != nil {
		return nil, err
	}
	n, err := u.readInt32Raw()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		s, err := u.readStringRaw()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (u *Unpacker) GetFloat64List() ([]float64, error) {
	if err := u.ensureRecv(); err != nil {
		return nil, err
	}
	if err := u.readTag(TagFloat64List); err != nil {
		return nil, err
	}
	n, err := u.readInt32Raw()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, n)
	for i := int32(0); i < n; i++ {
		f, err := u.readFloat64Raw()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (u *Unpacker) GetRangeList() ([]Range, error) {
	if err := u.ensureRecv(); err != nil {
		return nil, err
	}
	if err := u.readTag(TagRangeList); err != nil {
		return nil, err
	}
	n, err := u.readInt32Raw()
	if err != nil {
		return nil, err
	}
	out := make([]Range, 0, n)
	for i := int32(0); i < n; i++ {
		r, err := u.readRangeRaw()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (u *Unpacker) GetKwargsList() ([]Kwargs, error) {
	if err := u.ensureRecv(); err != nil {
		return nil, err
	}
	if err := u.readTag(TagKwargsList); err != nil {
		return nil, err
	}
	n, err := u.readInt32Raw()
	if err != nil {
		return nil, err
	}
	out := make([]Kwargs, 0, n)
	for i := int32(0); i < n; i++ {
		kw, err := u.readKwargsRaw()
		if err != nil {
			return nil, err
		}
		out = append(out, kw)
	}
	return out, nil
}

func (u *Unpacker) GetArgInfoList() ([]ArgInfo, error) {
	if err := u.ensureRecv(); err != nil {
		return nil, err
	}
	if err := u.readTag(TagArgInfoList); err != nil {
		return nil, err
	}
	n, err := u.readInt32Raw()
	if err != nil {
		return nil, err
	}
	out := make([]ArgInfo, 0, n)
	for i := int32(0); i < n; i++ {
		a, err := u.readArgInfoRaw()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (u *Unpacker) GetArgInfo() (ArgInfo, error) {
	if err := u.ensureRecv(); err != nil {
		return ArgInfo{}, err
	}
	if err := u.readTag(TagArgInfo); err != nil {
		return ArgInfo{}, err
	}
	return u.readArgInfoRaw()
}

func (u *Unpacker) GetCall() (Call, error) {
	if err := u.ensureRecv(); err != nil {
		return 0, err
	}
	if err := u.readTag(TagCall); err != nil {
		return 0, err
	}
	v, err := u.readInt32Raw()
	return Call(v), err
}

func (u *Unpacker) GetVoid() error {
	if err := u.ensureRecv(); err != nil {
		return err
	}
	return u.readTag(TagVoid)
}
