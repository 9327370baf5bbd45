// Package stream implements the windowed stream endpoint spec.md calls its
// critical subsystem: a fixed ring of datagram-shaped buffers, sequence
// numbers, and an ACK-based credit window, grounded on the fixed-header
// framing style ubersdr's HPSDR client uses for its own UDP sample stream.
package stream

import "encoding/binary"

// HeaderSize is the fixed size of a stream datagram header: bytes,
// sequence, elems_or_err, flags, time — all big-endian.
const HeaderSize = 24

// Header precedes every stream record, data or ACK/status.
type Header struct {
	Bytes      uint32
	Sequence   uint32
	ElemsOrErr int32
	Flags      int32
	TimeNs     int64
}

// End-of-burst and related flags (spec.md §4.4's "End-of-burst semantics").
const (
	FlagEndBurst  int32 = 1 << 0
	FlagOnePacket int32 = 1 << 1
	FlagEndAbrupt int32 = 1 << 2
)

func (h Header) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Bytes)
	binary.BigEndian.PutUint32(b[4:8], h.Sequence)
	binary.BigEndian.PutUint32(b[8:12], uint32(h.ElemsOrErr))
	binary.BigEndian.PutUint32(b[12:16], uint32(h.Flags))
	binary.BigEndian.PutUint64(b[16:24], uint64(h.TimeNs))
}

func decodeHeader(b []byte) Header {
	return Header{
		Bytes:      binary.BigEndian.Uint32(b[0:4]),
		Sequence:   binary.BigEndian.Uint32(b[4:8]),
		ElemsOrErr: int32(binary.BigEndian.Uint32(b[8:12])),
		Flags:      int32(binary.BigEndian.Uint32(b[12:16])),
		TimeNs:     int64(binary.BigEndian.Uint64(b[16:24])),
	}
}
