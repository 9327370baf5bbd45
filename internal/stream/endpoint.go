package stream

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

// N is the fixed ring depth: 8 buffers per endpoint, per spec.md's data
// model.
const N = 8

// udpHeaderBudget is subtracted from the configured MTU to get the usable
// transfer size, accounting for IPv6+UDP framing even on TCP transports
// (spec.md's "used even on TCP for size accounting").
const udpHeaderBudget = 48

func streamErr(format string, args ...any) error {
	return &wire.Error{Kind: wire.KindStream, Message: fmt.Sprintf(format, args...)}
}

// Endpoint is one side (sender or receiver) of a windowed stream: a fixed
// ring of MTU-shaped buffers, a credit-based flow-control state machine,
// and the data/status sockets it exclusively owns.
type Endpoint struct {
	mu sync.Mutex

	dataSock   *sock.Socket
	statusSock *sock.Socket
	peer       net.Addr
	statusPeer net.Addr
	datagram   bool
	isRecv     bool

	numChannels int
	elemSize    int
	mtu         int
	xferSize    int
	buffSize    int // elements per channel per buffer

	buffers [N][]byte

	maxInFlight      uint32
	triggerAckWindow uint32

	// receiver-side flow-control state
	recvAcquireCursor uint64
	recvReleaseCursor uint64
	lastRecvSeq       uint32
	lastAckedSeq      uint32
	gotAnyData        bool

	// sender-side flow-control state
	sendAcquireCursor uint64
	sendReleaseCursor uint64
	lastSendSeq       uint32
	ackedSeq          uint32 // receiver-reported lastRecvSeq, learned via ACKs
}

// Setup constructs the buffer ring and flow-control state for one side of
// a stream. peer/statusPeer name the remote endpoint for datagram sends;
// they may be nil and are then learned from the first inbound packet.
func Setup(dataSock, statusSock *sock.Socket, peer, statusPeer net.Addr, datagram, isRecv bool, numChannels, elemSize, mtu, window int) (*Endpoint, error) {
	if numChannels <= 0 || elemSize <= 0 || mtu <= udpHeaderBudget+HeaderSize {
		return nil, streamErr("setup: invalid channel/elemSize/mtu configuration")
	}
	e := &Endpoint{
		dataSock:    dataSock,
		statusSock:  statusSock,
		peer:        peer,
		statusPeer:  statusPeer,
		datagram:    datagram,
		isRecv:      isRecv,
		numChannels: numChannels,
		elemSize:    elemSize,
		mtu:         mtu,
	}
	e.xferSize = mtu - udpHeaderBudget
	e.buffSize = (e.xferSize - HeaderSize) / (numChannels * elemSize)
	if e.buffSize <= 0 {
		return nil, streamErr("setup: mtu too small for %d channels of elemSize %d", numChannels, elemSize)
	}
	for i := range e.buffers {
		e.buffers[i] = make([]byte, e.xferSize)
	}

	if err := dataSock.SetBuf(isRecv, window); err != nil {
		return nil, streamErr("setup: set_buf: %v", err)
	}
	actual, err := dataSock.GetBuf(isRecv)
	if err != nil || actual <= 0 {
		actual = window
	}
	maxInFlight := actual / mtu
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	trigger := maxInFlight / N
	if trigger <= 0 {
		trigger = 1
	}
	e.triggerAckWindow = uint32(trigger)

	if isRecv {
		// The receiver's own socket buffer sizes its credit grant; the
		// sender starts at zero credit (blocked) until that grant arrives
		// via the gratuitous ACK below — this is the "bootstrapped by a
		// receive-side gratuitous ACK" step spec.md describes.
		e.maxInFlight = uint32(maxInFlight)
		if err := e.sendAck(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Endpoint) chanBytes() int { return e.buffSize * e.elemSize }

func (e *Endpoint) sliceChannels(buf []byte) [][]byte {
	chans := make([][]byte, e.numChannels)
	cb := e.chanBytes()
	for c := 0; c < e.numChannels; c++ {
		start := HeaderSize + c*cb
		chans[c] = buf[start : start+cb]
	}
	return chans
}

// --- receive path ---

// WaitRecv waits for the data socket to become readable. If no data has
// ever been observed, it first re-sends the gratuitous ACK to recover
// from a lost initial ACK on an unreliable (UDP) transport.
func (e *Endpoint) WaitRecv(timeout time.Duration) error {
	e.mu.Lock()
	needResend := !e.gotAnyData
	e.mu.Unlock()
	if needResend {
		if err := e.sendAck(); err != nil {
			return err
		}
	}
	ready, err := e.dataSock.SelectRecv(timeout)
	if err != nil {
		return streamErr("waitRecv: %v", err)
	}
	if !ready {
		return streamErr("waitRecv: timeout")
	}
	return nil
}

// RecvResult is what AcquireRecv hands back: the acquired buffer's
// per-channel slices and the record's header fields.
type RecvResult struct {
	Handle     uint64
	Channels   [][]byte
	ElemsOrErr int32
	Flags      int32
	TimeNs     int64
	Skipped    bool // sequence gap: out-of-order/lost data was detected
}

// AcquireRecv reads one full frame from the data socket into the next
// ring buffer and returns its channel views. Refuses if all N buffers are
// already acquired and unreleased.
func (e *Endpoint) AcquireRecv() (*RecvResult, error) {
	e.mu.Lock()
	if e.recvAcquireCursor-e.recvReleaseCursor >= N {
		e.mu.Unlock()
		return nil, streamErr("acquireRecv: all buffers already acquired")
	}
	handle := e.recvAcquireCursor
	e.mu.Unlock()

	buf := e.buffers[handle%N]
	n, err := e.readFrame(buf)
	if err != nil {
		return nil, err
	}
	hdr := decodeHeader(buf[:HeaderSize])
	if hdr.Bytes < HeaderSize {
		return nil, streamErr("acquireRecv: header.bytes %d below header size", hdr.Bytes)
	}
	if e.datagram && uint32(n) != hdr.Bytes {
		return nil, streamErr("acquireRecv: short datagram: got %d bytes, header declares %d", n, hdr.Bytes)
	}

	e.mu.Lock()
	skipped := hdr.Sequence != e.lastRecvSeq
	e.lastRecvSeq = hdr.Sequence + 1
	e.gotAnyData = true
	e.recvAcquireCursor++
	needAck := seqDiff(e.lastRecvSeq, e.lastAckedSeq) >= int32(e.triggerAckWindow)
	if needAck {
		e.lastAckedSeq = e.lastRecvSeq
	}
	e.mu.Unlock()
	if needAck {
		if err := e.sendAck(); err != nil {
			return nil, err
		}
	}

	return &RecvResult{
		Handle:     handle,
		Channels:   e.sliceChannels(buf),
		ElemsOrErr: hdr.ElemsOrErr,
		Flags:      hdr.Flags,
		TimeNs:     hdr.TimeNs,
		Skipped:    skipped,
	}, nil
}

// ReleaseRecv marks handle (and every earlier unreleased handle) as
// released. A release for a handle ahead of the release cursor moves the
// cursor past it in one step rather than erroring, so stragglers never
// deadlock the ring; a release for a handle already behind the cursor is
// a no-op.
func (e *Endpoint) ReleaseRecv(handle uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handle+1 > e.recvReleaseCursor {
		e.recvReleaseCursor = handle + 1
	}
}

func (e *Endpoint) readFrame(buf []byte) (int, error) {
	if e.datagram {
		n, addr, err := e.dataSock.RecvFrom(buf)
		if err != nil {
			return 0, streamErr("recv: %v", err)
		}
		if e.peer == nil {
			e.peer = addr
		}
		if n < HeaderSize {
			return 0, streamErr("recv: datagram shorter than header: %d bytes", n)
		}
		return n, nil
	}

	if err := readFullTCP(e.dataSock, buf[:HeaderSize]); err != nil {
		return 0, streamErr("recv: header: %v", err)
	}
	hdr := decodeHeader(buf[:HeaderSize])
	total := int(hdr.Bytes)
	if total < HeaderSize || total > len(buf) {
		return 0, streamErr("recv: header.bytes %d out of range", total)
	}
	off := HeaderSize
	for off < total {
		end := off + 4096
		if end > total {
			end = total
		}
		if err := readFullTCP(e.dataSock, buf[off:end]); err != nil {
			return 0, streamErr("recv: body: %v", err)
		}
		off = end
	}
	return total, nil
}

// --- send path ---

// WaitSend blocks (up to timeout, or indefinitely if timeout <= 0) while
// the credit window is exhausted, draining pending ACKs as they arrive.
func (e *Endpoint) WaitSend(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		e.mu.Lock()
		blocked := seqDiff(e.lastSendSeq, e.ackedSeq) >= int32(e.maxInFlight)
		e.mu.Unlock()
		if !blocked {
			return nil
		}

		waitFor := 100 * time.Millisecond
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return streamErr("waitSend: timeout")
			}
			if remaining < waitFor {
				waitFor = remaining
			}
		}
		ready, err := e.dataSock.SelectRecv(waitFor)
		if err != nil {
			return streamErr("waitSend: %v", err)
		}
		if ready {
			if err := e.drainAcks(); err != nil {
				return err
			}
		}
	}
}

// drainAcks consumes every currently-pending ACK/credit-update record
// without blocking.
func (e *Endpoint) drainAcks() error {
	buf := make([]byte, HeaderSize)
	for {
		ready, err := e.dataSock.SelectRecv(0)
		if err != nil {
			return streamErr("drainAcks: %v", err)
		}
		if !ready {
			return nil
		}
		if e.datagram {
			n, _, err := e.dataSock.RecvFrom(buf)
			if err != nil {
				return streamErr("drainAcks: %v", err)
			}
			if n < HeaderSize {
				continue
			}
		} else {
			if err := readFullTCP(e.dataSock, buf); err != nil {
				return streamErr("drainAcks: %v", err)
			}
		}
		hdr := decodeHeader(buf)
		e.mu.Lock()
		if seqGE(hdr.Sequence, e.ackedSeq) {
			e.ackedSeq = hdr.Sequence
		}
		e.maxInFlight = uint32(hdr.ElemsOrErr)
		e.mu.Unlock()
	}
}

// AcquireSend reserves the next ring buffer for filling and returns its
// per-channel views. Refuses once N buffers are acquired and unreleased.
func (e *Endpoint) AcquireSend() (handle uint64, channels [][]byte, err error) {
	e.mu.Lock()
	if e.sendAcquireCursor-e.sendReleaseCursor >= N {
		e.mu.Unlock()
		return 0, nil, streamErr("acquireSend: all buffers already acquired")
	}
	handle = e.sendAcquireCursor
	e.sendAcquireCursor++
	e.mu.Unlock()
	return handle, e.sliceChannels(e.buffers[handle%N]), nil
}

// ReleaseSend fills in the header (assigning the next sequence number)
// and transmits the frame. elemsOrErr is the per-channel element count
// actually written (or a negative driver error code); only that many
// elements per channel are sent, supporting partial/end-of-burst frames.
func (e *Endpoint) ReleaseSend(handle uint64, elemsOrErr int32, flags int32, timeNs int64) error {
	e.mu.Lock()
	seq := e.lastSendSeq
	e.lastSendSeq++
	e.mu.Unlock()

	buf := e.buffers[handle%N]
	total := HeaderSize
	if elemsOrErr > 0 {
		total = HeaderSize + e.numChannels*int(elemsOrErr)*e.elemSize
	}
	hdr := Header{Bytes: uint32(total), Sequence: seq, ElemsOrErr: elemsOrErr, Flags: flags, TimeNs: timeNs}
	hdr.encode(buf[:HeaderSize])

	var sendErr error
	if e.datagram {
		_, sendErr = e.dataSock.SendTo(buf[:total], e.peer)
	} else {
		sendErr = writeChunkedTCP(e.dataSock, buf[:total])
	}

	e.mu.Lock()
	if handle+1 > e.sendReleaseCursor {
		e.sendReleaseCursor = handle + 1
	}
	e.mu.Unlock()
	if sendErr != nil {
		return streamErr("releaseSend: %v", sendErr)
	}
	return nil
}

// --- ACK / status sub-channel ---

func (e *Endpoint) sendAck() error {
	buf := make([]byte, HeaderSize)
	e.mu.Lock()
	hdr := Header{Bytes: HeaderSize, Sequence: e.lastRecvSeq, ElemsOrErr: int32(e.maxInFlight)}
	e.mu.Unlock()
	hdr.encode(buf)
	var err error
	if e.datagram {
		_, err = e.dataSock.SendTo(buf, e.peer)
	} else {
		err = writeChunkedTCP(e.dataSock, buf)
	}
	if err != nil {
		return streamErr("sendAck: %v", err)
	}
	return nil
}

// WaitStatus waits for the status socket to become readable.
func (e *Endpoint) WaitStatus(timeout time.Duration) error {
	ready, err := e.statusSock.SelectRecv(timeout)
	if err != nil {
		return streamErr("waitStatus: %v", err)
	}
	if !ready {
		return streamErr("waitStatus: timeout")
	}
	return nil
}

// ReadStatus reads one status datagram: code, channel mask, flags, time.
func (e *Endpoint) ReadStatus() (code int32, mask uint32, flags int32, timeNs int64, err error) {
	buf := make([]byte, HeaderSize)
	if e.datagram {
		n, addr, rerr := e.statusSock.RecvFrom(buf)
		if rerr != nil {
			return 0, 0, 0, 0, streamErr("readStatus: %v", rerr)
		}
		if n < HeaderSize {
			return 0, 0, 0, 0, streamErr("readStatus: short datagram")
		}
		if e.statusPeer == nil {
			e.statusPeer = addr
		}
	} else if rerr := readFullTCP(e.statusSock, buf); rerr != nil {
		return 0, 0, 0, 0, streamErr("readStatus: %v", rerr)
	}
	hdr := decodeHeader(buf)
	return hdr.ElemsOrErr, hdr.Sequence, hdr.Flags, hdr.TimeNs, nil
}

// WriteStatus emits one status datagram interpreting mask as the
// sequence field, per spec.md's status sub-channel encoding.
func (e *Endpoint) WriteStatus(code int32, mask uint32, flags int32, timeNs int64) error {
	buf := make([]byte, HeaderSize)
	hdr := Header{Bytes: HeaderSize, Sequence: mask, ElemsOrErr: code, Flags: flags, TimeNs: timeNs}
	hdr.encode(buf)
	var err error
	if e.datagram {
		_, err = e.statusSock.SendTo(buf, e.statusPeer)
	} else {
		err = writeChunkedTCP(e.statusSock, buf)
	}
	if err != nil {
		return streamErr("writeStatus: %v", err)
	}
	return nil
}

// Close releases the data and status sockets this endpoint exclusively
// owns.
func (e *Endpoint) Close() error {
	err1 := e.dataSock.Close()
	var err2 error
	if e.statusSock != nil {
		err2 = e.statusSock.Close()
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func readFullTCP(s *sock.Socket, b []byte) error {
	for off := 0; off < len(b); {
		n, err := s.Recv(b[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return streamErr("recv: connection closed")
		}
		off += n
	}
	return nil
}

func writeChunkedTCP(s *sock.Socket, b []byte) error {
	const chunk = 4096
	for off := 0; off < len(b); {
		end := off + chunk
		if end > len(b) {
			end = len(b)
		}
		n, err := s.Send(b[off:end])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}
