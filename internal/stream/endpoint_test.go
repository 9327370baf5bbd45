package stream

import (
	"testing"
	"time"

	"github.com/pothosware/soapyremote-go/internal/sock"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Bytes: 123, Sequence: 456, ElemsOrErr: -7, Flags: FlagEndBurst, TimeNs: 987654321}
	buf := make([]byte, HeaderSize)
	h.encode(buf)
	got := decodeHeader(buf)
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestSeqGEWraparound(t *testing.T) {
	if !seqGE(5, 3) {
		t.Fatal("5 >= 3 should hold")
	}
	if seqGE(3, 5) {
		t.Fatal("3 >= 5 should not hold")
	}
	var max uint32 = 0xFFFFFFFF
	if !seqGE(max+2, max) { // wraps to 1 >= max, distance of 2
		t.Fatal("wraparound comparison failed")
	}
}

func bindUDP(t *testing.T) *sock.Socket {
	t.Helper()
	s, err := sock.Bind(sock.URL{Scheme: sock.SchemeUDP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return s
}

// TestFlowControlBoundsInFlightRecords is spec.md's endpoint testable
// property: maxInFlight=4, N=8, single channel, datagram mode over
// loopback; sender issues 100 releases while the receiver paces itself,
// and at no point does the sender exceed 4 outstanding records.
func TestFlowControlBoundsInFlightRecords(t *testing.T) {
	const (
		mtu         = 1500
		numChannels = 1
		elemSize    = 4 // CS16 complex sample
		numRecords  = 100
	)

	senderSock := bindUDP(t)
	receiverSock := bindUDP(t)
	senderStatusSock := bindUDP(t)
	receiverStatusSock := bindUDP(t)

	senderAddr, err := senderSock.GetSockName()
	if err != nil {
		t.Fatalf("GetSockName sender: %v", err)
	}
	receiverAddr, err := receiverSock.GetSockName()
	if err != nil {
		t.Fatalf("GetSockName receiver: %v", err)
	}
	senderPeer, err := sock.ResolveAddr(senderAddr)
	if err != nil {
		t.Fatalf("ResolveAddr sender: %v", err)
	}
	receiverPeer, err := sock.ResolveAddr(receiverAddr)
	if err != nil {
		t.Fatalf("ResolveAddr receiver: %v", err)
	}

	// A small window (mtu*4) forces maxInFlight down near 4, matching the
	// spec scenario without depending on the kernel's exact buffer
	// rounding.
	window := mtu * 4

	recv, err := Setup(receiverSock, receiverStatusSock, senderPeer, nil, true, true, numChannels, elemSize, mtu, window)
	if err != nil {
		t.Fatalf("Setup receiver: %v", err)
	}
	defer recv.Close()

	send, err := Setup(senderSock, senderStatusSock, receiverPeer, nil, true, false, numChannels, elemSize, mtu, window)
	if err != nil {
		t.Fatalf("Setup sender: %v", err)
	}
	defer send.Close()

	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < numRecords; i++ {
			if err := send.WaitSend(2 * time.Second); err != nil {
				errCh <- err
				return
			}

			send.mu.Lock()
			inFlight := seqDiff(send.lastSendSeq, send.ackedSeq)
			maxInFlight := send.maxInFlight
			send.mu.Unlock()
			if inFlight < 0 || uint32(inFlight) > maxInFlight {
				errCh <- streamErr("sender exceeded window: inFlight=%d max=%d", inFlight, maxInFlight)
				return
			}

			handle, channels, err := send.AcquireSend()
			if err != nil {
				errCh <- err
				return
			}
			channels[0][0] = byte(i)
			if err := send.ReleaseSend(handle, 1, 0, 0); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	received := 0
	for received < numRecords {
		if err := recv.WaitRecv(2 * time.Second); err != nil {
			t.Fatalf("WaitRecv: %v", err)
		}
		res, err := recv.AcquireRecv()
		if err != nil {
			t.Fatalf("AcquireRecv: %v", err)
		}
		recv.ReleaseRecv(res.Handle)
		received++
		time.Sleep(2 * time.Millisecond)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("sender goroutine: %v", err)
	}
	if received != numRecords {
		t.Fatalf("received %d records, want %d", received, numRecords)
	}
}

func TestReleaseRecvCollapsesCursorForward(t *testing.T) {
	e := &Endpoint{}
	e.ReleaseRecv(0)
	e.ReleaseRecv(3) // out-of-order/late release of a further handle
	if e.recvReleaseCursor != 4 {
		t.Fatalf("release cursor = %d, want 4", e.recvReleaseCursor)
	}
	e.ReleaseRecv(1) // stale release behind the cursor is a no-op
	if e.recvReleaseCursor != 4 {
		t.Fatalf("release cursor regressed to %d", e.recvReleaseCursor)
	}
}
