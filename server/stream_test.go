package server

import (
	"testing"
	"time"

	"github.com/pothosware/soapyremote-go/internal/device"
	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/stream"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

func TestSetupStreamBypassLifecycle(t *testing.T) {
	serverConn, clientConn := testPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	h := newTestHandler(t, serverConn)

	drv, err := device.NewNull(wire.Kwargs{})
	if err != nil {
		t.Fatalf("NewNull: %v", err)
	}
	h.driver = drv
	h.haveDevice = true

	s, err := h.setupStreamBypass(device.DirectionRX, "CS16", []int{0}, wire.Kwargs{})
	if err != nil {
		t.Fatalf("setupStreamBypass: %v", err)
	}
	if !s.bypass {
		t.Fatal("bypass session should have bypass=true")
	}

	if err := h.driver.ActivateStream(s.driverStreamID, 0, 0, 0); err != nil {
		t.Fatalf("ActivateStream: %v", err)
	}
	s.activate(h.driver, h.metrics)
	if s.started {
		t.Fatal("bypass session should never spawn workers (started should stay false)")
	}

	if err := s.close(h.driver, h.metrics); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// countingMetrics counts StreamOpened/StreamClosed calls so the
// double-activate guard can be asserted directly instead of inferred from
// goroutine counts.
type countingMetrics struct {
	opened, closed int
}

func (c *countingMetrics) StreamOpened(string)             { c.opened++ }
func (c *countingMetrics) StreamClosed(string)             { c.closed++ }
func (c *countingMetrics) RecordTransfer(string, int, int) {}
func (c *countingMetrics) RecordRingOverflow(string)       {}

func bindUDPLoopback(t *testing.T) *sock.Socket {
	t.Helper()
	s, err := sock.Bind(sock.URL{Scheme: sock.SchemeUDP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind UDP: %v", err)
	}
	return s
}

// TestActivateIsIdempotent reproduces spec.md's activate/deactivate cycle
// directly against a streamSession wired to two real loopback endpoints,
// checking that a second ACTIVATE_STREAM on an already-started session
// does not spawn a second set of worker goroutines (which would race the
// first set over the same driver stream).
func TestActivateIsIdempotent(t *testing.T) {
	const (
		mtu         = 1500
		numChannels = 1
		elemSize    = 4
	)

	senderData := bindUDPLoopback(t)
	receiverData := bindUDPLoopback(t)
	senderStatus := bindUDPLoopback(t)
	receiverStatus := bindUDPLoopback(t)
	defer senderData.Close()
	defer receiverData.Close()
	defer senderStatus.Close()
	defer receiverStatus.Close()

	senderAddr, _ := senderData.GetSockName()
	receiverAddr, _ := receiverData.GetSockName()
	senderStatusAddr, _ := senderStatus.GetSockName()
	receiverStatusAddr, _ := receiverStatus.GetSockName()
	senderPeer, err := sock.ResolveAddr(senderAddr)
	if err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	receiverPeer, err := sock.ResolveAddr(receiverAddr)
	if err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	senderStatusPeer, err := sock.ResolveAddr(senderStatusAddr)
	if err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	receiverStatusPeer, err := sock.ResolveAddr(receiverStatusAddr)
	if err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}

	window := mtu * 4
	// Receiver side: isRecv=true drains whatever the driver produces so
	// the sender's credit window keeps advancing instead of blocking
	// WaitSend forever once the ring fills.
	recvEp, err := stream.Setup(receiverData, receiverStatus, senderPeer, senderStatusPeer, true, true, numChannels, elemSize, mtu, window)
	if err != nil {
		t.Fatalf("Setup recv: %v", err)
	}
	defer recvEp.Close()
	go func() {
		for {
			if err := recvEp.WaitRecv(200 * time.Millisecond); err != nil {
				return
			}
			res, err := recvEp.AcquireRecv()
			if err != nil || res == nil {
				continue
			}
			recvEp.ReleaseRecv(res.Handle)
		}
	}()

	sendEp, err := stream.Setup(senderData, senderStatus, receiverPeer, receiverStatusPeer, true, false, numChannels, elemSize, mtu, window)
	if err != nil {
		t.Fatalf("Setup send: %v", err)
	}
	defer sendEp.Close()

	drv, err := device.NewNull(wire.Kwargs{})
	if err != nil {
		t.Fatalf("NewNull: %v", err)
	}
	driverStreamID, err := drv.SetupStream(device.DirectionRX, "CS16", []int{0}, wire.Kwargs{})
	if err != nil {
		t.Fatalf("SetupStream: %v", err)
	}
	if err := drv.ActivateStream(driverStreamID, 0, 0, 0); err != nil {
		t.Fatalf("ActivateStream: %v", err)
	}

	s := &streamSession{
		id:             1,
		dir:            device.DirectionRX,
		driverStreamID: driverStreamID,
		endpoint:       sendEp,
		numChannels:    numChannels,
		elemSize:       elemSize,
		done:           make(chan struct{}),
	}

	fm := &countingMetrics{}
	s.activate(drv, fm)
	s.activate(drv, fm) // second ACTIVATE_STREAM on the same session
	s.activate(drv, fm) // and a third, for good measure

	if fm.opened != 1 {
		t.Fatalf("StreamOpened called %d times, want exactly 1", fm.opened)
	}
	if !s.isActive() {
		t.Fatal("session should be active after activate()")
	}

	s.setActive(false) // DEACTIVATE_STREAM
	if s.isActive() {
		t.Fatal("session should be inactive after setActive(false)")
	}
	s.activate(drv, fm) // re-ACTIVATE_STREAM: should resume, not respawn
	if fm.opened != 1 {
		t.Fatalf("StreamOpened called %d times after reactivate, want still 1", fm.opened)
	}
	if !s.isActive() {
		t.Fatal("session should be active again after reactivate")
	}

	if err := s.close(drv, fm); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fm.closed != 1 {
		t.Fatalf("StreamClosed called %d times, want exactly 1", fm.closed)
	}
}

func TestElemSizeForFormat(t *testing.T) {
	cases := map[string]int{
		"CF32": 8,
		"CS16": 4,
		"CU16": 4,
		"CS8":  2,
		"CU8":  2,
		"CS12": 3,
		"":     4,
	}
	for format, want := range cases {
		if got := elemSizeForFormat(format); got != want {
			t.Errorf("elemSizeForFormat(%q) = %d, want %d", format, got, want)
		}
	}
}

func TestDispatchSetupAndCloseStreamUDP(t *testing.T) {
	serverConn, clientConn := testPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	h := newTestHandler(t, serverConn)

	call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallMake)
		pk.PutKwargs(wire.NewKwargs(map[string]string{"driver": "null"}))
	})

	clientData := bindUDPLoopback(t)
	clientStatus := bindUDPLoopback(t)
	defer clientData.Close()
	defer clientStatus.Close()
	clientDataAddr, _ := clientData.GetSockName()
	clientStatusAddr, _ := clientStatus.GetSockName()

	up := call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallSetupStream)
		pk.PutInt32(int32(device.DirectionRX))
		pk.PutString("CS16")
		pk.PutSizeList([]uint64{0})
		pk.PutKwargs(wire.NewKwargs(map[string]string{
			"protocol":   "udp",
			"bindPort":   clientDataAddr.Service,
			"statusPort": clientStatusAddr.Service,
		}))
	})
	streamID, err := up.GetInt32()
	if err != nil {
		t.Fatalf("GetInt32 streamID: %v", err)
	}
	if _, err := up.GetInt32(); err != nil { // server data port
		t.Fatalf("GetInt32 port: %v", err)
	}
	if len(h.streams) != 1 {
		t.Fatalf("streams open = %d, want 1", len(h.streams))
	}

	call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallCloseStream)
		pk.PutInt32(streamID)
	})
	if len(h.streams) != 0 {
		t.Fatalf("streams open after CLOSE_STREAM = %d, want 0", len(h.streams))
	}
}
