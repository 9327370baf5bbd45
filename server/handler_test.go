package server

import (
	"testing"
	"time"

	"github.com/pothosware/soapyremote-go/internal/device"
	"github.com/pothosware/soapyremote-go/internal/logforward"
	"github.com/pothosware/soapyremote-go/internal/metrics"
	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// testPair binds a loopback TCP listener, connects to it, and returns the
// server-side and client-side sockets, the way endpoint_test.go wires a
// loopback pair for internal/stream.
func testPair(t *testing.T) (server, client *sock.Socket) {
	t.Helper()
	ln, err := sock.Bind(sock.URL{Scheme: sock.SchemeTCP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()
	addr, err := ln.GetSockName()
	if err != nil {
		t.Fatalf("GetSockName: %v", err)
	}

	accepted := make(chan *sock.Socket, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err = sock.Connect(addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	return server, client
}

// newTestHandler builds a connHandler around a freshly accepted socket,
// wired to a private device registry and a private metrics registry so
// tests never collide on the process-global Prometheus registry.
func newTestHandler(t *testing.T, conn *sock.Socket) *connHandler {
	t.Helper()
	registry := device.NewRegistry()
	registry.Register("null", device.NewNull)
	s := &Server{
		uuid:     "test-uuid",
		registry: registry,
		logHub:   logforward.NewHub(),
		metrics:  metrics.NewWithRegisterer(prometheus.NewRegistry()),
	}
	return newConnHandler(conn, s)
}

// call sends one RPC frame on client and runs exactly one handleOne on h,
// returning the client-side unpacker positioned to read the reply.
func call(t *testing.T, h *connHandler, client *sock.Socket, build func(*wire.Packer)) *wire.Unpacker {
	t.Helper()
	pk := wire.NewPacker(wire.EncodeVersion(wire.ProtocolVersion))
	build(pk)
	if err := pk.Send(sockIO{s: client}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	if err := h.handleOne(); err != nil {
		t.Fatalf("handleOne: %v", err)
	}
	up := wire.NewUnpacker(sockIO{s: client}, true, 2*time.Second)
	if err := up.Recv(); err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	return up
}

func TestHandleOneFindAndMake(t *testing.T) {
	serverConn, clientConn := testPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	h := newTestHandler(t, serverConn)

	up := call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallFind)
		pk.PutKwargs(wire.NewKwargs(map[string]string{"driver": "null"}))
	})
	found, err := up.GetKwargsList()
	if err != nil {
		t.Fatalf("GetKwargsList: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Find: got %d results, want 1", len(found))
	}

	up = call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallMake)
		pk.PutKwargs(wire.NewKwargs(map[string]string{"driver": "null"}))
	})
	handle, err := up.GetInt32()
	if err != nil {
		t.Fatalf("GetInt32: %v", err)
	}
	if handle < 0 {
		t.Fatalf("Make: got negative handle %d", handle)
	}
	if !h.haveDevice {
		t.Fatal("handler has no device open after MAKE")
	}
}

func TestHandleOneRejectsDeviceCallsBeforeMake(t *testing.T) {
	serverConn, clientConn := testPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	h := newTestHandler(t, serverConn)

	pk := wire.NewPacker(wire.EncodeVersion(wire.ProtocolVersion))
	pk.PutCall(wire.CallGetDriverKey)
	if err := pk.Send(sockIO{s: clientConn}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.handleOne(); err != nil {
		t.Fatalf("handleOne should reply with an exception frame, not fail: %v", err)
	}
	up := wire.NewUnpacker(sockIO{s: clientConn}, true, 2*time.Second)
	if err := up.Recv(); err == nil {
		t.Fatal("expected Recv to surface the EXCEPTION frame as an error")
	}
}

func TestHandleOneGainRoundTrip(t *testing.T) {
	serverConn, clientConn := testPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	h := newTestHandler(t, serverConn)

	call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallMake)
		pk.PutKwargs(wire.NewKwargs(map[string]string{"driver": "null"}))
	})

	call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallSetGain)
		pk.PutInt32(int32(device.DirectionRX))
		pk.PutInt32(0)
		pk.PutString("BB")
		pk.PutFloat64(12.5)
	})

	up := call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallGetGain)
		pk.PutInt32(int32(device.DirectionRX))
		pk.PutInt32(0)
		pk.PutString("BB")
	})
	got, err := up.GetFloat64()
	if err != nil {
		t.Fatalf("GetFloat64: %v", err)
	}
	if got != 12.5 {
		t.Fatalf("GetGain = %v, want 12.5", got)
	}
}

func TestUnmakeClosesOpenStreams(t *testing.T) {
	serverConn, clientConn := testPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	h := newTestHandler(t, serverConn)

	call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallMake)
		pk.PutKwargs(wire.NewKwargs(map[string]string{"driver": "null"}))
	})

	up := call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallSetupStreamBypass)
		pk.PutInt32(int32(device.DirectionRX))
		pk.PutString("CF32")
		pk.PutSizeList([]uint64{0})
		pk.PutKwargs(wire.Kwargs{})
	})
	if _, err := up.GetInt32(); err != nil {
		t.Fatalf("SETUP_STREAM_BYPASS reply: %v", err)
	}
	if len(h.streams) != 1 {
		t.Fatalf("streams open = %d, want 1", len(h.streams))
	}

	call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallUnmake)
	})
	if len(h.streams) != 0 {
		t.Fatalf("streams open after UNMAKE = %d, want 0", len(h.streams))
	}
	if h.haveDevice {
		t.Fatal("haveDevice still true after UNMAKE")
	}
}

func TestGetStreamMTU(t *testing.T) {
	serverConn, clientConn := testPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	h := newTestHandler(t, serverConn)

	call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallMake)
		pk.PutKwargs(wire.NewKwargs(map[string]string{"driver": "null"}))
	})

	up := call(t, h, clientConn, func(pk *wire.Packer) {
		pk.PutCall(wire.CallGetStreamMTU)
	})
	bufSize, err := up.GetInt32()
	if err != nil {
		t.Fatalf("GetInt32 bufSize: %v", err)
	}
	hwDefault, err := up.GetInt32()
	if err != nil {
		t.Fatalf("GetInt32 hwDefault: %v", err)
	}
	if bufSize != 4096 || hwDefault != 4096 {
		t.Fatalf("GetStreamMTU = (%d, %d), want (4096, 4096)", bufSize, hwDefault)
	}
}
