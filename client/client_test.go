package client

import (
	"testing"
	"time"

	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

// fakeServer speaks just enough of the control wire protocol to drive
// Device/Stream against a real loopback connection, the same way
// server/handler_test.go's testPair drives a connHandler from the other
// side. script handles exactly one request per call and is free to Fatal
// the test on a mismatch; the goroutine exits when the connection closes.
func fakeServer(t *testing.T, script func(call wire.Call, up *wire.Unpacker, pk *wire.Packer)) (url string, done <-chan struct{}) {
	t.Helper()
	ln, err := sock.Bind(sock.URL{Scheme: sock.SchemeTCP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	addr, err := ln.GetSockName()
	if err != nil {
		t.Fatalf("GetSockName: %v", err)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var remoteVersion uint32
		for {
			up := wire.NewUnpacker(sockIO{s: conn}, true, 2*time.Second)
			if err := up.Recv(); err != nil {
				return
			}
			remoteVersion = up.RemoteVersion()
			call, err := up.GetCall()
			if err != nil {
				return
			}
			pk := wire.NewPacker(remoteVersion)
			script(call, up, pk)
			if err := pk.Send(sockIO{s: conn}); err != nil {
				return
			}
		}
	}()
	return "tcp://" + addr.Node + ":" + addr.Service, finished
}

func TestOpenIssuesMakeAndClose(t *testing.T) {
	var gotArgs wire.Kwargs
	url, done := fakeServer(t, func(call wire.Call, up *wire.Unpacker, pk *wire.Packer) {
		switch call {
		case wire.CallMake:
			kw, err := up.GetKwargs()
			if err != nil {
				t.Errorf("GetKwargs: %v", err)
			}
			gotArgs = kw
			pk.PutInt32(1)
		case wire.CallUnmake:
			pk.PutVoid()
		default:
			t.Errorf("unexpected call %v", call)
		}
	})

	dev, err := Open(wire.NewKwargs(map[string]string{
		"remote":        url,
		"driver":        "null",
		"remote:timeout": "250000",
	}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v, ok := gotArgs.Get("driver"); !ok || v != "null" {
		t.Fatalf("MAKE args missing driver=null, got %+v", gotArgs)
	}
	if _, ok := gotArgs.Get("remote"); ok {
		t.Fatal("remote key leaked into MAKE args")
	}
	if dev.opts.Timeout != 250*time.Millisecond {
		t.Fatalf("Timeout = %v, want 250ms", dev.opts.Timeout)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !dev.closed {
		t.Fatal("device not marked closed")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server goroutine did not finish")
	}
}

func TestGainRoundTrip(t *testing.T) {
	var sawName string
	var sawValue float64
	url, _ := fakeServer(t, func(call wire.Call, up *wire.Unpacker, pk *wire.Packer) {
		switch call {
		case wire.CallMake:
			up.GetKwargs()
			pk.PutInt32(1)
		case wire.CallSetGain:
			up.GetInt32() // direction
			up.GetInt32() // channel
			name, _ := up.GetString()
			value, _ := up.GetFloat64()
			sawName, sawValue = name, value
			pk.PutVoid()
		case wire.CallGetGain:
			up.GetInt32()
			up.GetInt32()
			up.GetString()
			pk.PutFloat64(sawValue)
		default:
			t.Errorf("unexpected call %v", call)
		}
	})

	dev, err := Open(wire.NewKwargs(map[string]string{"remote": url, "driver": "null"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.conn.Close()

	if err := dev.SetGain(DirectionRX, 0, "LNA", 12.5); err != nil {
		t.Fatalf("SetGain: %v", err)
	}
	if sawName != "LNA" || sawValue != 12.5 {
		t.Fatalf("server saw SetGain(%q, %v), want (LNA, 12.5)", sawName, sawValue)
	}
	got, err := dev.GetGain(DirectionRX, 0, "LNA")
	if err != nil {
		t.Fatalf("GetGain: %v", err)
	}
	if got != 12.5 {
		t.Fatalf("GetGain = %v, want 12.5", got)
	}
}

func TestRemoteErrorIsPrefixed(t *testing.T) {
	url, _ := fakeServer(t, func(call wire.Call, up *wire.Unpacker, pk *wire.Packer) {
		switch call {
		case wire.CallMake:
			up.GetKwargs()
			pk.PutInt32(1)
		case wire.CallGetDriverKey:
			pk.PutException("no such driver")
		default:
			t.Errorf("unexpected call %v", call)
		}
	})

	dev, err := Open(wire.NewKwargs(map[string]string{"remote": url, "driver": "null"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.conn.Close()

	_, err = dev.DriverKey()
	if err == nil {
		t.Fatal("DriverKey: want error, got nil")
	}
	if got, want := err.Error(), "RemoteError: no such driver"; got != want {
		t.Fatalf("err = %q, want %q", got, want)
	}
	if dev.closed {
		t.Fatal("a remote exception must not close the device")
	}
}

func TestSplitArgsSeparatesRemoteKeys(t *testing.T) {
	in := wire.NewKwargs(map[string]string{
		"remote":         "tcp://host:1234",
		"remote:driver":  "rtlsdr",
		"remote:timeout": "500000",
		"remote:prot":    "udp",
		"remote:format":  "CS16",
		"remote:scale":   "2048",
		"remote:mtu":     "9000",
		"remote:window":  "65536",
		"driver":         "should-be-overwritten",
		"serial":         "1234",
	})
	driverArgs, opts, serverURL := splitArgs(in)

	if serverURL != "tcp://host:1234" {
		t.Fatalf("serverURL = %q", serverURL)
	}
	if v, ok := driverArgs.Get("driver"); !ok || v != "rtlsdr" {
		t.Fatalf("driverArgs[driver] = %q, %v, want rtlsdr", v, ok)
	}
	if v, ok := driverArgs.Get("serial"); !ok || v != "1234" {
		t.Fatalf("driverArgs[serial] = %q, %v, want 1234", v, ok)
	}
	if _, ok := driverArgs.Get("remote"); ok {
		t.Fatal("remote key leaked into driverArgs")
	}
	if opts.Timeout != 500*time.Millisecond {
		t.Fatalf("Timeout = %v, want 500ms", opts.Timeout)
	}
	if opts.Protocol != "udp" {
		t.Fatalf("Protocol = %q, want udp", opts.Protocol)
	}
	if opts.Format != "CS16" {
		t.Fatalf("Format = %q, want CS16", opts.Format)
	}
	if opts.Scale != 2048 {
		t.Fatalf("Scale = %v, want 2048", opts.Scale)
	}
	if opts.MTU != 9000 {
		t.Fatalf("MTU = %v, want 9000", opts.MTU)
	}
	if opts.Window != 65536 {
		t.Fatalf("Window = %v, want 65536", opts.Window)
	}
}

func TestSplitArgsDefaultsTimeout(t *testing.T) {
	_, opts, _ := splitArgs(wire.NewKwargs(map[string]string{"remote": "tcp://host:1234"}))
	if opts.Timeout != defaultCallTimeout {
		t.Fatalf("Timeout = %v, want default %v", opts.Timeout, defaultCallTimeout)
	}
}

func TestChooseRemoteFormatAndScale(t *testing.T) {
	d := &Device{}
	if got := d.chooseRemoteFormat("CF32"); got != "CF32" {
		t.Fatalf("chooseRemoteFormat with no override = %q, want CF32", got)
	}
	d.opts.Format = "CS16"
	if got := d.chooseRemoteFormat("CF32"); got != "CS16" {
		t.Fatalf("chooseRemoteFormat with override = %q, want CS16", got)
	}
	if got := d.chooseScale("CS16"); got != 32768 {
		t.Fatalf("chooseScale(CS16) = %v, want 32768", got)
	}
	d.opts.Scale = 100
	if got := d.chooseScale("CS16"); got != 100 {
		t.Fatalf("chooseScale with override = %v, want 100", got)
	}
}
