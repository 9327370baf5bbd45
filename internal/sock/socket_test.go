package sock

import (
	"testing"
	"time"
)

func TestTCPBindConnectAcceptRoundTrip(t *testing.T) {
	ln, err := Bind(URL{Scheme: SchemeTCP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()

	addr, err := ln.GetSockName()
	if err != nil {
		t.Fatalf("GetSockName: %v", err)
	}

	accepted := make(chan *Socket, 1)
	acceptErr := make(chan error, 1)
	go func() {
		s, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- s
	}()

	client, err := ConnectTimeout(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("ConnectTimeout: %v", err)
	}
	defer client.Close()

	var server *Socket
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	msg := []byte("hello stream")
	if _, err := client.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ready, err := server.SelectRecv(2 * time.Second)
	if err != nil {
		t.Fatalf("SelectRecv: %v", err)
	}
	if !ready {
		t.Fatal("expected server socket to be readable")
	}

	buf := make([]byte, len(msg))
	n, err := server.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestSelectRecvTimesOutWithNoData(t *testing.T) {
	ln, err := Bind(URL{Scheme: SchemeTCP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()
	addr, _ := ln.GetSockName()

	accepted := make(chan *Socket, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	client, err := ConnectTimeout(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("ConnectTimeout: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	ready, err := server.SelectRecv(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("SelectRecv: %v", err)
	}
	if ready {
		t.Fatal("expected no data ready")
	}
}

func TestSetBufGetBuf(t *testing.T) {
	s, err := Bind(URL{Scheme: SchemeUDP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer s.Close()

	if err := s.SetBuf(true, 1<<20); err != nil {
		t.Fatalf("SetBuf: %v", err)
	}
	got, err := s.GetBuf(true)
	if err != nil {
		t.Fatalf("GetBuf: %v", err)
	}
	if got <= 0 {
		t.Fatalf("expected positive buffer size, got %d", got)
	}
}

func TestUDPSendToRecvFrom(t *testing.T) {
	a, err := Bind(URL{Scheme: SchemeUDP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind(URL{Scheme: SchemeUDP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind b: %v", err)
	}
	defer b.Close()

	bAddr, err := b.GetSockName()
	if err != nil {
		t.Fatalf("GetSockName: %v", err)
	}
	dst, err := ResolveAddr(bAddr)
	if err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}

	payload := []byte("datagram")
	if _, err := a.SendTo(payload, dst); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	ready, err := b.SelectRecv(2 * time.Second)
	if err != nil {
		t.Fatalf("SelectRecv: %v", err)
	}
	if !ready {
		t.Fatal("expected b to be readable")
	}

	buf := make([]byte, len(payload))
	n, _, err := b.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q, want %q", buf[:n], payload)
	}
}

func TestSelectRecvManyReportsOnlyReadySocket(t *testing.T) {
	a, err := Bind(URL{Scheme: SchemeUDP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind(URL{Scheme: SchemeUDP, Node: "127.0.0.1", Service: "0"})
	if err != nil {
		t.Fatalf("Bind b: %v", err)
	}
	defer b.Close()

	aAddr, _ := a.GetSockName()
	dst, _ := ResolveAddr(aAddr)
	if _, err := b.SendTo([]byte("x"), dst); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	ready, err := SelectRecvMany([]*Socket{a, b}, 2*time.Second)
	if err != nil {
		t.Fatalf("SelectRecvMany: %v", err)
	}
	if len(ready) != 2 || !ready[0] || ready[1] {
		t.Fatalf("unexpected ready mask: %v", ready)
	}
}
