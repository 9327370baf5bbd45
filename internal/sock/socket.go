// Package sock wraps the OS socket API behind a small object, the way
// spec.md's socket layer component describes: bind/listen/accept/connect,
// send/recv, select-based readiness, and buffer/option tuning, grounded on
// the raw-syscall option-setting ubersdr's radiod controller uses for its
// multicast control socket.
package sock

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Socket wraps a net.Conn (TCP) or *net.UDPConn (UDP) plus the last-error
// slot spec.md's contract asks for: every operation stores a message,
// callers decide whether to propagate it.
type Socket struct {
	url     URL
	conn    net.Conn
	pconn   net.PacketConn // set for UDP sockets used connectionless (recvfrom/sendto)
	ln      net.Listener
	mu      sync.Mutex
	lastErr error
}

func (s *Socket) setErr(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// LastError returns the most recent error recorded by any operation on
// this socket, or nil.
func (s *Socket) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func controlReuse(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}
		if runtime.GOOS != "linux" {
			// SO_REUSEPORT predates Linux's reinterpretation of the flag on
			// BSD-derived systems (including darwin); Linux's load-balancing
			// semantics differ enough that ubersdr's teacher code never
			// sets it there, so we don't either.
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Bind creates a listening (TCP) or bound (UDP) socket at the given URL.
// SO_REUSEADDR (and SO_REUSEPORT on BSD-derived systems) is set before
// bind, per spec.md's contract.
func Bind(u URL) (*Socket, error) {
	s := &Socket{url: u}
	switch u.Scheme {
	case SchemeUDP:
		lc := net.ListenConfig{Control: controlReuse}
		pc, err := lc.ListenPacket(context.Background(), u.Network(), u.Addr())
		if err != nil {
			return nil, s.setErr(fmt.Errorf("sock: bind %s: %w", u, err))
		}
		s.pconn = pc
		return s, nil
	default:
		lc := net.ListenConfig{Control: controlReuse}
		ln, err := lc.Listen(context.Background(), u.Network(), u.Addr())
		if err != nil {
			return nil, s.setErr(fmt.Errorf("sock: bind %s: %w", u, err))
		}
		s.ln = ln
		return s, nil
	}
}

// Listen is a no-op on top of Bind for TCP: net.Listen already puts the
// socket in the listening state with its default backlog. It exists so
// callers can name the step spec.md's contract calls out separately.
func (s *Socket) Listen(backlog int) error {
	if s.ln == nil {
		return s.setErr(fmt.Errorf("sock: listen on non-TCP or unbound socket"))
	}
	return nil
}

// Accept blocks for the next inbound TCP connection.
func (s *Socket) Accept() (*Socket, error) {
	if s.ln == nil {
		return nil, s.setErr(fmt.Errorf("sock: accept on non-listening socket"))
	}
	c, err := s.ln.Accept()
	if err != nil {
		return nil, s.setErr(err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		setQuickAck(tc)
	}
	return &Socket{url: s.url, conn: c}, nil
}

// Connect dials url with no deadline.
func Connect(u URL) (*Socket, error) {
	return ConnectTimeout(u, 0)
}

// ConnectTimeout dials url, non-blocking with a writability wait bounded
// by timeout (0 means block indefinitely). net.Dialer already implements
// the "set nonblocking, connect, select(timeout), read SO_ERROR, restore
// blocking" sequence spec.md's contract describes, so we drive it through
// the stdlib dialer rather than hand-rolling the syscalls.
func ConnectTimeout(u URL, timeout time.Duration) (*Socket, error) {
	d := net.Dialer{Timeout: timeout, Control: controlReuse}
	c, err := d.Dial(u.Network(), u.Addr())
	if err != nil {
		return nil, fmt.Errorf("sock: connect %s: %w", u, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		setQuickAck(tc)
	}
	return &Socket{url: u, conn: c}, nil
}

// Send writes b on a connected socket.
func (s *Socket) Send(b []byte) (int, error) {
	if s.conn == nil {
		return 0, s.setErr(fmt.Errorf("sock: send on unconnected socket"))
	}
	n, err := s.conn.Write(b)
	if err != nil {
		s.setErr(err)
	}
	return n, err
}

// Recv reads into b on a connected socket.
func (s *Socket) Recv(b []byte) (int, error) {
	if s.conn == nil {
		return 0, s.setErr(fmt.Errorf("sock: recv on unconnected socket"))
	}
	n, err := s.conn.Read(b)
	if err != nil {
		s.setErr(err)
	}
	return n, err
}

// SendTo writes b to a specific peer on a connectionless (bound UDP)
// socket.
func (s *Socket) SendTo(b []byte, dst net.Addr) (int, error) {
	if s.pconn == nil {
		return 0, s.setErr(fmt.Errorf("sock: sendto on non-packet socket"))
	}
	n, err := s.pconn.WriteTo(b, dst)
	if err != nil {
		s.setErr(err)
	}
	return n, err
}

// RecvFrom reads the next datagram and its source address on a
// connectionless socket.
func (s *Socket) RecvFrom(b []byte) (int, net.Addr, error) {
	if s.pconn == nil {
		return 0, nil, s.setErr(fmt.Errorf("sock: recvfrom on non-packet socket"))
	}
	n, addr, err := s.pconn.ReadFrom(b)
	if err != nil {
		s.setErr(err)
	}
	return n, addr, err
}

// SetNonblocking is a no-op: every net.Conn/net.PacketConn in Go already
// multiplexes over the runtime's non-blocking network poller, so there is
// no separate blocking mode to toggle.
func (s *Socket) SetNonblocking(bool) error { return nil }

// GetSockName returns the local URL, the bind/connect-time address this
// socket is using.
func (s *Socket) GetSockName() (URL, error) {
	a := s.localAddr()
	if a == nil {
		return URL{}, s.setErr(fmt.Errorf("sock: getsockname on closed socket"))
	}
	return FromAddr(a)
}

// GetPeerName returns the remote URL of a connected socket.
func (s *Socket) GetPeerName() (URL, error) {
	if s.conn == nil {
		return URL{}, s.setErr(fmt.Errorf("sock: getpeername on unconnected socket"))
	}
	return FromAddr(s.conn.RemoteAddr())
}

func (s *Socket) localAddr() net.Addr {
	switch {
	case s.conn != nil:
		return s.conn.LocalAddr()
	case s.pconn != nil:
		return s.pconn.LocalAddr()
	case s.ln != nil:
		return s.ln.Addr()
	default:
		return nil
	}
}

// Close releases the underlying OS socket.
func (s *Socket) Close() error {
	switch {
	case s.conn != nil:
		return s.conn.Close()
	case s.pconn != nil:
		return s.pconn.Close()
	case s.ln != nil:
		return s.ln.Close()
	default:
		return nil
	}
}

// rawConn returns the syscall-level handle for option setting and poll(),
// whichever of conn/pconn/ln is populated.
func (s *Socket) rawConn() (syscall.RawConn, error) {
	switch {
	case s.conn != nil:
		if sc, ok := s.conn.(syscall.Conn); ok {
			return sc.SyscallConn()
		}
	case s.pconn != nil:
		if sc, ok := s.pconn.(syscall.Conn); ok {
			return sc.SyscallConn()
		}
	case s.ln != nil:
		if sc, ok := s.ln.(syscall.Conn); ok {
			return sc.SyscallConn()
		}
	}
	return nil, fmt.Errorf("sock: no syscall-capable connection")
}

// SetBuf sets the socket receive (isRecv=true) or send buffer size, in
// bytes.
func (s *Socket) SetBuf(isRecv bool, bytes int) error {
	opt := unix.SO_SNDBUF
	if isRecv {
		opt = unix.SO_RCVBUF
	}
	rc, err := s.rawConn()
	if err != nil {
		return s.setErr(err)
	}
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, bytes)
	})
	if err != nil {
		return s.setErr(err)
	}
	return s.setErr(sockErr)
}

// GetBuf reads back the socket receive or send buffer size. On Linux the
// kernel reports double the value actually reserved (its own bookkeeping
// overhead), so the read-back value is halved to match what SetBuf asked
// for.
func (s *Socket) GetBuf(isRecv bool) (int, error) {
	opt := unix.SO_SNDBUF
	if isRecv {
		opt = unix.SO_RCVBUF
	}
	rc, err := s.rawConn()
	if err != nil {
		return 0, s.setErr(err)
	}
	var (
		n       int
		sockErr error
	)
	err = rc.Control(func(fd uintptr) {
		n, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, opt)
	})
	if err != nil {
		return 0, s.setErr(err)
	}
	if sockErr != nil {
		return 0, s.setErr(sockErr)
	}
	if runtime.GOOS == "linux" {
		n /= 2
	}
	return n, nil
}

func setQuickAck(tc *net.TCPConn) {
	if runtime.GOOS != "linux" {
		return
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
}
