package sock

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SelectRecv waits up to timeout for the socket to become readable
// without consuming any data, the way spec.md's select_recv(timeout)
// operation is specified. A zero timeout polls once and returns
// immediately; a negative timeout waits with no limit.
func (s *Socket) SelectRecv(timeout time.Duration) (bool, error) {
	ready, err := selectMany([]*Socket{s}, timeout)
	if err != nil {
		return false, s.setErr(err)
	}
	return ready[0], nil
}

// SelectRecvMany waits up to timeout for any of socks to become readable,
// returning a per-socket ready mask (spec.md's select_recv_many).
func SelectRecvMany(socks []*Socket, timeout time.Duration) ([]bool, error) {
	return selectMany(socks, timeout)
}

func selectMany(socks []*Socket, timeout time.Duration) ([]bool, error) {
	if len(socks) == 0 {
		return nil, nil
	}
	pfds := make([]unix.PollFd, len(socks))
	rcs := make([]syscall.RawConn, len(socks))
	for i, s := range socks {
		rc, err := s.rawConn()
		if err != nil {
			return nil, fmt.Errorf("sock: select: %w", err)
		}
		rcs[i] = rc
	}
	for i, rc := range rcs {
		if err := rc.Control(func(fd uintptr) {
			pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
		}); err != nil {
			return nil, err
		}
	}

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	} else if timeout == 0 {
		ms = 0
	}

	for {
		n, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		ready := make([]bool, len(socks))
		for i, p := range pfds {
			ready[i] = n > 0 && p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		}
		return ready, nil
	}
}
