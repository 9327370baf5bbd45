package sock

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MulticastJoin configures loopback, TTL/hop-limit and the send interface
// on a bound UDP socket, then adds group membership on each of
// recvIfaces. IPv4 and IPv6 go through separate golang.org/x/net packet
// connections, per spec.md's "each family path implemented separately".
func (s *Socket) MulticastJoin(group net.IP, sendIface *net.Interface, recvIfaces []*net.Interface, loop bool, ttl int) error {
	if s.pconn == nil {
		return s.setErr(fmt.Errorf("sock: multicast_join on non-packet socket"))
	}
	if group.To4() != nil {
		return s.setErr(s.joinV4(group, sendIface, recvIfaces, loop, ttl))
	}
	return s.setErr(s.joinV6(group, sendIface, recvIfaces, loop, ttl))
}

func (s *Socket) joinV4(group net.IP, sendIface *net.Interface, recvIfaces []*net.Interface, loop bool, ttl int) error {
	p := ipv4.NewPacketConn(s.pconn)
	if err := p.SetMulticastLoopback(loop); err != nil {
		return fmt.Errorf("sock: set IP_MULTICAST_LOOP: %w", err)
	}
	if err := p.SetMulticastTTL(ttl); err != nil {
		return fmt.Errorf("sock: set IP_MULTICAST_TTL: %w", err)
	}
	if sendIface != nil {
		if err := p.SetMulticastInterface(sendIface); err != nil {
			return fmt.Errorf("sock: set IP_MULTICAST_IF: %w", err)
		}
	}
	if len(recvIfaces) == 0 {
		recvIfaces = []*net.Interface{nil}
	}
	for _, iface := range recvIfaces {
		if err := p.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("sock: join IPv4 group %s on %v: %w", group, iface, err)
		}
	}
	return nil
}

func (s *Socket) joinV6(group net.IP, sendIface *net.Interface, recvIfaces []*net.Interface, loop bool, hops int) error {
	p := ipv6.NewPacketConn(s.pconn)
	if err := p.SetMulticastLoopback(loop); err != nil {
		return fmt.Errorf("sock: set IPV6_MULTICAST_LOOP: %w", err)
	}
	if err := p.SetMulticastHopLimit(hops); err != nil {
		return fmt.Errorf("sock: set IPV6_MULTICAST_HOPS: %w", err)
	}
	if sendIface != nil {
		if err := p.SetMulticastInterface(sendIface); err != nil {
			return fmt.Errorf("sock: set IPV6_MULTICAST_IF: %w", err)
		}
	}
	if len(recvIfaces) == 0 {
		recvIfaces = []*net.Interface{nil}
	}
	for _, iface := range recvIfaces {
		if err := p.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("sock: join IPv6 group %s on %v: %w", group, iface, err)
		}
	}
	return nil
}

// MulticastLeave drops membership added by MulticastJoin on recvIfaces.
func (s *Socket) MulticastLeave(group net.IP, recvIfaces []*net.Interface) error {
	if s.pconn == nil {
		return s.setErr(fmt.Errorf("sock: multicast_leave on non-packet socket"))
	}
	if len(recvIfaces) == 0 {
		recvIfaces = []*net.Interface{nil}
	}
	if group.To4() != nil {
		p := ipv4.NewPacketConn(s.pconn)
		for _, iface := range recvIfaces {
			if err := p.LeaveGroup(iface, &net.UDPAddr{IP: group}); err != nil {
				return s.setErr(err)
			}
		}
		return nil
	}
	p := ipv6.NewPacketConn(s.pconn)
	for _, iface := range recvIfaces {
		if err := p.LeaveGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			return s.setErr(err)
		}
	}
	return nil
}
