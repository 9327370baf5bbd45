package discovery

import (
	"fmt"
	"net"
	"time"

	"github.com/pothosware/soapyremote-go/internal/sock"
)

const (
	ssdpPort          = "1900"
	ssdpGroupV4       = "239.255.255.250"
	ssdpGroupV6       = "ff02::c"
	ssdpDefaultMaxAge = 120
	ssdpRefresh       = 60 * time.Second
)

// joinMulticastOnQualifyingInterfaces binds one UDP socket to ssdpPort on
// the wildcard address and joins group on every non-loopback
// multicast-capable interface not already blacklisted, continuing past
// individual join failures (and blacklisting the offending interface) so
// one bad NIC never prevents discovery on the rest of the machine.
func joinMulticastOnQualifyingInterfaces(bindAddr string, group net.IP, ttl int) (*sock.Socket, []*net.Interface, error) {
	s, err := sock.Bind(sock.URL{Scheme: sock.SchemeUDP, Node: bindAddr, Service: ssdpPort})
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: bind %s:%s: %w", bindAddr, ssdpPort, err)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}
	var joined []*net.Interface
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if isBlacklisted(iface.Name) {
			continue
		}
		if err := s.MulticastJoin(group, &iface, []*net.Interface{&iface}, true, ttl); err != nil {
			blacklistInterface(iface.Name)
			continue
		}
		joined = append(joined, &iface)
	}
	if len(joined) == 0 {
		s.Close()
		return nil, nil, fmt.Errorf("discovery: no usable multicast interface for group %s", group)
	}
	return s, joined, nil
}

func multicastDst(ipVer int) (net.IP, string) {
	if ipVer == 6 {
		return net.ParseIP(ssdpGroupV6), net.JoinHostPort(ssdpGroupV6, ssdpPort)
	}
	return net.ParseIP(ssdpGroupV4), net.JoinHostPort(ssdpGroupV4, ssdpPort)
}

// Responder is the server side of SSDP: answers M-SEARCH, announces
// alive/byebye.
type Responder struct {
	uuid     string
	urn      string
	location string
	socks    []*Socketed
	done     chan struct{}
}

// Socketed pairs a bound multicast socket with the IP version it serves.
type Socketed struct {
	Sock  *sock.Socket
	IPVer int
}

// StartResponder joins SSDP multicast on every IP version reachable on
// this machine and begins answering search requests for urn/uuid, naming
// location as our TCP service URL.
func StartResponder(uuid, urn, location string, ipVersions []int) (*Responder, error) {
	r := &Responder{uuid: uuid, urn: urn, location: location, done: make(chan struct{})}
	for _, ipVer := range ipVersions {
		bindAddr := "0.0.0.0"
		if ipVer == 6 {
			bindAddr = "::"
		}
		group, _ := multicastDst(ipVer)
		s, _, err := joinMulticastOnQualifyingInterfaces(bindAddr, group, 2)
		if err != nil {
			continue // this family simply isn't reachable; the other may be
		}
		r.socks = append(r.socks, &Socketed{Sock: s, IPVer: ipVer})
	}
	if len(r.socks) == 0 {
		return nil, fmt.Errorf("discovery: SSDP responder: no multicast-capable interface on any IP version")
	}
	for _, se := range r.socks {
		go r.serve(se)
	}
	go r.announceLoop()
	return r, nil
}

func (r *Responder) usn() string { return "uuid:" + r.uuid + "::" + r.urn }

func (r *Responder) serve(se *Socketed) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-r.done:
			return
		default:
		}
		ready, err := se.Sock.SelectRecv(time.Second)
		if err != nil || !ready {
			continue
		}
		n, addr, err := se.Sock.RecvFrom(buf)
		if err != nil {
			continue
		}
		msg, err := parseHTTPDatagram(buf[:n])
		if err != nil || !isMSearch(msg) {
			continue
		}
		st := msg.header("ST")
		if msg.header("MAN") != `"ssdp:discover"` {
			continue
		}
		if st != "ssdp:all" && st != r.urn && st != "uuid:"+r.uuid {
			continue
		}
		resp := buildOK(r.location, r.usn(), ssdpDefaultMaxAge)
		_, _ = se.Sock.SendTo(resp, addr)
		r.notify(se, "ssdp:alive")
	}
}

func (r *Responder) notify(se *Socketed, nts string) {
	_, addrStr := multicastDst(se.IPVer)
	dst, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return
	}
	msg := buildNotify(nts, r.location, r.usn(), ssdpDefaultMaxAge)
	_, _ = se.Sock.SendTo(msg, dst)
}

func (r *Responder) announceLoop() {
	t := time.NewTicker(ssdpRefresh)
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-t.C:
			for _, se := range r.socks {
				r.notify(se, "ssdp:alive")
			}
		}
	}
}

// Close announces ssdp:byebye and releases every multicast socket.
func (r *Responder) Close() error {
	close(r.done)
	for _, se := range r.socks {
		r.notify(se, "ssdp:byebye")
		se.Sock.Close()
	}
	return nil
}

// Browser is the client side of SSDP: periodically searches and listens
// for alive/byebye announcements, feeding a Registry.
type Browser struct {
	urn      string
	registry *Registry
	socks    []*Socketed
	done     chan struct{}
	searched bool
}

// NewBrowser joins SSDP multicast for discovery of services of type urn.
func NewBrowser(urn string, ipVersions []int) (*Browser, error) {
	b := &Browser{urn: urn, registry: NewRegistry(), done: make(chan struct{})}
	for _, ipVer := range ipVersions {
		bindAddr := "0.0.0.0"
		if ipVer == 6 {
			bindAddr = "::"
		}
		group, _ := multicastDst(ipVer)
		s, _, err := joinMulticastOnQualifyingInterfaces(bindAddr, group, 2)
		if err != nil {
			continue
		}
		b.socks = append(b.socks, &Socketed{Sock: s, IPVer: ipVer})
	}
	if len(b.socks) == 0 {
		return nil, fmt.Errorf("discovery: SSDP browser: no multicast-capable interface on any IP version")
	}
	for _, se := range b.socks {
		go b.listen(se)
	}
	go b.refreshLoop()
	return b, nil
}

// GetServers triggers an M-SEARCH (once, on first call), waits timeout,
// then returns the registry entries for ipVer. Subsequent calls just
// return the live (background-refreshed) snapshot.
func (b *Browser) GetServers(ipVer int, timeout time.Duration) map[string]string {
	if !b.searched {
		b.searched = true
		b.search()
		time.Sleep(timeout)
	}
	out := make(map[string]string)
	for uuid, byVer := range b.registry.Snapshot() {
		if e, ok := byVer[ipVer]; ok {
			out[uuid] = e.URL
		}
	}
	return out
}

func (b *Browser) search() {
	req := buildMSearch(b.urn, 2)
	for _, se := range b.socks {
		_, addrStr := multicastDst(se.IPVer)
		dst, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		_, _ = se.Sock.SendTo(req, dst)
	}
}

func (b *Browser) refreshLoop() {
	t := time.NewTicker(ssdpRefresh)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			b.search()
		}
	}
}

func (b *Browser) listen(se *Socketed) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-b.done:
			return
		default:
		}
		ready, err := se.Sock.SelectRecv(time.Second)
		if err != nil || !ready {
			continue
		}
		n, _, err := se.Sock.RecvFrom(buf)
		if err != nil {
			continue
		}
		msg, err := parseHTTPDatagram(buf[:n])
		if err != nil {
			continue
		}
		if !isOK(msg) && !isNotify(msg) {
			continue
		}
		usn := msg.header("USN")
		uuid := extractUUID(usn)
		if uuid == "" {
			continue
		}
		if isNotify(msg) && msg.header("NTS") == "ssdp:byebye" {
			b.registry.Remove(uuid)
			continue
		}
		location := msg.header("LOCATION")
		if location == "" {
			continue
		}
		maxAge := parseMaxAge(msg.header("CACHE-CONTROL"))
		b.registry.Put(uuid, se.IPVer, location, time.Duration(maxAge)*time.Second)
	}
}

// Registry exposes the discovered-entries registry for aggregation.
func (b *Browser) Registry() *Registry { return b.registry }

// Close stops discovery and releases sockets.
func (b *Browser) Close() error {
	close(b.done)
	for _, se := range b.socks {
		se.Sock.Close()
	}
	return nil
}

// extractUUID pulls the uuid out of a USN like "uuid:XXXX::urn:...".
func extractUUID(usn string) string {
	const prefix = "uuid:"
	if len(usn) < len(prefix) || usn[:len(prefix)] != prefix {
		return ""
	}
	rest := usn[len(prefix):]
	if i := indexOfDoubleColon(rest); i >= 0 {
		return rest[:i]
	}
	return rest
}

func indexOfDoubleColon(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ':' && s[i+1] == ':' {
			return i
		}
	}
	return -1
}
