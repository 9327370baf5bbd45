package sock

import (
	"fmt"
	"net"
	"strings"
)

// Scheme selects the transport protocol a URL names.
type Scheme string

const (
	SchemeTCP Scheme = "tcp"
	SchemeUDP Scheme = "udp"
)

// URL is the (scheme, node, service) triple spec.md's data model defines:
// node is an IP literal or hostname, service a numeric port or empty.
type URL struct {
	Scheme  Scheme
	Node    string
	Service string
}

// Parse accepts "scheme://[host]:port", "scheme://host", or a bare
// "host:port"/"host" defaulting to tcp. IPv6 nodes must be bracketed when
// a port follows; the brackets are removed from Node and any "%zone"
// suffix is kept.
func Parse(raw string) (URL, error) {
	scheme := SchemeTCP
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		switch Scheme(raw[:i]) {
		case SchemeTCP, SchemeUDP:
			scheme = Scheme(raw[:i])
		default:
			return URL{}, fmt.Errorf("sock: unknown scheme %q", raw[:i])
		}
		rest = raw[i+3:]
	}

	if rest == "" {
		return URL{}, fmt.Errorf("sock: empty url")
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return URL{}, err
	}
	return URL{Scheme: scheme, Node: host, Service: port}, nil
}

// splitHostPort tolerates a bare host (no port) in addition to what
// net.SplitHostPort accepts.
func splitHostPort(s string) (host, port string, err error) {
	if h, p, e := net.SplitHostPort(s); e == nil {
		return h, p, nil
	}
	// No colon-separated port, or an unbracketed bare IPv6 literal. Treat
	// the whole string as the node with an empty service.
	if strings.Count(s, ":") > 1 && !strings.HasPrefix(s, "[") {
		return s, "", nil
	}
	return s, "", nil
}

// String renders the URL back to wire form, bracketing IPv6 nodes when a
// port is present.
func (u URL) String() string {
	node := u.Node
	if u.Service == "" {
		return fmt.Sprintf("%s://%s", u.Scheme, node)
	}
	if strings.Contains(node, ":") && !strings.HasPrefix(node, "[") {
		node = "[" + node + "]"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, net.JoinHostPort(strings.Trim(node, "[]"), u.Service))
}

// Network returns the net package dial/listen network name for this URL,
// preferring the 4/6-specific variant when Node is an IP literal so the
// resolver doesn't have to guess between A and AAAA records.
func (u URL) Network() string {
	base := string(u.Scheme)
	ip := net.ParseIP(strings.TrimSuffix(strings.TrimPrefix(u.Node, "["), "]"))
	switch {
	case ip == nil:
		return base
	case ip.To4() != nil:
		return base + "4"
	default:
		return base + "6"
	}
}

// Addr renders the host:port pair net.Dial/net.Listen expect.
func (u URL) Addr() string {
	if u.Service == "" {
		return u.Node
	}
	return net.JoinHostPort(strings.Trim(u.Node, "[]"), u.Service)
}

// ResolveAddr returns a single chosen net.Addr for this URL, preferring
// the requested socket type (tcp vs udp).
func ResolveAddr(u URL) (net.Addr, error) {
	switch u.Scheme {
	case SchemeUDP:
		return net.ResolveUDPAddr(u.Network(), u.Addr())
	default:
		return net.ResolveTCPAddr(u.Network(), u.Addr())
	}
}

// FromAddr builds a URL from a resolved net.Addr, the inverse direction
// of ResolveAddr, so getsockname/getpeername can round-trip.
func FromAddr(a net.Addr) (URL, error) {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return URL{}, err
	}
	scheme := SchemeTCP
	if a.Network() == "udp" || strings.HasPrefix(a.Network(), "udp") {
		scheme = SchemeUDP
	}
	return URL{Scheme: scheme, Node: host, Service: port}, nil
}
