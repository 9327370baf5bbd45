package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// httpDatagram is the minimal HTTP-over-UDP message SSDP needs: a request
// (or status) line plus a flat header map. Only the three request lines
// spec.md names are ever produced or accepted: "M-SEARCH * HTTP/1.1",
// "NOTIFY * HTTP/1.1", "HTTP/1.1 200 OK".
type httpDatagram struct {
	StartLine string
	Headers   map[string]string
}

func (m httpDatagram) header(key string) string {
	return m.Headers[strings.ToUpper(key)]
}

func parseHTTPDatagram(data []byte) (httpDatagram, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\r\n"), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return httpDatagram{}, fmt.Errorf("discovery: empty http datagram")
	}
	m := httpDatagram{StartLine: lines[0], Headers: make(map[string]string)}
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:i]))
		val := strings.TrimSpace(line[i+1:])
		m.Headers[key] = val
	}
	return m, nil
}

func isMSearch(m httpDatagram) bool { return strings.HasPrefix(m.StartLine, "M-SEARCH") }
func isNotify(m httpDatagram) bool  { return strings.HasPrefix(m.StartLine, "NOTIFY") }
func isOK(m httpDatagram) bool      { return strings.HasPrefix(m.StartLine, "HTTP/1.1 200") }

// buildMSearch renders an M-SEARCH request with the given search target
// and max-wait (MX) seconds.
func buildMSearch(st string, mx int) []byte {
	var b strings.Builder
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	b.WriteString("HOST: 239.255.255.250:1900\r\n")
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	fmt.Fprintf(&b, "MX: %d\r\n", mx)
	fmt.Fprintf(&b, "ST: %s\r\n", st)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// buildOK renders a unicast M-SEARCH response.
func buildOK(location, usn string, maxAge int) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "CACHE-CONTROL: max-age=%d\r\n", maxAge)
	fmt.Fprintf(&b, "LOCATION: %s\r\n", location)
	fmt.Fprintf(&b, "USN: %s\r\n", usn)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// buildNotify renders a NOTIFY with the given sub-type (ssdp:alive or
// ssdp:byebye).
func buildNotify(nts, location, usn string, maxAge int) []byte {
	var b strings.Builder
	b.WriteString("NOTIFY * HTTP/1.1\r\n")
	b.WriteString("HOST: 239.255.255.250:1900\r\n")
	fmt.Fprintf(&b, "CACHE-CONTROL: max-age=%d\r\n", maxAge)
	fmt.Fprintf(&b, "LOCATION: %s\r\n", location)
	fmt.Fprintf(&b, "NTS: %s\r\n", nts)
	fmt.Fprintf(&b, "USN: %s\r\n", usn)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// parseMaxAge extracts the numeric max-age from a CACHE-CONTROL header
// value like `max-age=120`, defaulting to 120 (spec.md's default) when
// absent or malformed.
func parseMaxAge(cacheControl string) int {
	const def = 120
	i := strings.Index(cacheControl, "max-age=")
	if i < 0 {
		return def
	}
	rest := cacheControl[i+len("max-age="):]
	for j, c := range rest {
		if c < '0' || c > '9' {
			rest = rest[:j]
			break
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return def
	}
	return n
}
