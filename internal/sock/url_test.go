package sock

import "testing"

func TestParseHostPort(t *testing.T) {
	u, err := Parse("tcp://192.168.1.10:5555")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Scheme != SchemeTCP || u.Node != "192.168.1.10" || u.Service != "5555" {
		t.Fatalf("unexpected url: %+v", u)
	}
}

func TestParseIPv6Bracketed(t *testing.T) {
	u, err := Parse("udp://[fe80::1%eth0]:12345")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Scheme != SchemeUDP || u.Node != "fe80::1%eth0" || u.Service != "12345" {
		t.Fatalf("unexpected url: %+v", u)
	}
}

func TestParseBareHost(t *testing.T) {
	u, err := Parse("myhost")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Scheme != SchemeTCP || u.Node != "myhost" || u.Service != "" {
		t.Fatalf("unexpected url: %+v", u)
	}
}

func TestStringBracketsIPv6WithPort(t *testing.T) {
	u := URL{Scheme: SchemeTCP, Node: "fe80::1", Service: "5555"}
	got := u.String()
	want := "tcp://[fe80::1]:5555"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestNetworkPrefersAddressFamily(t *testing.T) {
	u4 := URL{Scheme: SchemeTCP, Node: "127.0.0.1"}
	if u4.Network() != "tcp4" {
		t.Fatalf("expected tcp4, got %s", u4.Network())
	}
	u6 := URL{Scheme: SchemeUDP, Node: "::1"}
	if u6.Network() != "udp6" {
		t.Fatalf("expected udp6, got %s", u6.Network())
	}
	uh := URL{Scheme: SchemeTCP, Node: "example.invalid"}
	if uh.Network() != "tcp" {
		t.Fatalf("expected bare tcp for hostname, got %s", uh.Network())
	}
}
