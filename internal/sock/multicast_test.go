package sock

import (
	"net"
	"testing"
)

func loopbackInterface(t *testing.T) *net.Interface {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("no interfaces available: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			return &iface
		}
	}
	t.Skip("no multicast-capable interface available")
	return nil
}

func TestMulticastJoinIPv4(t *testing.T) {
	iface := loopbackInterface(t)

	s, err := Bind(URL{Scheme: SchemeUDP, Node: "0.0.0.0", Service: "0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer s.Close()

	group := net.ParseIP("239.10.10.10")
	if err := s.MulticastJoin(group, iface, []*net.Interface{iface}, true, 1); err != nil {
		t.Fatalf("MulticastJoin: %v", err)
	}
	if err := s.MulticastLeave(group, []*net.Interface{iface}); err != nil {
		t.Fatalf("MulticastLeave: %v", err)
	}
}
