package discovery

import (
	"testing"
	"time"
)

type fakeSource struct{ reg *Registry }

func (f fakeSource) Registry() *Registry { return f.reg }

func TestAggregatePrefersRequestedIPVersion(t *testing.T) {
	ssdp := NewRegistry()
	ssdp.Put("uuid-1", 4, "tcp://10.0.0.1:1234", time.Minute)
	ssdp.Put("uuid-1", 6, "tcp://[fe80::1]:1234", time.Minute)

	out := Aggregate(6, fakeSource{ssdp})
	if out["uuid-1"] != "tcp://[fe80::1]:1234" {
		t.Fatalf("expected ipv6 entry preferred, got %q", out["uuid-1"])
	}
}

func TestAggregateFallsBackToOtherIPVersion(t *testing.T) {
	ssdp := NewRegistry()
	ssdp.Put("uuid-1", 4, "tcp://10.0.0.1:1234", time.Minute)

	out := Aggregate(6, fakeSource{ssdp})
	if out["uuid-1"] != "tcp://10.0.0.1:1234" {
		t.Fatalf("expected ipv4 fallback, got %q", out["uuid-1"])
	}
}

func TestAggregateDropsNewerDuplicateUUID(t *testing.T) {
	ssdp := NewRegistry()
	mdns := NewRegistry()

	ssdp.Put("uuid-old", 4, "tcp://10.0.0.1:1234", time.Minute)
	mdns.Put("uuid-new", 4, "tcp://10.0.0.1:1234", time.Minute) // same (ipVer,url), different uuid

	out := Aggregate(4, fakeSource{ssdp}, fakeSource{mdns})
	if _, ok := out["uuid-new"]; ok {
		t.Fatal("expected the later-seen duplicate uuid to be dropped")
	}
	if out["uuid-old"] != "tcp://10.0.0.1:1234" {
		t.Fatalf("expected uuid-old to own the entry, got %q", out["uuid-old"])
	}
}

func TestAggregateMergesAcrossBackends(t *testing.T) {
	ssdp := NewRegistry()
	mdns := NewRegistry()
	ssdp.Put("uuid-1", 4, "tcp://10.0.0.1:1234", time.Minute)
	mdns.Put("uuid-2", 4, "tcp://10.0.0.2:1234", time.Minute)

	out := Aggregate(4, fakeSource{ssdp}, fakeSource{mdns})
	if len(out) != 2 {
		t.Fatalf("expected 2 merged entries, got %d: %+v", len(out), out)
	}
}
