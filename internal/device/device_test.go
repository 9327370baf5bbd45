package device

import (
	"testing"

	"github.com/pothosware/soapyremote-go/internal/wire"
)

func TestNullGainAndFrequencyRoundTrip(t *testing.T) {
	drv, err := NewNull(wire.Kwargs{})
	if err != nil {
		t.Fatalf("NewNull: %v", err)
	}
	if err := drv.SetGain(DirectionRX, 0, "BB", 12.5); err != nil {
		t.Fatalf("SetGain: %v", err)
	}
	if got := drv.GetGain(DirectionRX, 0, "BB"); got != 12.5 {
		t.Fatalf("GetGain = %v, want 12.5", got)
	}
	if err := drv.SetFrequency(DirectionRX, 0, 100e6, wire.Kwargs{}); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
	if got := drv.GetFrequency(DirectionRX, 0); got != 100e6 {
		t.Fatalf("GetFrequency = %v, want 100e6", got)
	}
}

func TestNullStreamLifecycleRejectsUnknownHandles(t *testing.T) {
	drv, _ := NewNull(wire.Kwargs{})
	id, err := drv.SetupStream(DirectionRX, "CF32", []int{0}, wire.Kwargs{})
	if err != nil {
		t.Fatalf("SetupStream: %v", err)
	}

	if _, _, _, err := drv.ReadStream(id, [][]byte{make([]byte, 32)}, 4, 100000); err == nil {
		t.Fatal("expected ReadStream on an inactive stream to fail")
	}

	if err := drv.ActivateStream(id, 0, 0, 0); err != nil {
		t.Fatalf("ActivateStream: %v", err)
	}
	n, _, _, err := drv.ReadStream(id, [][]byte{make([]byte, 32)}, 4, 100000)
	if err != nil || n != 4 {
		t.Fatalf("ReadStream = (%d, %v), want (4, nil)", n, err)
	}

	if err := drv.CloseStream(id); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	if err := drv.CloseStream(id); err == nil {
		t.Fatal("expected double CloseStream to fail")
	}
}

func TestRegistryMakeUnmakeAndFind(t *testing.T) {
	reg := NewRegistry()
	reg.Register("null", NewNull)

	found := reg.Find(wire.NewKwargs(map[string]string{"driver": "null"}))
	if len(found) != 1 {
		t.Fatalf("Find = %v, want one match", found)
	}

	handle, drv, err := reg.Make(wire.NewKwargs(map[string]string{"driver": "null"}))
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if drv.DriverKey() != "null" {
		t.Fatalf("DriverKey = %q", drv.DriverKey())
	}
	if _, ok := reg.Lookup(handle); !ok {
		t.Fatal("expected handle to be present after Make")
	}

	if err := reg.Unmake(handle); err != nil {
		t.Fatalf("Unmake: %v", err)
	}
	if _, ok := reg.Lookup(handle); ok {
		t.Fatal("expected handle to be gone after Unmake")
	}
	if err := reg.Unmake(handle); err == nil {
		t.Fatal("expected double Unmake to fail")
	}
}

func TestRegistryMakeUnknownDriverFails(t *testing.T) {
	reg := NewRegistry()
	if _, _, err := reg.Make(wire.NewKwargs(map[string]string{"driver": "nonexistent"})); err == nil {
		t.Fatal("expected Make with unregistered driver key to fail")
	}
	if _, _, err := reg.Make(wire.Kwargs{}); err == nil {
		t.Fatal("expected Make with no driver key to fail")
	}
}
