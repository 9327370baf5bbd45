// Package device models the hardware driver API the server bridges RPC
// calls onto. spec.md treats the actual SDR hardware driver as out of
// scope; this package gives that boundary a concrete Go shape — an
// interface any real driver backend implements, a process-wide factory
// registry guarding make/unmake, and a Null driver usable in tests and as
// a default when no real hardware is registered.
package device

import (
	"fmt"
	"sync"

	"github.com/pothosware/soapyremote-go/internal/wire"
)

// Range is re-exported from wire for driver method signatures that
// report tunable ranges (gain, frequency, sample rate, bandwidth).
type Range = wire.Range

// ArgInfo is re-exported from wire for driver methods that describe
// settings/arguments.
type ArgInfo = wire.ArgInfo

// Direction selects RX or TX for per-direction driver queries.
type Direction int

const (
	DirectionRX Direction = iota
	DirectionTX
)

// Driver is the hardware device API a server handler bridges the RPC
// surface onto — one instance per opened device, guarded by the caller
// (server/client packages serialize access per stream/session as
// spec.md's concurrency model requires).
type Driver interface {
	DriverKey() string
	HardwareKey() string
	HardwareInfo() wire.Kwargs

	NumChannels(dir Direction) int
	ChannelInfo(dir Direction, channel int) wire.Kwargs

	ListAntennas(dir Direction, channel int) []string
	SetAntenna(dir Direction, channel int, name string) error
	GetAntenna(dir Direction, channel int) string

	ListGains(dir Direction, channel int) []string
	SetGain(dir Direction, channel int, name string, value float64) error
	GetGain(dir Direction, channel int, name string) float64
	GetGainRange(dir Direction, channel int, name string) Range

	SetFrequency(dir Direction, channel int, value float64, args wire.Kwargs) error
	GetFrequency(dir Direction, channel int) float64
	ListFrequencies(dir Direction, channel int) []Range

	SetSampleRate(dir Direction, channel int, value float64) error
	GetSampleRate(dir Direction, channel int) float64
	ListSampleRates(dir Direction, channel int) []Range

	SetBandwidth(dir Direction, channel int, value float64) error
	GetBandwidth(dir Direction, channel int) float64
	ListBandwidths(dir Direction, channel int) []Range

	SetMasterClockRate(value float64) error
	GetMasterClockRate() float64

	SetHardwareTime(timeNs int64, what string) error
	GetHardwareTime(what string) int64

	ListSensors() []string
	ReadSensor(name string) string

	ReadRegister(what string, addr uint32) uint32
	WriteRegister(what string, addr, value uint32) error

	ReadSetting(key string) string
	WriteSetting(key, value string) error

	WriteGPIO(bank string, value, mask uint32) error
	ReadGPIO(bank string) uint32

	WriteI2C(addr int, data []byte) error
	ReadI2C(addr int, numBytes int) []byte

	TransactSPI(addr int, data uint32, numBits int) uint32

	WriteUART(which string, data string) error
	ReadUART(which string, timeoutUs int) string

	// GetStreamMTU reports the endpoint buffer size the driver prefers,
	// falling back to a hardware default if the driver has no opinion —
	// spec.md's REDESIGN FLAGS note the original's getStreamMTU had an
	// unreachable fallback return; here both paths are reachable and the
	// caller picks the buffer-size result whenever it is positive.
	GetStreamMTU() (bufferSize int, hardwareDefault int)

	Stream
}

// Stream is the per-direction sample-transfer half of Driver: setup,
// activate/deactivate, read/write, status, close. A Driver backend may
// support more than one concurrently open stream; SetupStream returns an
// opaque handle distinguishing them.
type Stream interface {
	SetupStream(dir Direction, format string, channels []int, args wire.Kwargs) (streamID int, err error)
	CloseStream(streamID int) error
	ActivateStream(streamID int, flags int32, timeNs int64, numElems int) error
	DeactivateStream(streamID int, flags int32, timeNs int64) error

	// ReadStream blocks up to timeoutUs microseconds for up to numElems
	// samples per channel into buffs; returns elements read (or a
	// negative driver error code), output flags, and a timestamp.
	ReadStream(streamID int, buffs [][]byte, numElems int, timeoutUs int) (n int, flags int32, timeNs int64, err error)
	WriteStream(streamID int, buffs [][]byte, numElems int, flags int32, timeNs int64, timeoutUs int) (n int, err error)
	ReadStreamStatus(streamID int, timeoutUs int) (chanMask uint32, flags int32, timeNs int64, err error)
}

// Factory constructs a Driver from the args a MAKE call carries (device
// identification kwargs, e.g. `driver=rtlsdr,serial=...`).
type Factory func(args wire.Kwargs) (Driver, error)

// Registry is the process-wide device factory: Make/Unmake are guarded
// by one mutex because most hardware driver registries (the real
// SoapySDR one included) are not re-entrant.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	open      map[int]Driver
	nextID    int
}

// NewRegistry returns an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory), open: make(map[int]Driver)}
}

// Register associates a driver key (the `driver=` kwarg value) with a
// constructor. Call during process startup, before any MAKE call can
// arrive.
func (r *Registry) Register(driverKey string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[driverKey] = f
}

// Find enumerates candidate devices across every registered factory
// matching args — real backends would probe hardware here; this
// registry simply reports the registered driver keys since discovery
// beyond that is driver-specific and out of scope.
func (r *Registry) Find(args wire.Kwargs) []wire.Kwargs {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.Kwargs
	for key := range r.factories {
		if want, ok := args.Get("driver"); ok && want != key {
			continue
		}
		out = append(out, wire.NewKwargs(map[string]string{"driver": key}))
	}
	return out
}

// Make opens a new device, returning a handle to reference it by in
// later calls.
func (r *Registry) Make(args wire.Kwargs) (handle int, drv Driver, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := args.Get("driver")
	if !ok {
		return 0, nil, fmt.Errorf("device: make: missing \"driver\" argument")
	}
	factory, ok := r.factories[key]
	if !ok {
		return 0, nil, fmt.Errorf("device: make: unknown driver %q", key)
	}
	d, err := factory(args)
	if err != nil {
		return 0, nil, err
	}
	r.nextID++
	id := r.nextID
	r.open[id] = d
	return id, d, nil
}

// Lookup returns the driver behind handle, if currently open.
func (r *Registry) Lookup(handle int) (Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.open[handle]
	return d, ok
}

// Unmake closes a device handle. The caller is responsible for closing
// any streams still open on it first; server handlers auto-close and log
// a warning per spec.md's UNMAKE contract.
func (r *Registry) Unmake(handle int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[handle]; !ok {
		return fmt.Errorf("device: unmake: unknown handle %d", handle)
	}
	delete(r.open, handle)
	return nil
}
