package device

import (
	"fmt"
	"sync"

	"github.com/pothosware/soapyremote-go/internal/wire"
)

// Null is a Driver backend with no hardware behind it: gains and
// frequencies are stored and read back, stream reads return zeroed
// samples and stream writes are discarded. It exists so the server and
// its tests have a concrete Driver to dispatch against without a real
// radio attached.
type Null struct {
	mu sync.Mutex

	driverKey, hardwareKey string
	numChannels            [2]int

	antenna   map[string]string
	gains     map[string]float64
	frequency map[string]float64
	sampleRate map[string]float64
	bandwidth map[string]float64
	clockRate float64
	settings  map[string]string
	registers map[string]uint32
	gpio      map[string]uint32

	streams map[int]*nullStream
	nextID  int
}

type nullStream struct {
	dir      Direction
	format   string
	channels []int
	active   bool
}

// NewNull constructs a Null driver. args is accepted (and ignored beyond
// an optional "label" key) to match the Factory signature Registry.Make
// expects.
func NewNull(args wire.Kwargs) (Driver, error) {
	label, _ := args.Get("label")
	hwKey := "null"
	if label != "" {
		hwKey = "null:" + label
	}
	return &Null{
		driverKey:  "null",
		hardwareKey: hwKey,
		numChannels: [2]int{1, 1},
		antenna:    map[string]string{"RX0": "RX", "TX0": "TX"},
		gains:      map[string]float64{},
		frequency:  map[string]float64{},
		sampleRate: map[string]float64{},
		bandwidth:  map[string]float64{},
		clockRate:  40e6,
		settings:   map[string]string{},
		registers:  map[string]uint32{},
		gpio:       map[string]uint32{},
		streams:    make(map[int]*nullStream),
	}, nil
}

func chanKey(dir Direction, channel int) string {
	return fmt.Sprintf("%d:%d", dir, channel)
}

func (n *Null) DriverKey() string   { return n.driverKey }
func (n *Null) HardwareKey() string { return n.hardwareKey }
func (n *Null) HardwareInfo() wire.Kwargs {
	return wire.NewKwargs(map[string]string{"origin": "internal/device.Null"})
}

func (n *Null) NumChannels(dir Direction) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.numChannels[dir]
}

func (n *Null) ChannelInfo(dir Direction, channel int) wire.Kwargs {
	return wire.NewKwargs(map[string]string{"channel": fmt.Sprintf("%d", channel)})
}

func (n *Null) ListAntennas(dir Direction, channel int) []string {
	if dir == DirectionTX {
		return []string{"TX"}
	}
	return []string{"RX"}
}

func (n *Null) SetAntenna(dir Direction, channel int, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.antenna[chanKey(dir, channel)] = name
	return nil
}

func (n *Null) GetAntenna(dir Direction, channel int) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dir == DirectionTX {
		return n.antenna["TX0"]
	}
	return n.antenna["RX0"]
}

func (n *Null) ListGains(dir Direction, channel int) []string { return []string{"BB"} }

func (n *Null) SetGain(dir Direction, channel int, name string, value float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gains[chanKey(dir, channel)+":"+name] = value
	return nil
}

func (n *Null) GetGain(dir Direction, channel int, name string) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gains[chanKey(dir, channel)+":"+name]
}

func (n *Null) GetGainRange(dir Direction, channel int, name string) Range {
	return Range{Min: 0, Max: 30, Step: 1}
}

func (n *Null) SetFrequency(dir Direction, channel int, value float64, args wire.Kwargs) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frequency[chanKey(dir, channel)] = value
	return nil
}

func (n *Null) GetFrequency(dir Direction, channel int) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frequency[chanKey(dir, channel)]
}

func (n *Null) ListFrequencies(dir Direction, channel int) []Range {
	return []Range{{Min: 0, Max: 6e9}}
}

func (n *Null) SetSampleRate(dir Direction, channel int, value float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sampleRate[chanKey(dir, channel)] = value
	return nil
}

func (n *Null) GetSampleRate(dir Direction, channel int) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sampleRate[chanKey(dir, channel)]
}

func (n *Null) ListSampleRates(dir Direction, channel int) []Range {
	return []Range{{Min: 0, Max: 61.44e6}}
}

func (n *Null) SetBandwidth(dir Direction, channel int, value float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bandwidth[chanKey(dir, channel)] = value
	return nil
}

func (n *Null) GetBandwidth(dir Direction, channel int) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bandwidth[chanKey(dir, channel)]
}

func (n *Null) ListBandwidths(dir Direction, channel int) []Range {
	return []Range{{Min: 0, Max: 56e6}}
}

func (n *Null) SetMasterClockRate(value float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clockRate = value
	return nil
}

func (n *Null) GetMasterClockRate() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clockRate
}

func (n *Null) SetHardwareTime(timeNs int64, what string) error { return nil }
func (n *Null) GetHardwareTime(what string) int64               { return 0 }

func (n *Null) ListSensors() []string       { return nil }
func (n *Null) ReadSensor(name string) string { return "" }

func (n *Null) ReadRegister(what string, addr uint32) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registers[fmt.Sprintf("%s:%d", what, addr)]
}

func (n *Null) WriteRegister(what string, addr, value uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registers[fmt.Sprintf("%s:%d", what, addr)] = value
	return nil
}

func (n *Null) ReadSetting(key string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.settings[key]
}

func (n *Null) WriteSetting(key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settings[key] = value
	return nil
}

func (n *Null) WriteGPIO(bank string, value, mask uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gpio[bank] = (n.gpio[bank] &^ mask) | (value & mask)
	return nil
}

func (n *Null) ReadGPIO(bank string) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gpio[bank]
}

func (n *Null) WriteI2C(addr int, data []byte) error { return nil }
func (n *Null) ReadI2C(addr int, numBytes int) []byte { return make([]byte, numBytes) }

func (n *Null) TransactSPI(addr int, data uint32, numBits int) uint32 { return data }

func (n *Null) WriteUART(which string, data string) error     { return nil }
func (n *Null) ReadUART(which string, timeoutUs int) string { return "" }

func (n *Null) GetStreamMTU() (bufferSize int, hardwareDefault int) { return 4096, 4096 }

func (n *Null) SetupStream(dir Direction, format string, channels []int, args wire.Kwargs) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.streams[id] = &nullStream{dir: dir, format: format, channels: channels}
	return id, nil
}

func (n *Null) CloseStream(streamID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.streams[streamID]; !ok {
		return fmt.Errorf("device: null: close unknown stream %d", streamID)
	}
	delete(n.streams, streamID)
	return nil
}

func (n *Null) ActivateStream(streamID int, flags int32, timeNs int64, numElems int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.streams[streamID]
	if !ok {
		return fmt.Errorf("device: null: activate unknown stream %d", streamID)
	}
	s.active = true
	return nil
}

func (n *Null) DeactivateStream(streamID int, flags int32, timeNs int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.streams[streamID]
	if !ok {
		return fmt.Errorf("device: null: deactivate unknown stream %d", streamID)
	}
	s.active = false
	return nil
}

// ReadStream fills buffs with zeroed samples (silence) up to numElems per
// channel — a null source, not a recorded signal generator.
func (n *Null) ReadStream(streamID int, buffs [][]byte, numElems int, timeoutUs int) (int, int32, int64, error) {
	n.mu.Lock()
	s, ok := n.streams[streamID]
	n.mu.Unlock()
	if !ok {
		return 0, 0, 0, fmt.Errorf("device: null: read unknown stream %d", streamID)
	}
	if !s.active {
		return 0, 0, 0, fmt.Errorf("device: null: stream %d not active", streamID)
	}
	for _, b := range buffs {
		for i := range b {
			b[i] = 0
		}
	}
	return numElems, 0, 0, nil
}

// WriteStream discards the samples handed to it, reporting them all
// accepted — a null sink.
func (n *Null) WriteStream(streamID int, buffs [][]byte, numElems int, flags int32, timeNs int64, timeoutUs int) (int, error) {
	n.mu.Lock()
	s, ok := n.streams[streamID]
	n.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("device: null: write unknown stream %d", streamID)
	}
	if !s.active {
		return 0, fmt.Errorf("device: null: stream %d not active", streamID)
	}
	return numElems, nil
}

func (n *Null) ReadStreamStatus(streamID int, timeoutUs int) (uint32, int32, int64, error) {
	n.mu.Lock()
	_, ok := n.streams[streamID]
	n.mu.Unlock()
	if !ok {
		return 0, 0, 0, fmt.Errorf("device: null: status unknown stream %d", streamID)
	}
	return 0, 0, 0, nil
}
