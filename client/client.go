package client

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

// Direction mirrors device.Direction without importing the server's
// hardware-driver boundary package: the client only ever speaks the wire
// ints, never a device.Driver.
type Direction int32

const (
	DirectionRX Direction = 0
	DirectionTX Direction = 1
)

// connectTimeout bounds the initial TCP dial. Per-call round trips hand
// opts.Timeout (spec.md §6's remote:timeout) to the Unpacker, which does
// not enforce it: a reply is awaited with no deadline.
const connectTimeout = 5 * time.Second

// defaultCallTimeout is used when remote:timeout was not given.
const defaultCallTimeout = 5 * time.Second

// options carries the client-side-only subset of spec.md §6's key-value
// configuration table: the knobs that shape how this Device talks to the
// server rather than which driver the server should open.
type options struct {
	Timeout  time.Duration
	IPVer    int
	Protocol string
	Format   string
	Scale    float64
	MTU      int
	Window   int
	Priority float64
}

// splitArgs separates spec.md §6's key-value config table into the args
// forwarded to the server's MAKE call, the client-local stream/timeout
// options, and the server URL. remote:driver/remote:type are propagated
// to the server stripped of their remote: prefix (these are find-result
// fields identifying which driver to open), replacing any plain
// driver/type key; every other remote:* key is consumed locally and never
// forwarded.
func splitArgs(args wire.Kwargs) (driverArgs wire.Kwargs, opts options, serverURL string) {
	m := map[string]string{}
	fromRemote := map[string]string{}
	for i, k := range args.Keys {
		v := args.Values[i]
		switch k {
		case "remote":
			serverURL = v
		case "remote:driver":
			fromRemote["driver"] = v
		case "remote:type":
			fromRemote["type"] = v
		case "remote:timeout":
			if us, err := strconv.Atoi(v); err == nil {
				opts.Timeout = time.Duration(us) * time.Microsecond
			}
		case "remote:ipver":
			opts.IPVer, _ = strconv.Atoi(v)
		case "remote:prot":
			opts.Protocol = v
		case "remote:format":
			opts.Format = v
		case "remote:scale":
			opts.Scale, _ = strconv.ParseFloat(v, 64)
		case "remote:mtu":
			opts.MTU, _ = strconv.Atoi(v)
		case "remote:window":
			opts.Window, _ = strconv.Atoi(v)
		case "remote:priority":
			opts.Priority, _ = strconv.ParseFloat(v, 64)
		default:
			if strings.HasPrefix(k, "remote:") {
				continue // unrecognized client-local knob, not a driver arg
			}
			m[k] = v
		}
	}
	for k, v := range fromRemote {
		m[k] = v
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultCallTimeout
	}
	return wire.NewKwargs(m), opts, serverURL
}

// Device is one open SoapyRemote device handle: a control connection plus
// the mutex serialising every round trip across it, per spec.md §5's
// "one mutex per device handle" rule.
type Device struct {
	mu            sync.Mutex
	conn          *sock.Socket
	host          string
	remoteVersion uint32
	closed        bool

	opts options

	streamMu  sync.Mutex
	streams   map[int32]*Stream
	streamSeq int32
}

// Open parses spec.md §6's key-value config table out of args, dials the
// server named by the required "remote" key, and issues MAKE with the
// remaining driver-identifying args.
func Open(args wire.Kwargs) (*Device, error) {
	driverArgs, opts, serverURL := splitArgs(args)
	if serverURL == "" {
		return nil, fmt.Errorf("client: args missing required \"remote\" key")
	}
	u, err := sock.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse remote url %q: %w", serverURL, err)
	}
	if u.Service == "" {
		u.Service = strconv.Itoa(55132)
	}
	conn, err := sock.ConnectTimeout(u, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", serverURL, err)
	}

	d := &Device{
		conn:    conn,
		host:    u.Node,
		opts:    opts,
		streams: make(map[int32]*Stream),
	}
	err = d.roundTrip(wire.CallMake, func(pk *wire.Packer) {
		pk.PutKwargs(driverArgs)
	}, func(up *wire.Unpacker) error {
		_, err := up.GetInt32() // server-side device handle, not needed client-side
		return err
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Find issues a FIND call on a short-lived connection, the discovery-less
// counterpart to SSDP/mDNS browsing for a server whose address is already
// known.
func Find(serverURL string, args wire.Kwargs) ([]wire.Kwargs, error) {
	u, err := sock.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse remote url %q: %w", serverURL, err)
	}
	if u.Service == "" {
		u.Service = strconv.Itoa(55132)
	}
	conn, err := sock.ConnectTimeout(u, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", serverURL, err)
	}
	defer conn.Close()

	pk := wire.NewPacker(wire.EncodeVersion(wire.ProtocolVersion))
	pk.PutCall(wire.CallFind)
	pk.PutKwargs(args)
	if err := pk.Send(sockIO{s: conn}); err != nil {
		return nil, fmt.Errorf("client: send FIND: %w", err)
	}
	up := wire.NewUnpacker(sockIO{s: conn}, true, defaultCallTimeout)
	if err := up.Recv(); err != nil {
		return nil, wrapReplyErr(err)
	}
	return up.GetKwargsList()
}

// roundTrip is the mutex-guarded round trip every public method funnels
// through: pack CALL+args, send, unpack the typed reply. A transport or
// protocol error marks the device unusable for every call after it, per
// spec.md §7.
func (d *Device) roundTrip(call wire.Call, build func(*wire.Packer), read func(*wire.Unpacker) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	pk := wire.NewPacker(d.remoteVersion)
	pk.PutCall(call)
	if build != nil {
		build(pk)
	}
	if err := pk.Send(sockIO{s: d.conn}); err != nil {
		d.closed = true
		return fmt.Errorf("client: send %v: %w", call, err)
	}
	up := wire.NewUnpacker(sockIO{s: d.conn}, true, d.opts.Timeout)
	if err := up.Recv(); err != nil {
		if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.KindRemote {
			d.closed = true
		}
		return wrapReplyErr(err)
	}
	d.remoteVersion = up.RemoteVersion()
	if read != nil {
		if err := read(up); err != nil {
			if werr, ok := err.(*wire.Error); ok && (werr.Kind == wire.KindTransport || werr.Kind == wire.KindProtocol) {
				d.closed = true
			}
			return err
		}
	}
	return nil
}

// rawFrame is used only by the TCP stream-setup path, which must read two
// out-of-band INT32 frames (the server's data and status ports) ahead of
// the call's own reply frame. It does not go through roundTrip because it
// is not a request/reply pair by itself.
func (d *Device) rawFrame() *wire.Unpacker {
	return wire.NewUnpacker(sockIO{s: d.conn}, true, d.opts.Timeout)
}

func (d *Device) callVoid(call wire.Call, build func(*wire.Packer)) error {
	return d.roundTrip(call, build, func(up *wire.Unpacker) error { return up.GetVoid() })
}

func (d *Device) callString(call wire.Call, build func(*wire.Packer)) (string, error) {
	var s string
	err := d.roundTrip(call, build, func(up *wire.Unpacker) error {
		v, err := up.GetString()
		s = v
		return err
	})
	return s, err
}

func (d *Device) callStringList(call wire.Call, build func(*wire.Packer)) ([]string, error) {
	var s []string
	err := d.roundTrip(call, build, func(up *wire.Unpacker) error {
		v, err := up.GetStringList()
		s = v
		return err
	})
	return s, err
}

func (d *Device) callFloat64(call wire.Call, build func(*wire.Packer)) (float64, error) {
	var f float64
	err := d.roundTrip(call, build, func(up *wire.Unpacker) error {
		v, err := up.GetFloat64()
		f = v
		return err
	})
	return f, err
}

func (d *Device) callInt32(call wire.Call, build func(*wire.Packer)) (int32, error) {
	var n int32
	err := d.roundTrip(call, build, func(up *wire.Unpacker) error {
		v, err := up.GetInt32()
		n = v
		return err
	})
	return n, err
}

func (d *Device) callInt64(call wire.Call, build func(*wire.Packer)) (int64, error) {
	var n int64
	err := d.roundTrip(call, build, func(up *wire.Unpacker) error {
		v, err := up.GetInt64()
		n = v
		return err
	})
	return n, err
}

func (d *Device) callRange(call wire.Call, build func(*wire.Packer)) (wire.Range, error) {
	var r wire.Range
	err := d.roundTrip(call, build, func(up *wire.Unpacker) error {
		v, err := up.GetRange()
		r = v
		return err
	})
	return r, err
}

func (d *Device) callRangeList(call wire.Call, build func(*wire.Packer)) ([]wire.Range, error) {
	var r []wire.Range
	err := d.roundTrip(call, build, func(up *wire.Unpacker) error {
		v, err := up.GetRangeList()
		r = v
		return err
	})
	return r, err
}

// --- device identity and hardware info ---

func (d *Device) DriverKey() (string, error) {
	return d.callString(wire.CallGetDriverKey, nil)
}

func (d *Device) HardwareKey() (string, error) {
	return d.callString(wire.CallGetHardwareKey, nil)
}

func (d *Device) HardwareInfo() (wire.Kwargs, error) {
	var kw wire.Kwargs
	err := d.roundTrip(wire.CallGetHardwareInfo, nil, func(up *wire.Unpacker) error {
		v, err := up.GetKwargs()
		kw = v
		return err
	})
	return kw, err
}

// GetServerID returns the remote process's discovery UUID, the identity
// a log-forwarding subscription is keyed by.
func (d *Device) GetServerID() (string, error) {
	return d.callString(wire.CallGetServerID, nil)
}

// bindNode picks the local bind address family for stream data/status
// sockets: remote:ipver overrides when set (spec.md §6), otherwise it
// follows the control connection's own host family.
func (d *Device) bindNode() string {
	switch d.opts.IPVer {
	case 4:
		return "0.0.0.0"
	case 6:
		return "::"
	default:
		return bindNodeFor(d.host)
	}
}

// Close tears down every still-open stream, issues UNMAKE, and closes the
// control connection.
func (d *Device) Close() error {
	d.streamMu.Lock()
	streams := make([]*Stream, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s)
	}
	d.streamMu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}

	err := d.callVoid(wire.CallUnmake, nil)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if cerr := d.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// --- channels ---

func (d *Device) NumChannels(dir Direction) (int32, error) {
	return d.callInt32(wire.CallGetNumChannels, func(pk *wire.Packer) { pk.PutInt32(int32(dir)) })
}

func (d *Device) ChannelInfo(dir Direction, channel int) (wire.Kwargs, error) {
	var kw wire.Kwargs
	err := d.roundTrip(wire.CallGetChannelInfo, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	}, func(up *wire.Unpacker) error {
		v, err := up.GetKwargs()
		kw = v
		return err
	})
	return kw, err
}

// --- antennas ---

func (d *Device) ListAntennas(dir Direction, channel int) ([]string, error) {
	return d.callStringList(wire.CallListAntennas, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

func (d *Device) SetAntenna(dir Direction, channel int, name string) error {
	return d.callVoid(wire.CallSetAntenna, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
		pk.PutString(name)
	})
}

func (d *Device) GetAntenna(dir Direction, channel int) (string, error) {
	return d.callString(wire.CallGetAntenna, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

// --- gains ---

func (d *Device) ListGains(dir Direction, channel int) ([]string, error) {
	return d.callStringList(wire.CallListGains, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

func (d *Device) SetGain(dir Direction, channel int, name string, value float64) error {
	return d.callVoid(wire.CallSetGain, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
		pk.PutString(name)
		pk.PutFloat64(value)
	})
}

func (d *Device) GetGain(dir Direction, channel int, name string) (float64, error) {
	return d.callFloat64(wire.CallGetGain, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
		pk.PutString(name)
	})
}

func (d *Device) GetGainRange(dir Direction, channel int, name string) (wire.Range, error) {
	return d.callRange(wire.CallGetGainRange, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
		pk.PutString(name)
	})
}

// --- frequency ---

func (d *Device) SetFrequency(dir Direction, channel int, value float64, args wire.Kwargs) error {
	return d.callVoid(wire.CallSetFrequency, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
		pk.PutFloat64(value)
		pk.PutKwargs(args)
	})
}

func (d *Device) GetFrequency(dir Direction, channel int) (float64, error) {
	return d.callFloat64(wire.CallGetFrequency, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

func (d *Device) ListFrequencies(dir Direction, channel int) ([]wire.Range, error) {
	return d.callRangeList(wire.CallListFrequencies, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

// --- sample rate / bandwidth / master clock ---

func (d *Device) SetSampleRate(dir Direction, channel int, rate float64) error {
	return d.callVoid(wire.CallSetSampleRate, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
		pk.PutFloat64(rate)
	})
}

func (d *Device) GetSampleRate(dir Direction, channel int) (float64, error) {
	return d.callFloat64(wire.CallGetSampleRate, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

func (d *Device) ListSampleRates(dir Direction, channel int) ([]wire.Range, error) {
	return d.callRangeList(wire.CallListSampleRates, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

func (d *Device) SetBandwidth(dir Direction, channel int, bw float64) error {
	return d.callVoid(wire.CallSetBandwidth, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
		pk.PutFloat64(bw)
	})
}

func (d *Device) GetBandwidth(dir Direction, channel int) (float64, error) {
	return d.callFloat64(wire.CallGetBandwidth, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

func (d *Device) ListBandwidths(dir Direction, channel int) ([]wire.Range, error) {
	return d.callRangeList(wire.CallListBandwidths, func(pk *wire.Packer) {
		pk.PutInt32(int32(dir))
		pk.PutInt32(int32(channel))
	})
}

func (d *Device) SetMasterClockRate(rate float64) error {
	return d.callVoid(wire.CallSetMasterClockRate, func(pk *wire.Packer) { pk.PutFloat64(rate) })
}

func (d *Device) GetMasterClockRate() (float64, error) {
	return d.callFloat64(wire.CallGetMasterClockRate, nil)
}

// --- hardware time ---

func (d *Device) SetHardwareTime(timeNs int64, what string) error {
	return d.callVoid(wire.CallSetHardwareTime, func(pk *wire.Packer) {
		pk.PutInt64(timeNs)
		pk.PutString(what)
	})
}

func (d *Device) GetHardwareTime(what string) (int64, error) {
	return d.callInt64(wire.CallGetHardwareTime, func(pk *wire.Packer) { pk.PutString(what) })
}

// --- sensors ---

func (d *Device) ListSensors() ([]string, error) {
	return d.callStringList(wire.CallListSensors, nil)
}

func (d *Device) ReadSensor(name string) (string, error) {
	return d.callString(wire.CallReadSensor, func(pk *wire.Packer) { pk.PutString(name) })
}

// --- registers, settings, GPIO ---

func (d *Device) ReadRegister(what string, addr uint32) (uint32, error) {
	var v int32
	err := d.roundTrip(wire.CallReadRegister, func(pk *wire.Packer) {
		pk.PutString(what)
		pk.PutInt32(int32(addr))
	}, func(up *wire.Unpacker) error {
		n, err := up.GetInt32()
		v = n
		return err
	})
	return uint32(v), err
}

func (d *Device) WriteRegister(what string, addr, value uint32) error {
	return d.callVoid(wire.CallWriteRegister, func(pk *wire.Packer) {
		pk.PutString(what)
		pk.PutInt32(int32(addr))
		pk.PutInt32(int32(value))
	})
}

func (d *Device) ReadSetting(key string) (string, error) {
	return d.callString(wire.CallReadSetting, func(pk *wire.Packer) { pk.PutString(key) })
}

func (d *Device) WriteSetting(key, value string) error {
	return d.callVoid(wire.CallWriteSetting, func(pk *wire.Packer) {
		pk.PutString(key)
		pk.PutString(value)
	})
}

func (d *Device) WriteGPIO(bank string, value, mask uint32) error {
	return d.callVoid(wire.CallWriteGPIO, func(pk *wire.Packer) {
		pk.PutString(bank)
		pk.PutInt32(int32(value))
		pk.PutInt32(int32(mask))
	})
}

func (d *Device) ReadGPIO(bank string) (uint32, error) {
	v, err := d.callInt32(wire.CallReadGPIO, func(pk *wire.Packer) { pk.PutString(bank) })
	return uint32(v), err
}

func (d *Device) WriteI2C(addr int, data []byte) error {
	return d.callVoid(wire.CallWriteI2C, func(pk *wire.Packer) {
		pk.PutInt32(int32(addr))
		pk.PutString(string(data))
	})
}

func (d *Device) ReadI2C(addr int, numBytes int) ([]byte, error) {
	s, err := d.callString(wire.CallReadI2C, func(pk *wire.Packer) {
		pk.PutInt32(int32(addr))
		pk.PutInt32(int32(numBytes))
	})
	return []byte(s), err
}

func (d *Device) TransactSPI(addr int, data uint32, numBits int) (uint32, error) {
	v, err := d.callInt32(wire.CallTransactSPI, func(pk *wire.Packer) {
		pk.PutInt32(int32(addr))
		pk.PutInt32(int32(data))
		pk.PutInt32(int32(numBits))
	})
	return uint32(v), err
}

func (d *Device) WriteUART(which string, data string) error {
	return d.callVoid(wire.CallWriteUART, func(pk *wire.Packer) {
		pk.PutString(which)
		pk.PutString(data)
	})
}

func (d *Device) ReadUART(which string, timeoutUs int) (string, error) {
	return d.callString(wire.CallReadUART, func(pk *wire.Packer) {
		pk.PutString(which)
		pk.PutInt32(int32(timeoutUs))
	})
}

// --- stream MTU ---

// GetStreamMTU returns (serverBufSize, driverDefault), mirroring the two
// INT32s the server's GET_STREAM_MTU dispatch case replies with.
func (d *Device) GetStreamMTU() (int32, int32, error) {
	var bufSize, hwDefault int32
	err := d.roundTrip(wire.CallGetStreamMTU, nil, func(up *wire.Unpacker) error {
		var err error
		if bufSize, err = up.GetInt32(); err != nil {
			return err
		}
		hwDefault, err = up.GetInt32()
		return err
	})
	return bufSize, hwDefault, err
}
