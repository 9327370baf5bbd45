package server

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pothosware/soapyremote-go/internal/device"
	"github.com/pothosware/soapyremote-go/internal/logforward"
	"github.com/pothosware/soapyremote-go/internal/metrics"
	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

// connHandler is one instance per accepted control connection, per
// spec.md's server client handler contract: a loop of select_recv with a
// short timeout, then receive-one-frame-dispatch-reply.
type connHandler struct {
	conn          *sock.Socket
	remoteAddr    string
	remoteVersion uint32
	writeMu       sync.Mutex

	registry *device.Registry
	uuid     string
	logHub   *logforward.Hub
	metrics  *metrics.Metrics

	driver       device.Driver
	deviceHandle int
	haveDevice   bool

	streams   map[int]*streamSession
	streamSeq int

	logSubID      string
	logSubscribed bool
}

func newConnHandler(conn *sock.Socket, s *Server) *connHandler {
	peer, _ := conn.GetPeerName()
	return &connHandler{
		conn:       conn,
		remoteAddr: peer.String(),
		registry:   s.registry,
		uuid:       s.uuid,
		logHub:     s.logHub,
		metrics:    s.metrics,
		streams:    make(map[int]*streamSession),
		logSubID:   peer.String(),
	}
}

// serve runs the handler loop until the connection closes or a transport
// error occurs. It always cleans up any open device/streams/subscription.
func (h *connHandler) serve() {
	h.metrics.ConnectionOpened()
	defer func() {
		h.cleanup()
		h.metrics.ConnectionClosed()
	}()
	for {
		ready, err := h.conn.SelectRecv(pollTimeout)
		if err != nil {
			return
		}
		if !ready {
			continue
		}
		if err := h.handleOne(); err != nil {
			if err != io.EOF {
				log.Printf("server: %s: %v", h.remoteAddr, err)
			}
			return
		}
	}
}

func (h *connHandler) cleanup() {
	for id, s := range h.streams {
		_ = s.close(h.driver, h.metrics)
		delete(h.streams, id)
	}
	if h.logSubscribed {
		h.logHub.Unsubscribe(h.logSubID)
	}
	if h.haveDevice {
		log.Printf("server: %s: connection closed with device still open, auto-closing", h.remoteAddr)
		_ = h.registry.Unmake(h.deviceHandle)
		h.metrics.DeviceClosed()
	}
}

// connSender adapts a connHandler into logforward.Sender, broadcasting
// log events down the same control socket used for RPC replies, guarded
// by the same write mutex.
type connSender struct{ h *connHandler }

func (cs connSender) Send(level logforward.Level, message string) error {
	cs.h.writeMu.Lock()
	defer cs.h.writeMu.Unlock()
	pk := wire.NewPacker(cs.h.remoteVersion)
	pk.PutChar(byte(level))
	pk.PutString(message)
	return pk.Send(sockIO{s: cs.h.conn})
}

func (h *connHandler) send(pk *wire.Packer) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return pk.Send(sockIO{s: h.conn})
}

// handleOne receives exactly one RPC frame and replies exactly once,
// either with the dispatched result or an EXCEPTION frame.
func (h *connHandler) handleOne() error {
	up := wire.NewUnpacker(sockIO{s: h.conn}, true, 0)
	if err := up.Recv(); err != nil {
		return err
	}
	h.remoteVersion = up.RemoteVersion()
	call, err := up.GetCall()
	if err != nil {
		return err
	}

	start := time.Now()
	pk := wire.NewPacker(h.remoteVersion)
	callErr := h.dispatch(call, up, pk)
	h.metrics.RecordRPCCall(callName(call), time.Since(start), callErr != nil)

	if callErr != nil {
		errPk := wire.NewPacker(h.remoteVersion)
		errPk.PutException(callErr.Error())
		return h.send(errPk)
	}
	return h.send(pk)
}

func (h *connHandler) requireDriver() error {
	if !h.haveDevice {
		return fmt.Errorf("server: no device open on this connection")
	}
	return nil
}

func (h *connHandler) stream(id int32) (*streamSession, error) {
	s, ok := h.streams[int(id)]
	if !ok {
		return nil, fmt.Errorf("server: unknown stream id %d", id)
	}
	return s, nil
}

// dispatch translates one RPC call into a device/registry/stream
// operation and fills pk with the reply value(s) (or returns an error,
// which the caller turns into an EXCEPTION frame instead).
func (h *connHandler) dispatch(call wire.Call, up *wire.Unpacker, pk *wire.Packer) error {
	switch call {

	case wire.CallFind:
		args, err := up.GetKwargs()
		if err != nil {
			return err
		}
		pk.PutKwargsList(h.registry.Find(args))
		return nil

	case wire.CallMake:
		args, err := up.GetKwargs()
		if err != nil {
			return err
		}
		handle, drv, err := h.registry.Make(args)
		if err != nil {
			return err
		}
		h.driver, h.deviceHandle, h.haveDevice = drv, handle, true
		h.metrics.DeviceOpened()
		pk.PutInt32(int32(handle))
		return nil

	case wire.CallUnmake:
		if err := h.requireDriver(); err != nil {
			return err
		}
		for id, s := range h.streams {
			_ = s.close(h.driver, h.metrics)
			delete(h.streams, id)
		}
		if err := h.registry.Unmake(h.deviceHandle); err != nil {
			return err
		}
		h.haveDevice = false
		h.driver = nil
		h.metrics.DeviceClosed()
		pk.PutVoid()
		return nil

	case wire.CallHangup:
		pk.PutVoid()
		return nil

	case wire.CallGetServerID:
		pk.PutString(h.uuid)
		return nil

	case wire.CallStartLogForward:
		h.logHub.Subscribe(h.logSubID, connSender{h: h})
		h.logSubscribed = true
		h.metrics.SetLogForwardSubscribers(1)
		pk.PutVoid()
		return nil

	case wire.CallStopLogForward:
		h.logHub.Unsubscribe(h.logSubID)
		h.logSubscribed = false
		pk.PutVoid()
		return nil

	case wire.CallGetDriverKey:
		if err := h.requireDriver(); err != nil {
			return err
		}
		pk.PutString(h.driver.DriverKey())
		return nil

	case wire.CallGetHardwareKey:
		if err := h.requireDriver(); err != nil {
			return err
		}
		pk.PutString(h.driver.HardwareKey())
		return nil

	case wire.CallGetHardwareInfo:
		if err := h.requireDriver(); err != nil {
			return err
		}
		pk.PutKwargs(h.driver.HardwareInfo())
		return nil

	case wire.CallSetupStreamBypass:
		return h.dispatchSetupStreamBypass(up, pk)

	case wire.CallSetupStream:
		return h.dispatchSetupStream(up, pk)

	case wire.CallCloseStream:
		return h.dispatchCloseStream(up, pk)

	case wire.CallActivateStream:
		return h.dispatchActivateStream(up, pk)

	case wire.CallDeactivateStream:
		return h.dispatchDeactivateStream(up, pk)

	case wire.CallGetStreamMTU:
		if err := h.requireDriver(); err != nil {
			return err
		}
		bufSize, hwDefault := h.driver.GetStreamMTU()
		pk.PutInt32(int32(bufSize))
		pk.PutInt32(int32(hwDefault))
		return nil

	case wire.CallGetNumChannels:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, err := up.GetInt32()
		if err != nil {
			return err
		}
		pk.PutInt32(int32(h.driver.NumChannels(device.Direction(dir))))
		return nil

	case wire.CallGetChannelInfo:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutKwargs(h.driver.ChannelInfo(device.Direction(dir), channel))
		return nil

	case wire.CallListAntennas:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutStringList(h.driver.ListAntennas(device.Direction(dir), channel))
		return nil

	case wire.CallSetAntenna:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		name, err := up.GetString()
		if err != nil {
			return err
		}
		if err := h.driver.SetAntenna(device.Direction(dir), channel, name); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallGetAntenna:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutString(h.driver.GetAntenna(device.Direction(dir), channel))
		return nil

	case wire.CallListGains:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutStringList(h.driver.ListGains(device.Direction(dir), channel))
		return nil

	case wire.CallSetGain:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		name, err := up.GetString()
		if err != nil {
			return err
		}
		value, err := up.GetFloat64()
		if err != nil {
			return err
		}
		if err := h.driver.SetGain(device.Direction(dir), channel, name, value); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallGetGain:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		name, err := up.GetString()
		if err != nil {
			return err
		}
		pk.PutFloat64(h.driver.GetGain(device.Direction(dir), channel, name))
		return nil

	case wire.CallGetGainRange:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		name, err := up.GetString()
		if err != nil {
			return err
		}
		pk.PutRange(h.driver.GetGainRange(device.Direction(dir), channel, name))
		return nil

	case wire.CallSetFrequency:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		value, err := up.GetFloat64()
		if err != nil {
			return err
		}
		args, err := up.GetKwargs()
		if err != nil {
			return err
		}
		if err := h.driver.SetFrequency(device.Direction(dir), channel, value, args); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallGetFrequency:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutFloat64(h.driver.GetFrequency(device.Direction(dir), channel))
		return nil

	case wire.CallListFrequencies:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutRangeList(h.driver.ListFrequencies(device.Direction(dir), channel))
		return nil

	case wire.CallSetSampleRate:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		value, err := up.GetFloat64()
		if err != nil {
			return err
		}
		if err := h.driver.SetSampleRate(device.Direction(dir), channel, value); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallGetSampleRate:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutFloat64(h.driver.GetSampleRate(device.Direction(dir), channel))
		return nil

	case wire.CallListSampleRates:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutRangeList(h.driver.ListSampleRates(device.Direction(dir), channel))
		return nil

	case wire.CallSetBandwidth:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		value, err := up.GetFloat64()
		if err != nil {
			return err
		}
		if err := h.driver.SetBandwidth(device.Direction(dir), channel, value); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallGetBandwidth:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutFloat64(h.driver.GetBandwidth(device.Direction(dir), channel))
		return nil

	case wire.CallListBandwidths:
		if err := h.requireDriver(); err != nil {
			return err
		}
		dir, channel, err := getDirChannel(up)
		if err != nil {
			return err
		}
		pk.PutRangeList(h.driver.ListBandwidths(device.Direction(dir), channel))
		return nil

	case wire.CallSetMasterClockRate:
		if err := h.requireDriver(); err != nil {
			return err
		}
		value, err := up.GetFloat64()
		if err != nil {
			return err
		}
		if err := h.driver.SetMasterClockRate(value); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallGetMasterClockRate:
		if err := h.requireDriver(); err != nil {
			return err
		}
		pk.PutFloat64(h.driver.GetMasterClockRate())
		return nil

	case wire.CallSetHardwareTime:
		if err := h.requireDriver(); err != nil {
			return err
		}
		timeNs, err := up.GetInt64()
		if err != nil {
			return err
		}
		what, err := up.GetString()
		if err != nil {
			return err
		}
		if err := h.driver.SetHardwareTime(timeNs, what); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallGetHardwareTime:
		if err := h.requireDriver(); err != nil {
			return err
		}
		what, err := up.GetString()
		if err != nil {
			return err
		}
		pk.PutInt64(h.driver.GetHardwareTime(what))
		return nil

	case wire.CallListSensors:
		if err := h.requireDriver(); err != nil {
			return err
		}
		pk.PutStringList(h.driver.ListSensors())
		return nil

	case wire.CallReadSensor:
		if err := h.requireDriver(); err != nil {
			return err
		}
		name, err := up.GetString()
		if err != nil {
			return err
		}
		pk.PutString(h.driver.ReadSensor(name))
		return nil

	case wire.CallReadRegister:
		if err := h.requireDriver(); err != nil {
			return err
		}
		what, err := up.GetString()
		if err != nil {
			return err
		}
		addr, err := up.GetInt32()
		if err != nil {
			return err
		}
		pk.PutInt32(int32(h.driver.ReadRegister(what, uint32(addr))))
		return nil

	case wire.CallWriteRegister:
		if err := h.requireDriver(); err != nil {
			return err
		}
		what, err := up.GetString()
		if err != nil {
			return err
		}
		addr, err := up.GetInt32()
		if err != nil {
			return err
		}
		value, err := up.GetInt32()
		if err != nil {
			return err
		}
		if err := h.driver.WriteRegister(what, uint32(addr), uint32(value)); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallReadSetting:
		if err := h.requireDriver(); err != nil {
			return err
		}
		key, err := up.GetString()
		if err != nil {
			return err
		}
		pk.PutString(h.driver.ReadSetting(key))
		return nil

	case wire.CallWriteSetting:
		if err := h.requireDriver(); err != nil {
			return err
		}
		key, err := up.GetString()
		if err != nil {
			return err
		}
		value, err := up.GetString()
		if err != nil {
			return err
		}
		if err := h.driver.WriteSetting(key, value); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallWriteGPIO:
		if err := h.requireDriver(); err != nil {
			return err
		}
		bank, err := up.GetString()
		if err != nil {
			return err
		}
		value, err := up.GetInt32()
		if err != nil {
			return err
		}
		mask, err := up.GetInt32()
		if err != nil {
			return err
		}
		if err := h.driver.WriteGPIO(bank, uint32(value), uint32(mask)); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallReadGPIO:
		if err := h.requireDriver(); err != nil {
			return err
		}
		bank, err := up.GetString()
		if err != nil {
			return err
		}
		pk.PutInt32(int32(h.driver.ReadGPIO(bank)))
		return nil

	case wire.CallWriteI2C:
		if err := h.requireDriver(); err != nil {
			return err
		}
		addr, err := up.GetInt32()
		if err != nil {
			return err
		}
		data, err := up.GetString()
		if err != nil {
			return err
		}
		if err := h.driver.WriteI2C(int(addr), []byte(data)); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallReadI2C:
		if err := h.requireDriver(); err != nil {
			return err
		}
		addr, err := up.GetInt32()
		if err != nil {
			return err
		}
		numBytes, err := up.GetInt32()
		if err != nil {
			return err
		}
		pk.PutString(string(h.driver.ReadI2C(int(addr), int(numBytes))))
		return nil

	case wire.CallTransactSPI:
		if err := h.requireDriver(); err != nil {
			return err
		}
		addr, err := up.GetInt32()
		if err != nil {
			return err
		}
		data, err := up.GetInt32()
		if err != nil {
			return err
		}
		numBits, err := up.GetInt32()
		if err != nil {
			return err
		}
		pk.PutInt32(int32(h.driver.TransactSPI(int(addr), uint32(data), int(numBits))))
		return nil

	case wire.CallWriteUART:
		if err := h.requireDriver(); err != nil {
			return err
		}
		which, err := up.GetString()
		if err != nil {
			return err
		}
		data, err := up.GetString()
		if err != nil {
			return err
		}
		if err := h.driver.WriteUART(which, data); err != nil {
			return err
		}
		pk.PutVoid()
		return nil

	case wire.CallReadUART:
		if err := h.requireDriver(); err != nil {
			return err
		}
		which, err := up.GetString()
		if err != nil {
			return err
		}
		timeoutUs, err := up.GetInt32()
		if err != nil {
			return err
		}
		pk.PutString(h.driver.ReadUART(which, int(timeoutUs)))
		return nil

	default:
		return fmt.Errorf("server: unknown call id %d", call)
	}
}

func getDirChannel(up *wire.Unpacker) (int32, int, error) {
	dir, err := up.GetInt32()
	if err != nil {
		return 0, 0, err
	}
	channel, err := up.GetInt32()
	if err != nil {
		return 0, 0, err
	}
	return dir, int(channel), nil
}

func getSizeListChannels(v []uint64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}
