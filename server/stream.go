package server

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pothosware/soapyremote-go/internal/device"
	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/stream"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

// pollTimeout is spec.md's SOAPY_REMOTE_SOCKET_TIMEOUT_US: every blocking
// socket wait in a worker uses this so teardown latency is bounded.
const pollTimeout = 100 * time.Millisecond

const defaultMTU = 1500
const defaultWindow = 1 << 20

// streamSession is one open stream on a connection: the driver-side
// handle plus, in full (non-bypass) mode, the endpoint and the worker
// goroutines moving samples between the driver and the network.
type streamSession struct {
	id             int
	dir            device.Direction
	driverStreamID int
	bypass         bool

	protocol string // "udp", "tcp", or "none" (bypass)
	endpoint *stream.Endpoint
	dataSock *sock.Socket
	status   *sock.Socket

	numChannels int
	elemSize    int

	done    chan struct{}
	wg      sync.WaitGroup
	started bool

	active    bool
	driverErr error
	mu        sync.Mutex
}

func (s *streamSession) setActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

func (s *streamSession) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (h *connHandler) nextStreamID() int {
	h.streamSeq++
	return h.streamSeq
}

func elemSizeForFormat(format string) int {
	switch format {
	case "CF32":
		return 8
	case "CS16", "CU16":
		return 4
	case "CS8", "CU8":
		return 2
	case "CS12":
		return 3 // packed, handled specially by internal/convert; server moves raw bytes
	default:
		return 4
	}
}

// setupStreamBypass opens a driver stream with no endpoint, for
// clients that picked protocol=none (in-process or otherwise
// out-of-band sample transport).
func (h *connHandler) setupStreamBypass(dir device.Direction, format string, channels []int, args wire.Kwargs) (*streamSession, error) {
	driverID, err := h.driver.SetupStream(dir, format, channels, args)
	if err != nil {
		return nil, err
	}
	s := &streamSession{
		id:             h.nextStreamID(),
		dir:            dir,
		driverStreamID: driverID,
		bypass:         true,
		protocol:       "none",
	}
	return s, nil
}

// setupStream opens a driver stream and, per protocol, binds and wires
// the network endpoint: UDP binds local sockets and connects them to the
// client-advertised ports immediately; TCP binds a data listener, reports
// its port back to the client on its own frame ahead of the final reply
// (spec.md's "out-of-sequence" early send) and accepts one connection,
// then does the same for a status listener, so exactly two inbound
// connections (data, status) are accepted before the final reply.
func (h *connHandler) setupStream(dir device.Direction, format string, channels []int, args wire.Kwargs, protocol string) (*streamSession, int, error) {
	driverID, err := h.driver.SetupStream(dir, format, channels, args)
	if err != nil {
		return nil, 0, err
	}

	numChannels := len(channels)
	if numChannels == 0 {
		numChannels = 1
	}
	elemSize := elemSizeForFormat(format)
	mtu := intArg(args, "mtu", defaultMTU)
	window := intArg(args, "window", defaultWindow)

	s := &streamSession{
		id:             h.nextStreamID(),
		dir:            dir,
		driverStreamID: driverID,
		protocol:       protocol,
		numChannels:    numChannels,
		elemSize:       elemSize,
		done:           make(chan struct{}),
	}

	host, _, _ := net.SplitHostPort(h.remoteAddr)
	bindNode := "0.0.0.0"
	if host != "" && hostIsV6(host) {
		bindNode = "::"
	}

	var isRecv bool
	switch dir {
	case device.DirectionRX:
		isRecv = false // server reads from hardware and SENDS samples to the client
	case device.DirectionTX:
		isRecv = true // server RECEIVES samples from the client to feed the hardware
	}

	switch protocol {
	case "udp":
		dataSock, err := sock.Bind(sock.URL{Scheme: sock.SchemeUDP, Node: bindNode, Service: "0"})
		if err != nil {
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		statusSock, err := sock.Bind(sock.URL{Scheme: sock.SchemeUDP, Node: bindNode, Service: "0"})
		if err != nil {
			dataSock.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		dataPort := intArg(args, "bindPort", 0)
		statusPort := intArg(args, "statusPort", 0)
		peer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(dataPort)))
		if err != nil {
			dataSock.Close()
			statusSock.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		statusPeer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(statusPort)))
		if err != nil {
			dataSock.Close()
			statusSock.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		ep, err := stream.Setup(dataSock, statusSock, peer, statusPeer, true, isRecv, numChannels, elemSize, mtu, window)
		if err != nil {
			dataSock.Close()
			statusSock.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		s.dataSock, s.status, s.endpoint = dataSock, statusSock, ep
		localURL, _ := dataSock.GetSockName()
		port, _ := strconv.Atoi(localURL.Service)
		return s, port, nil

	case "tcp":
		listenData, err := sock.Bind(sock.URL{Scheme: sock.SchemeTCP, Node: bindNode, Service: "0"})
		if err != nil {
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		localURL, _ := listenData.GetSockName()
		port, _ := strconv.Atoi(localURL.Service)

		// Out-of-band: report the data port on its own frame before
		// blocking in Accept, so the client can connect immediately.
		early := wire.NewPacker(h.remoteVersion)
		early.PutInt32(int32(port))
		if err := early.Send(sockIO{s: h.conn}); err != nil {
			listenData.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}

		dataConn, err := listenData.Accept()
		listenData.Close()
		if err != nil {
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}

		listenStatus, err := sock.Bind(sock.URL{Scheme: sock.SchemeTCP, Node: bindNode, Service: "0"})
		if err != nil {
			dataConn.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		statusURL, _ := listenStatus.GetSockName()
		statusPort, _ := strconv.Atoi(statusURL.Service)
		early2 := wire.NewPacker(h.remoteVersion)
		early2.PutInt32(int32(statusPort))
		if err := early2.Send(sockIO{s: h.conn}); err != nil {
			dataConn.Close()
			listenStatus.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		statusConn, err := listenStatus.Accept()
		listenStatus.Close()
		if err != nil {
			dataConn.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}

		ep, err := stream.Setup(dataConn, statusConn, nil, nil, false, isRecv, numChannels, elemSize, mtu, window)
		if err != nil {
			dataConn.Close()
			statusConn.Close()
			_ = h.driver.CloseStream(driverID)
			return nil, 0, err
		}
		s.dataSock, s.status, s.endpoint = dataConn, statusConn, ep
		return s, port, nil

	default:
		_ = h.driver.CloseStream(driverID)
		return nil, 0, fmt.Errorf("server: unsupported stream protocol %q", protocol)
	}
}

func (h *connHandler) dispatchSetupStreamBypass(up *wire.Unpacker, pk *wire.Packer) error {
	if err := h.requireDriver(); err != nil {
		return err
	}
	dir, format, channels, args, err := readStreamSetupArgs(up)
	if err != nil {
		return err
	}
	s, err := h.setupStreamBypass(device.Direction(dir), format, channels, args)
	if err != nil {
		return err
	}
	h.streams[s.id] = s
	pk.PutInt32(int32(s.id))
	return nil
}

func (h *connHandler) dispatchSetupStream(up *wire.Unpacker, pk *wire.Packer) error {
	if err := h.requireDriver(); err != nil {
		return err
	}
	dir, format, channels, args, err := readStreamSetupArgs(up)
	if err != nil {
		return err
	}
	protocol, _ := args.Get("protocol")
	if protocol == "" {
		protocol = "tcp"
	}
	s, port, err := h.setupStream(device.Direction(dir), format, channels, args, protocol)
	if err != nil {
		return err
	}
	h.streams[s.id] = s
	pk.PutInt32(int32(s.id))
	pk.PutInt32(int32(port))
	return nil
}

func readStreamSetupArgs(up *wire.Unpacker) (dir int32, format string, channels []int, args wire.Kwargs, err error) {
	if dir, err = up.GetInt32(); err != nil {
		return
	}
	if format, err = up.GetString(); err != nil {
		return
	}
	sizeList, serr := up.GetSizeList()
	if serr != nil {
		err = serr
		return
	}
	channels = getSizeListChannels(sizeList)
	args, err = up.GetKwargs()
	return
}

func (h *connHandler) dispatchCloseStream(up *wire.Unpacker, pk *wire.Packer) error {
	if err := h.requireDriver(); err != nil {
		return err
	}
	id, err := up.GetInt32()
	if err != nil {
		return err
	}
	s, err := h.stream(id)
	if err != nil {
		return err
	}
	delete(h.streams, int(id))
	if err := s.close(h.driver, h.metrics); err != nil {
		return err
	}
	pk.PutVoid()
	return nil
}

func (h *connHandler) dispatchActivateStream(up *wire.Unpacker, pk *wire.Packer) error {
	if err := h.requireDriver(); err != nil {
		return err
	}
	id, err := up.GetInt32()
	if err != nil {
		return err
	}
	flags, err := up.GetInt32()
	if err != nil {
		return err
	}
	timeNs, err := up.GetInt64()
	if err != nil {
		return err
	}
	numElems, err := up.GetInt32()
	if err != nil {
		return err
	}
	s, err := h.stream(id)
	if err != nil {
		return err
	}
	if err := h.driver.ActivateStream(s.driverStreamID, flags, timeNs, int(numElems)); err != nil {
		return err
	}
	s.activate(h.driver, h.metrics)
	pk.PutVoid()
	return nil
}

func (h *connHandler) dispatchDeactivateStream(up *wire.Unpacker, pk *wire.Packer) error {
	if err := h.requireDriver(); err != nil {
		return err
	}
	id, err := up.GetInt32()
	if err != nil {
		return err
	}
	flags, err := up.GetInt32()
	if err != nil {
		return err
	}
	timeNs, err := up.GetInt64()
	if err != nil {
		return err
	}
	s, err := h.stream(id)
	if err != nil {
		return err
	}
	if err := h.driver.DeactivateStream(s.driverStreamID, flags, timeNs); err != nil {
		return err
	}
	s.setActive(false)
	pk.PutVoid()
	return nil
}

// callName labels RPC metrics by name instead of numeric id; unrecognized
// ids (forward-compatible clients) still get a usable label.
func callName(c wire.Call) string {
	switch c {
	case wire.CallFind:
		return "FIND"
	case wire.CallMake:
		return "MAKE"
	case wire.CallUnmake:
		return "UNMAKE"
	case wire.CallHangup:
		return "HANGUP"
	case wire.CallGetServerID:
		return "GET_SERVER_ID"
	case wire.CallStartLogForward:
		return "START_LOG_FORWARD"
	case wire.CallStopLogForward:
		return "STOP_LOG_FORWARD"
	case wire.CallGetDriverKey:
		return "GET_DRIVER_KEY"
	case wire.CallGetHardwareKey:
		return "GET_HARDWARE_KEY"
	case wire.CallGetHardwareInfo:
		return "GET_HARDWARE_INFO"
	case wire.CallSetupStream:
		return "SETUP_STREAM"
	case wire.CallSetupStreamBypass:
		return "SETUP_STREAM_BYPASS"
	case wire.CallCloseStream:
		return "CLOSE_STREAM"
	case wire.CallActivateStream:
		return "ACTIVATE_STREAM"
	case wire.CallDeactivateStream:
		return "DEACTIVATE_STREAM"
	case wire.CallGetStreamMTU:
		return "GET_STREAM_MTU"
	case wire.CallGetNumChannels:
		return "GET_NUM_CHANNELS"
	case wire.CallGetChannelInfo:
		return "GET_CHANNEL_INFO"
	case wire.CallListAntennas:
		return "LIST_ANTENNAS"
	case wire.CallSetAntenna:
		return "SET_ANTENNA"
	case wire.CallGetAntenna:
		return "GET_ANTENNA"
	case wire.CallListGains:
		return "LIST_GAINS"
	case wire.CallSetGain:
		return "SET_GAIN"
	case wire.CallGetGain:
		return "GET_GAIN"
	case wire.CallGetGainRange:
		return "GET_GAIN_RANGE"
	case wire.CallSetFrequency:
		return "SET_FREQUENCY"
	case wire.CallGetFrequency:
		return "GET_FREQUENCY"
	case wire.CallListFrequencies:
		return "LIST_FREQUENCIES"
	case wire.CallSetSampleRate:
		return "SET_SAMPLE_RATE"
	case wire.CallGetSampleRate:
		return "GET_SAMPLE_RATE"
	case wire.CallListSampleRates:
		return "LIST_SAMPLE_RATES"
	case wire.CallSetBandwidth:
		return "SET_BANDWIDTH"
	case wire.CallGetBandwidth:
		return "GET_BANDWIDTH"
	case wire.CallListBandwidths:
		return "LIST_BANDWIDTHS"
	case wire.CallSetMasterClockRate:
		return "SET_MASTER_CLOCK_RATE"
	case wire.CallGetMasterClockRate:
		return "GET_MASTER_CLOCK_RATE"
	case wire.CallSetHardwareTime:
		return "SET_HARDWARE_TIME"
	case wire.CallGetHardwareTime:
		return "GET_HARDWARE_TIME"
	case wire.CallListSensors:
		return "LIST_SENSORS"
	case wire.CallReadSensor:
		return "READ_SENSOR"
	case wire.CallReadRegister:
		return "READ_REGISTER"
	case wire.CallWriteRegister:
		return "WRITE_REGISTER"
	case wire.CallReadSetting:
		return "READ_SETTING"
	case wire.CallWriteSetting:
		return "WRITE_SETTING"
	case wire.CallWriteGPIO:
		return "WRITE_GPIO"
	case wire.CallReadGPIO:
		return "READ_GPIO"
	case wire.CallWriteI2C:
		return "WRITE_I2C"
	case wire.CallReadI2C:
		return "READ_I2C"
	case wire.CallTransactSPI:
		return "TRANSACT_SPI"
	case wire.CallWriteUART:
		return "WRITE_UART"
	case wire.CallReadUART:
		return "READ_UART"
	default:
		return fmt.Sprintf("CALL_%d", int32(c))
	}
}

func hostIsV6(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

func intArg(args wire.Kwargs, key string, def int) int {
	v, ok := args.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// activate starts the worker goroutines once the driver stream is
// activated; bypass streams have no workers to start.
func (s *streamSession) activate(driver device.Driver, metrics metricsRecorder) {
	s.setActive(true)
	if s.bypass || s.started {
		return
	}
	s.started = true
	s.wg.Add(2)
	direction := "rx"
	if s.dir == device.DirectionTX {
		direction = "tx"
	}
	metrics.StreamOpened(direction)
	if s.dir == device.DirectionRX {
		go s.sendEndpointWork(driver, metrics, direction)
	} else {
		go s.recvEndpointWork(driver, metrics, direction)
	}
	go s.statusWork(driver)
}

// sendEndpointWork is the RX-direction worker: read from the driver,
// release into the network endpoint. Named after spec.md's
// sendEndpointWork (the endpoint sends what the driver produced).
func (s *streamSession) sendEndpointWork(driver device.Driver, metrics metricsRecorder, direction string) {
	defer s.wg.Done()
	bufs := make([][]byte, s.numChannels)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if !s.isActive() {
			time.Sleep(pollTimeout)
			continue
		}
		if err := s.endpoint.WaitSend(pollTimeout); err != nil {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		handle, channels, err := s.endpoint.AcquireSend()
		if err != nil {
			metrics.RecordRingOverflow(direction)
			continue
		}
		copy(bufs, channels)

		n, flags, timeNs, rerr := driver.ReadStream(s.driverStreamID, bufs, len(channels[0])/max(s.elemSize, 1), 100000)
		if rerr != nil {
			s.setDriverErr(rerr)
			_ = s.endpoint.ReleaseSend(handle, -1, flags, timeNs)
			continue
		}
		total := n
		for flags&int32(stream.FlagEndBurst|stream.FlagOnePacket|stream.FlagEndAbrupt) == 0 {
			more, mflags, _, merr := driver.ReadStream(s.driverStreamID, sliceFrom(bufs, n, s.elemSize), len(channels[0])/max(s.elemSize, 1)-n, 0)
			if merr != nil || more <= 0 {
				break
			}
			total += more
			flags = mflags
		}
		if err := s.endpoint.ReleaseSend(handle, int32(total), flags, timeNs); err != nil {
			continue
		}
		metrics.RecordTransfer(direction, total*s.elemSize*s.numChannels, total)
	}
}

// recvEndpointWork is the TX-direction worker: acquire from the network
// endpoint, write to the driver until drained.
func (s *streamSession) recvEndpointWork(driver device.Driver, metrics metricsRecorder, direction string) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if !s.isActive() {
			time.Sleep(pollTimeout)
			continue
		}
		if err := s.endpoint.WaitRecv(pollTimeout); err != nil {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		res, err := s.endpoint.AcquireRecv()
		if err != nil {
			metrics.RecordRingOverflow(direction)
			continue
		}
		if res == nil {
			continue
		}
		elems := int(res.ElemsOrErr)
		written := 0
		for written < elems {
			n, werr := driver.WriteStream(s.driverStreamID, sliceFrom(res.Channels, written, s.elemSize), elems-written, res.Flags, res.TimeNs, 100000)
			if werr != nil {
				s.setDriverErr(werr)
				break
			}
			if n <= 0 {
				break
			}
			written += n
		}
		metrics.RecordTransfer(direction, written*s.elemSize*s.numChannels, written)
		s.endpoint.ReleaseRecv(res.Handle)
	}
}

// statusWork forwards driver stream-status events onto the status
// sub-channel until ReadStreamStatus returns an error (a driver that
// reports the call not supported stops it permanently) or the session
// is closed.
func (s *streamSession) statusWork(driver device.Driver) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		mask, flags, timeNs, err := driver.ReadStreamStatus(s.driverStreamID, int(pollTimeout/time.Microsecond))
		if err != nil {
			log.Printf("server: stream %d: status worker stopping: %v", s.id, err)
			return
		}
		_ = s.endpoint.WriteStatus(0, mask, flags, timeNs)
	}
}

func (s *streamSession) setDriverErr(err error) {
	s.mu.Lock()
	s.driverErr = err
	s.mu.Unlock()
}

func (s *streamSession) close(driver device.Driver, metrics metricsRecorder) error {
	if !s.bypass && s.done != nil {
		close(s.done)
		s.wg.Wait()
		direction := "rx"
		if s.dir == device.DirectionTX {
			direction = "tx"
		}
		metrics.StreamClosed(direction)
	}
	if s.endpoint != nil {
		s.endpoint.Close()
	}
	return driver.CloseStream(s.driverStreamID)
}

func sliceFrom(bufs [][]byte, elemsOffset, elemSize int) [][]byte {
	out := make([][]byte, len(bufs))
	off := elemsOffset * elemSize
	for i, b := range bufs {
		if off >= len(b) {
			out[i] = b[len(b):]
			continue
		}
		out[i] = b[off:]
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// metricsRecorder is the subset of *metrics.Metrics the stream workers
// touch; declared locally so this file does not need to import the
// concrete type just to accept a nil-safe recorder in tests.
type metricsRecorder interface {
	StreamOpened(direction string)
	StreamClosed(direction string)
	RecordTransfer(direction string, bytes, elems int)
	RecordRingOverflow(direction string)
}
