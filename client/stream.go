package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pothosware/soapyremote-go/internal/convert"
	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/stream"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

// Flag values returned from Stream.Read/accepted by Stream.Write. The
// first three reuse internal/stream's wire-level bit positions directly;
// MoreFragments is a client-API-only flag (spec.md §4.8's read path),
// never carried on the wire itself.
const (
	FlagEndBurst      = int32(stream.FlagEndBurst)
	FlagOnePacket     = int32(stream.FlagOnePacket)
	FlagEndAbrupt     = int32(stream.FlagEndAbrupt)
	FlagMoreFragments = int32(stream.FlagEndAbrupt) << 1
)

const (
	defaultMTU    = 1500
	defaultWindow = 1 << 20
)

// StreamArgs configures SetupStream. Format is the user's local sample
// format; the wire format actually negotiated with the server is chosen
// from d's remote:format option (or Format itself if unset).
type StreamArgs struct {
	Direction Direction
	Channels  []int
	Format    string
	Protocol  string // "", "udp", "tcp", or "none"; "" defers to remote:prot, then "tcp"
	MTU       int
	Window    int
	Args      wire.Kwargs
}

// Stream is one open data stream: a driver-shaped Read/Write/Activate/
// Deactivate/Close API speaking the caller's local format, with
// conversion to the server's wire format inserted on every transfer.
type Stream struct {
	dev  *Device
	id   int32
	dir  Direction
	// wrPlan converts local->remote for Write; rdPlan converts remote->local
	// for Read. They are each other's reverse, never the same Plan value:
	// Select(a,b) and Select(b,a) carry the function for their own direction.
	wrPlan convert.Plan
	rdPlan convert.Plan
	scale float64
	numChannels int

	endpoint *stream.Endpoint
	dataSock, statusSock *sock.Socket

	// read-side carry-over: a partially-consumed buffer kept across Read
	// calls so acquireReadBuffer only runs once per network record.
	rdActive   bool
	rdHandle   uint64
	rdChannels [][]byte
	rdTotal    int
	rdConsumed int
	rdFlags    int32
	rdTimeNs   int64
}

// chooseRemoteFormat and chooseScale implement spec.md §4.8's conversion
// selection: "If local == remote, MEMCPY. Otherwise prefer a pair the
// converter supports; else refuse." and the scale default described
// there (native full-scale for the remote format, overridable).
func (d *Device) chooseRemoteFormat(localFormat string) string {
	if d.opts.Format != "" {
		return d.opts.Format
	}
	return localFormat
}

func (d *Device) chooseScale(remoteFormat string) float64 {
	if d.opts.Scale != 0 {
		return d.opts.Scale
	}
	return convert.DefaultScale(convert.Format(remoteFormat))
}

// SetupStream mirrors the server's two stream-setup modes from the
// calling side: protocol "none" opens a driver-local bypass stream with
// no network endpoint; "udp" pre-binds local data/status sockets and
// advertises their ports in the request; "tcp" reads the server's two
// out-of-band port frames and dials both.
func (d *Device) SetupStream(sa StreamArgs) (*Stream, error) {
	protocol := sa.Protocol
	if protocol == "" {
		protocol = d.opts.Protocol
	}
	if protocol == "" {
		protocol = "tcp"
	}

	remoteFormat := d.chooseRemoteFormat(sa.Format)
	wrPlan, ok := convert.Select(convert.Format(sa.Format), convert.Format(remoteFormat))
	if !ok {
		return nil, fmt.Errorf("client: no conversion from %s to %s", sa.Format, remoteFormat)
	}
	rdPlan, ok := convert.Select(convert.Format(remoteFormat), convert.Format(sa.Format))
	if !ok {
		return nil, fmt.Errorf("client: no conversion from %s to %s", remoteFormat, sa.Format)
	}
	scale := d.chooseScale(remoteFormat)

	numChannels := len(sa.Channels)
	if numChannels == 0 {
		numChannels = 1
	}
	mtu := sa.MTU
	if mtu == 0 {
		mtu = d.opts.MTU
	}
	if mtu == 0 {
		mtu = defaultMTU
	}
	window := sa.Window
	if window == 0 {
		window = d.opts.Window
	}
	if window == 0 {
		window = defaultWindow
	}

	if protocol == "none" {
		return d.setupStreamBypass(sa, remoteFormat)
	}

	args := wire.Kwargs{}
	args.Set("protocol", protocol)
	if mtu != defaultMTU {
		args.Set("mtu", strconv.Itoa(mtu))
	}
	if window != defaultWindow {
		args.Set("window", strconv.Itoa(window))
	}
	for i, k := range sa.Args.Keys {
		args.Set(k, sa.Args.Values[i])
	}

	var dataSock, statusSock *sock.Socket
	var err error
	if protocol == "udp" {
		dataSock, err = sock.Bind(sock.URL{Scheme: sock.SchemeUDP, Node: d.bindNode(), Service: "0"})
		if err != nil {
			return nil, err
		}
		statusSock, err = sock.Bind(sock.URL{Scheme: sock.SchemeUDP, Node: d.bindNode(), Service: "0"})
		if err != nil {
			dataSock.Close()
			return nil, err
		}
		dataAddr, _ := dataSock.GetSockName()
		statusAddr, _ := statusSock.GetSockName()
		args.Set("bindPort", dataAddr.Service)
		args.Set("statusPort", statusAddr.Service)
	}

	d.mu.Lock()
	pk := wire.NewPacker(d.remoteVersion)
	pk.PutCall(wire.CallSetupStream)
	pk.PutInt32(int32(sa.Direction))
	pk.PutString(remoteFormat)
	pk.PutSizeList(toSizeList(sa.Channels))
	pk.PutKwargs(args)
	sendErr := pk.Send(sockIO{s: d.conn})
	if sendErr != nil {
		d.closed = true
		d.mu.Unlock()
		closeIfNotNil(dataSock)
		closeIfNotNil(statusSock)
		return nil, fmt.Errorf("client: send SETUP_STREAM: %w", sendErr)
	}

	var serverDataPort, serverStatusPort int
	if protocol == "tcp" {
		serverDataPort, err = d.recvEarlyPort()
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		dataSock, err = sock.ConnectTimeout(sock.URL{Scheme: sock.SchemeTCP, Node: d.host, Service: strconv.Itoa(serverDataPort)}, connectTimeout)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		serverStatusPort, err = d.recvEarlyPort()
		if err != nil {
			dataSock.Close()
			d.mu.Unlock()
			return nil, err
		}
		statusSock, err = sock.ConnectTimeout(sock.URL{Scheme: sock.SchemeTCP, Node: d.host, Service: strconv.Itoa(serverStatusPort)}, connectTimeout)
		if err != nil {
			dataSock.Close()
			d.mu.Unlock()
			return nil, err
		}
	}

	up := d.rawFrame()
	recvErr := up.Recv()
	if recvErr != nil {
		d.mu.Unlock()
		closeIfNotNil(dataSock)
		closeIfNotNil(statusSock)
		return nil, wrapReplyErr(recvErr)
	}
	d.remoteVersion = up.RemoteVersion()
	streamID, err := up.GetInt32()
	if err != nil {
		d.mu.Unlock()
		closeIfNotNil(dataSock)
		closeIfNotNil(statusSock)
		return nil, err
	}
	var serverDataPortUDP int32
	if protocol == "udp" {
		serverDataPortUDP, err = up.GetInt32()
		if err != nil {
			d.mu.Unlock()
			closeIfNotNil(dataSock)
			closeIfNotNil(statusSock)
			return nil, err
		}
	}
	d.mu.Unlock()

	isRecv := sa.Direction == DirectionRX
	var peer, statusPeer net.Addr
	datagram := protocol == "udp"
	if protocol == "udp" {
		peer, err = net.ResolveUDPAddr("udp", net.JoinHostPort(d.host, strconv.Itoa(int(serverDataPortUDP))))
		if err != nil {
			closeIfNotNil(dataSock)
			closeIfNotNil(statusSock)
			return nil, err
		}
	}

	ep, err := stream.Setup(dataSock, statusSock, peer, statusPeer, datagram, isRecv, numChannels, wrPlan.ToSize, mtu, window)
	if err != nil {
		closeIfNotNil(dataSock)
		closeIfNotNil(statusSock)
		return nil, err
	}

	s := &Stream{
		dev: d, id: streamID, dir: sa.Direction,
		wrPlan: wrPlan, rdPlan: rdPlan, scale: scale, numChannels: numChannels,
		endpoint: ep, dataSock: dataSock, statusSock: statusSock,
	}
	d.streamMu.Lock()
	d.streams[streamID] = s
	d.streamMu.Unlock()
	return s, nil
}

func (d *Device) setupStreamBypass(sa StreamArgs, remoteFormat string) (*Stream, error) {
	var streamID int32
	err := d.roundTrip(wire.CallSetupStreamBypass, func(pk *wire.Packer) {
		pk.PutInt32(int32(sa.Direction))
		pk.PutString(remoteFormat)
		pk.PutSizeList(toSizeList(sa.Channels))
		pk.PutKwargs(sa.Args)
	}, func(up *wire.Unpacker) error {
		v, err := up.GetInt32()
		streamID = v
		return err
	})
	if err != nil {
		return nil, err
	}
	wrPlan, _ := convert.Select(convert.Format(sa.Format), convert.Format(remoteFormat))
	rdPlan, _ := convert.Select(convert.Format(remoteFormat), convert.Format(sa.Format))
	s := &Stream{dev: d, id: streamID, dir: sa.Direction, wrPlan: wrPlan, rdPlan: rdPlan, scale: d.chooseScale(remoteFormat)}
	d.streamMu.Lock()
	d.streams[streamID] = s
	d.streamMu.Unlock()
	return s, nil
}

// recvEarlyPort reads one of the server's out-of-band INT32-only frames
// sent ahead of the SETUP_STREAM reply over TCP. Caller must hold d.mu.
func (d *Device) recvEarlyPort() (int, error) {
	up := d.rawFrame()
	if err := up.Recv(); err != nil {
		d.closed = true
		return 0, wrapReplyErr(err)
	}
	v, err := up.GetInt32()
	return int(v), err
}

func bindNodeFor(host string) string {
	ip := net.ParseIP(host)
	if ip != nil && ip.To4() == nil {
		return "::"
	}
	return "0.0.0.0"
}

func toSizeList(channels []int) []uint64 {
	out := make([]uint64, len(channels))
	for i, c := range channels {
		out[i] = uint64(c)
	}
	return out
}

func closeIfNotNil(s *sock.Socket) {
	if s != nil {
		s.Close()
	}
}

// Activate starts the stream, per the ACTIVATE_STREAM RPC.
func (s *Stream) Activate(flags int32, timeNs int64, numElems int) error {
	return s.dev.callVoid(wire.CallActivateStream, func(pk *wire.Packer) {
		pk.PutInt32(s.id)
		pk.PutInt32(flags)
		pk.PutInt64(timeNs)
		pk.PutInt32(int32(numElems))
	})
}

// Deactivate stops the stream, per the DEACTIVATE_STREAM RPC.
func (s *Stream) Deactivate(flags int32, timeNs int64) error {
	return s.dev.callVoid(wire.CallDeactivateStream, func(pk *wire.Packer) {
		pk.PutInt32(s.id)
		pk.PutInt32(flags)
		pk.PutInt64(timeNs)
	})
}

// Close issues CLOSE_STREAM and releases the local endpoint and sockets.
func (s *Stream) Close() error {
	s.dev.streamMu.Lock()
	delete(s.dev.streams, s.id)
	s.dev.streamMu.Unlock()

	err := s.dev.callVoid(wire.CallCloseStream, func(pk *wire.Packer) { pk.PutInt32(s.id) })
	if s.endpoint != nil {
		s.endpoint.Close()
	}
	return err
}

func microseconds(us int) time.Duration {
	if us <= 0 {
		return 100 * time.Millisecond // spec.md's SOAPY_REMOTE_SOCKET_TIMEOUT_US poll cadence
	}
	return time.Duration(us) * time.Microsecond
}

// Read implements spec.md §4.8's read path: if no remainder of a prior
// buffer is carried over, acquire one from the endpoint; convert
// min(requested, available) elements into buffs; if the record is not
// exhausted, keep the handle and set FlagMoreFragments instead of
// releasing it.
func (s *Stream) Read(buffs [][]byte, numElems int, timeoutUs int) (elems int, flags int32, timeNs int64, err error) {
	if s.endpoint == nil {
		return 0, 0, 0, fmt.Errorf("client: stream %d has no network endpoint (protocol=none)", s.id)
	}
	if !s.rdActive {
		if werr := s.endpoint.WaitRecv(microseconds(timeoutUs)); werr != nil {
			return 0, 0, 0, nil // timeout: non-fatal, distinguished by elems==0
		}
		res, aerr := s.endpoint.AcquireRecv()
		if aerr != nil {
			return 0, 0, 0, aerr
		}
		if res == nil {
			return 0, 0, 0, nil
		}
		if res.ElemsOrErr < 0 {
			s.endpoint.ReleaseRecv(res.Handle)
			return 0, res.Flags, res.TimeNs, fmt.Errorf("client: remote stream error %d", res.ElemsOrErr)
		}
		s.rdHandle = res.Handle
		s.rdChannels = res.Channels
		s.rdTotal = int(res.ElemsOrErr)
		s.rdConsumed = 0
		s.rdFlags = res.Flags
		s.rdTimeNs = res.TimeNs
		s.rdActive = true
	}

	avail := s.rdTotal - s.rdConsumed
	n := numElems
	if n > avail {
		n = avail
	}
	for i, dst := range buffs {
		if i >= len(s.rdChannels) {
			continue
		}
		srcOff := s.rdConsumed * s.rdPlan.FromSize
		srcEnd := srcOff + n*s.rdPlan.FromSize
		dstEnd := n * s.rdPlan.ToSize
		if cerr := s.rdPlan.Convert(dst[:dstEnd], s.rdChannels[i][srcOff:srcEnd], n, s.scale); cerr != nil {
			return 0, 0, 0, cerr
		}
	}
	s.rdConsumed += n
	outFlags := s.rdFlags
	outTimeNs := s.rdTimeNs
	if s.rdConsumed < s.rdTotal {
		return n, outFlags | FlagMoreFragments, outTimeNs, nil
	}
	s.endpoint.ReleaseRecv(s.rdHandle)
	s.rdActive = false
	return n, outFlags, outTimeNs, nil
}

// Write implements spec.md §4.8's write path: acquire an internal buffer
// sized to the endpoint's buffSize, convert up to that many elements from
// buffs, clear FlagEndBurst if fewer than requested were written, and
// release.
func (s *Stream) Write(buffs [][]byte, numElems int, flags int32, timeNs int64, timeoutUs int) (int, error) {
	if s.endpoint == nil {
		return 0, fmt.Errorf("client: stream %d has no network endpoint (protocol=none)", s.id)
	}
	if err := s.endpoint.WaitSend(microseconds(timeoutUs)); err != nil {
		return 0, nil // timeout: non-fatal, distinguished by elems==0
	}
	handle, channels, err := s.endpoint.AcquireSend()
	if err != nil {
		return 0, err
	}
	buffElems := 0
	if len(channels) > 0 {
		buffElems = len(channels[0]) / s.wrPlan.ToSize
	}
	n := numElems
	if n > buffElems {
		n = buffElems
	}
	for i, src := range buffs {
		if i >= len(channels) {
			continue
		}
		srcEnd := n * s.wrPlan.FromSize
		dstEnd := n * s.wrPlan.ToSize
		if cerr := s.wrPlan.Convert(channels[i][:dstEnd], src[:srcEnd], n, s.scale); cerr != nil {
			return 0, cerr
		}
	}
	outFlags := flags
	if n < numElems {
		outFlags &^= FlagEndBurst
	}
	if err := s.endpoint.ReleaseSend(handle, int32(n), outFlags, timeNs); err != nil {
		return 0, err
	}
	return n, nil
}

// ReadStatus polls the stream's status sub-channel for a driver-reported
// event, following the server's statusWork producer.
func (s *Stream) ReadStatus(timeoutUs int) (code int32, mask uint32, flags int32, timeNs int64, err error) {
	if s.endpoint == nil {
		return 0, 0, 0, 0, fmt.Errorf("client: stream %d has no network endpoint (protocol=none)", s.id)
	}
	if err = s.endpoint.WaitStatus(microseconds(timeoutUs)); err != nil {
		return 0, 0, 0, 0, nil
	}
	return s.endpoint.ReadStatus()
}
