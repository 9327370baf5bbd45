package client

import (
	"fmt"

	"github.com/pothosware/soapyremote-go/internal/logforward"
	"github.com/pothosware/soapyremote-go/internal/sock"
	"github.com/pothosware/soapyremote-go/internal/wire"
)

// logReceiver is a dedicated connection that does nothing but log
// forwarding: the server interleaves log frames with RPC replies on a
// subscribed connection (server/handler.go's connSender shares the
// control socket's write mutex), so a connection used for log forwarding
// must never also carry ordinary RPC calls or a stray log frame could be
// misread as a call's reply. One such connection is opened per
// logforward.ClientCache.Acquire for a given server UUID.
type logReceiver struct {
	conn *sock.Socket
	up   *wire.Unpacker
}

// dialLogReceiver opens a fresh connection to serverURL, issues
// START_LOG_FORWARDING, and returns a Receiver reading nothing else off
// it from then on.
func dialLogReceiver(serverURL string) (logforward.Receiver, error) {
	u, err := sock.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse remote url %q: %w", serverURL, err)
	}
	if u.Service == "" {
		u.Service = "55132"
	}
	conn, err := sock.ConnectTimeout(u, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", serverURL, err)
	}

	pk := wire.NewPacker(wire.EncodeVersion(wire.ProtocolVersion))
	pk.PutCall(wire.CallStartLogForward)
	if err := pk.Send(sockIO{s: conn}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send START_LOG_FORWARDING: %w", err)
	}
	up := wire.NewUnpacker(sockIO{s: conn}, true, defaultCallTimeout)
	if err := up.Recv(); err != nil {
		conn.Close()
		return nil, wrapReplyErr(err)
	}
	return &logReceiver{conn: conn, up: wire.NewUnpacker(sockIO{s: conn}, true, 0)}, nil
}

// Recv blocks for the next forwarded (level, message) pair.
func (r *logReceiver) Recv() (logforward.Level, string, error) {
	if err := r.up.Recv(); err != nil {
		return 0, "", err
	}
	level, err := r.up.GetChar()
	if err != nil {
		return 0, "", err
	}
	msg, err := r.up.GetString()
	if err != nil {
		return 0, "", err
	}
	return logforward.Level(level), msg, nil
}

func (r *logReceiver) Close() error {
	return r.conn.Close()
}

// NewLogForwardCache builds a logforward.ClientCache wired to dial a
// fresh subscription connection per server UUID the first time it is
// acquired, per spec.md §5's "one log-receive thread per live server
// UUID".
func NewLogForwardCache(serverURLFor func(uuid string) (string, error)) *logforward.ClientCache {
	return logforward.NewClientCache(func(uuid string) (logforward.Receiver, error) {
		url, err := serverURLFor(uuid)
		if err != nil {
			return nil, err
		}
		return dialLogReceiver(url)
	})
}
