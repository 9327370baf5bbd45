package client

import (
	"errors"
	"fmt"

	"github.com/pothosware/soapyremote-go/internal/wire"
)

// wrapReplyErr implements spec.md §7's control-plane propagation rule: a
// remote error (the server raised an EXCEPTION frame) is rethrown locally
// with the server's message prefixed "RemoteError:"; a transport or
// protocol error is passed through unchanged so the caller can tell the
// two apart with errors.As on *wire.Error.
func wrapReplyErr(err error) error {
	if err == nil {
		return nil
	}
	var werr *wire.Error
	if errors.As(err, &werr) && werr.Kind == wire.KindRemote {
		return fmt.Errorf("RemoteError: %s", werr.Message)
	}
	return err
}

// ErrDeviceClosed is returned by any Device method, and by Stream's
// Activate, Deactivate and Close, called after a transport or protocol
// error has already marked the device unusable, or after Close.
var ErrDeviceClosed = errors.New("client: device closed")
