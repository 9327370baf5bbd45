package server

import "github.com/pothosware/soapyremote-go/internal/sock"

// sockIO adapts *sock.Socket's (Send, Recv) pair into io.Reader/io.Writer
// so a connected TCP socket can back a *wire.Packer/*wire.Unpacker, which
// are written against the stdlib io interfaces rather than this module's
// own socket type.
type sockIO struct {
	s *sock.Socket
}

func (c sockIO) Read(p []byte) (int, error)  { return c.s.Recv(p) }
func (c sockIO) Write(p []byte) (int, error) { return c.s.Send(p) }
