// Package client implements the SoapyRemote device facade: a Device opens
// one control connection to a server's RPC listener and mirrors the
// device.Driver API over the wire, converting sample formats as needed on
// the stream data path.
package client

import "github.com/pothosware/soapyremote-go/internal/sock"

// sockIO adapts *sock.Socket into io.Reader/io.Writer, matching the
// server package's identically named adapter so both sides of the
// connection build their Packer/Unpacker the same way.
type sockIO struct {
	s *sock.Socket
}

func (c sockIO) Read(p []byte) (int, error)  { return c.s.Recv(p) }
func (c sockIO) Write(p []byte) (int, error) { return c.s.Send(p) }
