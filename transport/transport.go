// Package transport defines the byte-stream abstraction the engine drives.
// MRPC-EC has no message-level framing: the wire is one continuous,
// self-delimiting XML document per direction, plus the occasional
// 0x80-delimited raw attachment. A Transport is therefore nothing more
// than a duplex byte stream.
package transport

import "io"

// Transport is the duplex byte stream the engine reads XML tokens from and
// writes XML (and attachment bytes) to. A real deployment uses a TCP
// connection (see the tcp subpackage); tests use Pipe.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// pipeTransport adapts a connected io.Pipe half into a Transport.
type pipeTransport struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeTransport) Close() error {
	rErr := p.r.Close()
	wErr := p.w.Close()
	if rErr != nil {
		return rErr
	}
	return wErr
}

// Pipe returns two connected in-memory Transports, the client and server
// ends of one conversation, for engine tests that don't need a real socket.
func Pipe() (client, server Transport) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()
	return &pipeTransport{r: clientRead, w: clientWrite}, &pipeTransport{r: serverRead, w: serverWrite}
}
