// Package tcp implements the blocking TCP byte-stream transport (§4
// "Transport glue"): net.Conn already satisfies transport.Transport
// directly, so this package only adds the Dial/Listen conveniences the
// reference CLI binaries use.
package tcp

import (
	"context"
	"fmt"
	"net"

	"mrpcec.io/mrpc/transport"
)

// Dial opens a blocking TCP connection to addr ("host:port") and returns it
// as a transport.Transport.
func Dial(ctx context.Context, addr string) (transport.Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Listener wraps a net.Listener, accepting connections as
// transport.Transport values.
type Listener struct {
	ln net.Listener
}

// Listen binds addr ("host:port", or ":port" for all interfaces) and
// returns a Listener ready for Accept.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (transport.Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("tcp: accept: %w", err)
	}
	return conn, nil
}

// Close stops the listener. In-flight Accept calls return an error.
func (l *Listener) Close() error { return l.ln.Close() }
