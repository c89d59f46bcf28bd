// Package transport wraps accepted sockets, plain or TLS, in non-blocking
// streams that the file server's step functions can drive without ever
// parking a worker.
//
// Reads and writes return iox.ErrWouldBlock instead of waiting. PendingWrites
// reports whether bytes already accepted are still queued for the peer, either
// in the user-space queue kept for TLS records or in the kernel send queue.
package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"

	"code.hybscloud.com/iox"
)

// Transport is a non-blocking byte stream to one client.
type Transport interface {
	// Read returns iox.ErrWouldBlock when no data is available and io.EOF
	// once the peer has closed its side.
	Read(p []byte) (int, error)
	// Write may accept fewer bytes than offered. It returns
	// iox.ErrWouldBlock when nothing could be accepted.
	Write(p []byte) (int, error)
	// PendingWrites reports whether accepted bytes are still queued.
	PendingWrites() bool
	// Flush pushes user-space queued bytes; iox.ErrWouldBlock while some remain.
	Flush() error
	Close() error
	RemoteAddr() net.Addr
}

// maxTLSChunk bounds the plaintext handed to one TLS record write so that
// backpressure is observed between records.
const maxTLSChunk = 16 << 10

// Plain returns a transport over a non-blocking socket.
func Plain(sock *Socket) Transport {
	sock.SetNonblocking(true)
	return &plainTransport{sock: sock}
}

type plainTransport struct {
	sock *Socket
}

func (t *plainTransport) Read(p []byte) (int, error) { return t.sock.readNonblocking(p) }

func (t *plainTransport) Write(p []byte) (int, error) {
	if err := t.sock.Flush(); err != nil {
		return 0, err
	}
	return t.sock.writeNonblocking(p)
}

func (t *plainTransport) PendingWrites() bool  { return t.sock.PendingWrites() }
func (t *plainTransport) Flush() error         { return t.sock.Flush() }
func (t *plainTransport) Close() error         { return t.sock.Close() }
func (t *plainTransport) RemoteAddr() net.Addr { return t.sock.RemoteAddr() }

// TLS returns a transport over an established TLS session. conn must have
// been created on top of sock and must have completed its handshake.
func TLS(conn *tls.Conn, sock *Socket) Transport {
	sock.SetNonblocking(true)
	return &tlsTransport{conn: conn, sock: sock}
}

type tlsTransport struct {
	conn *tls.Conn
	sock *Socket
}

func (t *tlsTransport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if err != nil && errors.Is(err, iox.ErrWouldBlock) {
		return n, iox.ErrWouldBlock
	}
	return n, err
}

func (t *tlsTransport) Write(p []byte) (int, error) {
	if err := t.sock.Flush(); err != nil {
		return 0, err
	}
	if len(p) > maxTLSChunk {
		p = p[:maxTLSChunk]
	}
	return t.conn.Write(p)
}

func (t *tlsTransport) PendingWrites() bool {
	_ = t.sock.Flush()
	return t.sock.PendingWrites()
}

func (t *tlsTransport) Flush() error { return t.sock.Flush() }

func (t *tlsTransport) Close() error {
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (t *tlsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
