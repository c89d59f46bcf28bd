package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"code.hybscloud.com/iox"
)

// wouldBlockError is what the socket hands to crypto/tls. It is a temporary
// net.Error, which tls.Conn treats as retryable for reads instead of
// poisoning the session.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "transport: would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }
func (wouldBlockError) Is(target error) bool {
	return target == iox.ErrWouldBlock
}

var errWouldBlock net.Error = wouldBlockError{}

// Socket adapts an accepted TCP connection. In blocking mode it behaves like
// the wrapped net.Conn, which is what a TLS handshake needs. In non-blocking
// mode reads and writes go straight to the file descriptor and never wait.
//
// Writes made through the net.Conn interface in non-blocking mode are always
// accepted in full; whatever the kernel refuses is queued and pushed by Flush.
// That keeps crypto/tls, which treats any write error as fatal, unaware of
// backpressure.
type Socket struct {
	net.Conn
	raw      syscall.RawConn
	nonblock atomic.Bool
	pending  []byte
	lastFull time.Time
}

// NewSocket wraps c, which must expose its file descriptor.
func NewSocket(c net.Conn) (*Socket, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("transport: %T does not expose a raw connection", c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("transport: raw connection: %w", err)
	}
	return &Socket{Conn: c, raw: raw}, nil
}

// SetNonblocking switches the socket between blocking and non-blocking mode.
func (s *Socket) SetNonblocking(on bool) {
	s.nonblock.Store(on)
}

// Nonblocking reports the current mode.
func (s *Socket) Nonblocking() bool {
	return s.nonblock.Load()
}

// Read implements net.Conn.
func (s *Socket) Read(p []byte) (int, error) {
	if !s.nonblock.Load() {
		return s.Conn.Read(p)
	}
	n, err := s.readNonblocking(p)
	if errors.Is(err, iox.ErrWouldBlock) {
		return n, errWouldBlock
	}
	return n, err
}

// Write implements net.Conn.
func (s *Socket) Write(p []byte) (int, error) {
	if !s.nonblock.Load() {
		return s.Conn.Write(p)
	}
	if len(s.pending) > 0 {
		if err := s.Flush(); err != nil && !errors.Is(err, iox.ErrWouldBlock) {
			return 0, err
		}
	}
	if len(s.pending) > 0 {
		s.pending = append(s.pending, p...)
		return len(p), nil
	}
	n, err := s.writeNonblocking(p)
	if err != nil && !errors.Is(err, iox.ErrWouldBlock) {
		return n, err
	}
	if n < len(p) {
		s.pending = append(s.pending, p[n:]...)
	}
	return len(p), nil
}

// Flush pushes queued bytes to the kernel.
func (s *Socket) Flush() error {
	for len(s.pending) > 0 {
		n, err := s.writeNonblocking(s.pending)
		if n > 0 {
			s.pending = s.pending[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return iox.ErrWouldBlock
		}
	}
	s.pending = nil
	return nil
}

// PendingWrites reports whether bytes are still queued in user space or in
// the kernel send queue.
func (s *Socket) PendingWrites() bool {
	return len(s.pending) > 0 || s.kernelPending()
}

// Close implements net.Conn. Queued bytes get one last non-blocking push.
func (s *Socket) Close() error {
	if s.nonblock.Load() && len(s.pending) > 0 {
		_ = s.Flush()
	}
	return s.Conn.Close()
}

func (s *Socket) readNonblocking(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.rawRead(p)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			return 0, iox.ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *Socket) writeNonblocking(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.rawWrite(p)
	if n < len(p) {
		s.lastFull = time.Now()
	}
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			return n, iox.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}
