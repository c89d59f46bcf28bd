package fileserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"code.hybscloud.com/iox"

	"github.com/spiderbutter/spiderbutter/internal/domain"
	"github.com/spiderbutter/spiderbutter/internal/transport"
)

const defaultHandshakeTimeout = 5 * time.Second

// upgrade runs a TLS handshake for an accepted socket and then hands the
// encrypted stream to a connection. crypto/tls cannot resume a handshake
// after a short read, so the handshake itself runs on a helper goroutine over
// a blocking socket; the step function only polls for its outcome and
// enforces the deadline.
type upgrade struct {
	sock     *transport.Socket
	tc       *tls.Conn
	deadline time.Time
	now      func() time.Time
	next     func(transport.Transport) *conn

	started bool
	done    chan error
	cancel  context.CancelFunc
	inner   *conn
}

func newUpgrade(sock *transport.Socket, cfg *tls.Config, timeout time.Duration, next func(transport.Transport) *conn) *upgrade {
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &upgrade{
		sock:     sock,
		tc:       tls.Server(sock, cfg),
		deadline: time.Now().Add(timeout),
		now:      time.Now,
		next:     next,
		done:     make(chan error, 1),
	}
}

func (u *upgrade) step() error {
	if u.inner != nil {
		return u.inner.step()
	}
	if !u.started {
		u.start()
	}
	select {
	case err := <-u.done:
		u.cancel()
		if err != nil {
			return u.wrap(fmt.Errorf("tls handshake: %w", err))
		}
		_ = u.sock.SetDeadline(time.Time{})
		u.inner = u.next(transport.TLS(u.tc, u.sock))
		return u.inner.step()
	default:
	}
	if u.now().After(u.deadline) {
		u.cancel()
		_ = u.sock.Close()
		return u.wrap(domain.ErrHandshakeTimeout)
	}
	return iox.ErrWouldBlock
}

func (u *upgrade) start() {
	u.started = true
	_ = u.sock.SetDeadline(u.deadline)
	ctx, cancel := context.WithDeadline(context.Background(), u.deadline)
	u.cancel = cancel
	go func() {
		u.done <- u.tc.HandshakeContext(ctx)
	}()
}

func (u *upgrade) close() error {
	if u.inner != nil {
		return u.inner.close()
	}
	if u.cancel != nil {
		u.cancel()
	}
	return u.sock.Close()
}

func (u *upgrade) wrap(err error) error {
	remote := ""
	if addr := u.sock.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &domain.ConnError{Remote: remote, Op: "handshake", Err: err}
}

// isLikelyScannerTLSReason reports handshake failures typical of port
// scanners and plain HTTP clients hitting the TLS port.
func isLikelyScannerTLSReason(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	reason := strings.ToLower(err.Error())
	return strings.HasSuffix(reason, ": eof") ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "unsupported application protocols") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "unsupported sslv2 handshake received") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
