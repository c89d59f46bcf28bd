// Package fileserver is the connection engine: an acceptor loop per listener,
// a fixed pool of workers multiplexing in-flight connections, and the per
// connection state machines that read one request and stream one response.
package fileserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/domain"
	ilog "github.com/spiderbutter/spiderbutter/internal/log"
	"github.com/spiderbutter/spiderbutter/internal/mapping"
	"github.com/spiderbutter/spiderbutter/internal/task"
	"github.com/spiderbutter/spiderbutter/internal/transport"
)

// Options configures a Server. Zero values select the defaults.
type Options struct {
	// Name labels log records, e.g. "plain" or "secure".
	Name             string
	Workers          int
	QueueSize        int
	MaxOwned         int
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	// Secure marks the listener as the TLS endpoint. Until a certificate is
	// installed it serves plaintext.
	Secure bool
}

// Server runs one listener.
type Server struct {
	ln       net.Listener
	opts     Options
	log      *slog.Logger
	pool     *Pool
	commands chan Command
	table    atomic.Pointer[mapping.Table]

	// Owned by the acceptor loop.
	redirect    bool
	tlsConfig   *tls.Config
	warnedPlain bool
}

// New prepares a server for ln. Nothing runs until Serve.
func New(ln net.Listener, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = ilog.Discard()
	}
	if opts.Name != "" {
		logger = logger.With("listener", opts.Name)
	}
	s := &Server{
		ln:       ln,
		opts:     opts,
		log:      logger,
		pool:     NewPool(opts.Workers, opts.QueueSize, opts.MaxOwned, logger),
		commands: make(chan Command, commandQueueSize),
	}
	s.table.Store(mapping.Empty())
	return s
}

// Send delivers cmd, waiting for room in the control channel.
func (s *Server) Send(ctx context.Context, cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	default:
	}
	s.log.Warn("command queue full; waiting for the acceptor", "command", fmt.Sprintf("%T", cmd))
	select {
	case s.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close releases the listener of a server that never ran Serve.
func (s *Server) Close() error { return s.ln.Close() }

// Table returns the routing table currently installed.
func (s *Server) Table() *mapping.Table { return s.table.Load() }

// Serve runs the acceptor loop until ctx is cancelled or the listener is
// closed. Pending commands are applied after each accept, before the new
// connection is handed to a worker, and whenever the listener sits idle.
func (s *Server) Serve(ctx context.Context) error {
	s.pool.Start()
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	defer func() {
		if !s.pool.Close(s.drainTimeout()) {
			s.log.Warn("workers did not finish before shutdown")
		}
	}()

	s.log.Info("listening", "addr", s.ln.Addr().String(), "workers", s.pool.Size())
	dl, _ := s.ln.(deadliner)
	var tempDelay time.Duration
	for {
		if dl != nil {
			_ = dl.SetDeadline(time.Now().Add(idleDrainInterval))
		}
		c, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if dl != nil && errors.Is(err, os.ErrDeadlineExceeded) {
				// Idle: apply queued commands without waiting for a client.
				s.drainCommands()
				continue
			}
			// Descriptor exhaustion and aborted handshakes pass; only a
			// closed listener ends the loop.
			tempDelay = nextAcceptDelay(tempDelay)
			s.log.Warn("accept failed; retrying", "err", err, "delay", tempDelay)
			t := time.NewTimer(tempDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		tempDelay = 0

		s.drainCommands()
		t, err := s.newSlot(c)
		if err != nil {
			s.log.Warn("dropping connection", "remote_addr", c.RemoteAddr().String(), "err", err)
			_ = c.Close()
			continue
		}
		s.pool.Submit(t)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, time.Second)
}

func (s *Server) drainCommands() {
	for {
		select {
		case cmd := <-s.commands:
			s.apply(cmd)
		default:
			return
		}
	}
}

func (s *Server) apply(cmd Command) {
	switch c := cmd.(type) {
	case NewRoutingTable:
		table := c.Table
		if table == nil {
			table = mapping.Empty()
		}
		s.table.Store(table)
		s.log.Info("routing table installed", "routes", table.Len())
	case SetCertificate:
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{c.Certificate},
			MinVersion:   tls.VersionTLS12,
		}
		s.log.Info("certificate installed")
	case EnterRedirectMode:
		s.redirect = true
		s.log.Info("redirecting to https")
	}
}

// newSlot wraps an accepted socket in its resumable computation, capturing
// the table and mode in force right now.
func (s *Server) newSlot(c net.Conn) (*task.Task, error) {
	sock, err := transport.NewSocket(c)
	if err != nil {
		return nil, err
	}
	table := s.table.Load()
	redirect := s.redirect

	if s.tlsConfig == nil {
		if s.opts.Secure && !s.warnedPlain {
			s.warnedPlain = true
			s.log.Warn("no certificate installed yet; serving plaintext on the secure listener")
		}
		cn := newConn(transport.Plain(sock), table, redirect, s.opts.ReadTimeout)
		return task.New(cn.step).OnFinish(func(err error) {
			_ = cn.close()
			s.finished(err)
		}), nil
	}

	u := newUpgrade(sock, s.tlsConfig, s.opts.HandshakeTimeout, func(tr transport.Transport) *conn {
		return newConn(tr, table, redirect, s.opts.ReadTimeout)
	})
	return task.New(u.step).OnFinish(func(err error) {
		_ = u.close()
		s.finished(err)
	}), nil
}

// finished logs the terminal state of a connection. Connection errors never
// leave the worker.
func (s *Server) finished(err error) {
	if err == nil {
		return
	}
	var ce *domain.ConnError
	remote := ""
	if errors.As(err, &ce) {
		remote = ce.Remote
	}
	switch {
	case errors.Is(err, domain.ErrPeerClosed),
		errors.Is(err, domain.ErrRequestTimeout),
		errors.Is(err, domain.ErrHandshakeTimeout),
		ce != nil && ce.Op == "handshake" && isLikelyScannerTLSReason(ce.Err):
		s.log.Debug("connection dropped", "remote_addr", remote, "err", err)
	default:
		s.log.Warn("connection failed", "remote_addr", remote, "err", err)
	}
}

func (s *Server) drainTimeout() time.Duration {
	read := s.opts.ReadTimeout
	if read <= 0 {
		read = defaultReadTimeout
	}
	hs := s.opts.HandshakeTimeout
	if hs <= 0 {
		hs = defaultHandshakeTimeout
	}
	return read + hs + time.Second
}
