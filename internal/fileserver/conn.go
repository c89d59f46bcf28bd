package fileserver

import (
	"errors"
	"io"
	"strings"
	"time"

	"code.hybscloud.com/iox"

	"github.com/spiderbutter/spiderbutter/internal/domain"
	"github.com/spiderbutter/spiderbutter/internal/httpwire"
	"github.com/spiderbutter/spiderbutter/internal/mapping"
	"github.com/spiderbutter/spiderbutter/internal/task"
	"github.com/spiderbutter/spiderbutter/internal/transport"
)

const (
	readBufferSize     = 8 << 10
	defaultReadTimeout = 5 * time.Second
	challengePrefix    = "/.well-known/acme-challenge/"
)

type connState int

const (
	stateRead connState = iota
	stateWrite
	stateFlush
	stateDone
)

// conn serves exactly one request: read, parse, redirect or route, then
// stream the response. The routing table and redirect flag are the ones in
// force when the connection was accepted.
type conn struct {
	tr       transport.Transport
	table    *mapping.Table
	redirect bool
	timeout  time.Duration
	now      func() time.Time

	state   connState
	buf     []byte
	started time.Time
	writes  []*task.WriteAll
	result  error
}

func newConn(tr transport.Transport, table *mapping.Table, redirect bool, timeout time.Duration) *conn {
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	return &conn{
		tr:       tr,
		table:    table,
		redirect: redirect,
		timeout:  timeout,
		now:      time.Now,
		buf:      make([]byte, readBufferSize),
	}
}

func (c *conn) step() error {
	for {
		switch c.state {
		case stateRead:
			if err := c.readRequest(); err != nil {
				return err
			}
		case stateWrite:
			for len(c.writes) > 0 {
				if err := c.writes[0].Step(); err != nil {
					if iox.IsWouldBlock(err) {
						return err
					}
					return c.wrap("write", err)
				}
				c.writes = c.writes[1:]
			}
			c.state = stateFlush
		case stateFlush:
			if err := c.tr.Flush(); err != nil {
				if iox.IsWouldBlock(err) {
					return err
				}
				return c.wrap("write", err)
			}
			c.state = stateDone
		default:
			return c.result
		}
	}
}

func (c *conn) readRequest() error {
	if c.started.IsZero() {
		c.started = c.now()
	}
	n, err := c.tr.Read(c.buf)
	switch {
	case err == nil && n > 0:
		res, body, result := c.handle(c.buf[:n])
		c.respond(res, body, result)
		return nil
	case err == nil || errors.Is(err, io.EOF):
		return c.wrap("read", domain.ErrPeerClosed)
	case iox.IsWouldBlock(err):
		if c.now().Sub(c.started) > c.timeout {
			return c.wrap("read", domain.ErrRequestTimeout)
		}
		return iox.ErrWouldBlock
	default:
		return c.wrap("read", err)
	}
}

// handle decides the response for a raw request. The returned error is the
// terminal result of the connection once the response has been written.
func (c *conn) handle(data []byte) (*httpwire.Response, []byte, error) {
	req, err := httpwire.ParseRequest(data)
	if err != nil {
		return httpwire.NewResponse(httpwire.StatusBadRequest), nil, c.wrap("parse", err)
	}

	if c.redirect && !strings.HasPrefix(req.Path(), challengePrefix) {
		// Host is taken from the client as is.
		res := httpwire.NewResponse(httpwire.StatusMovedPermanently).
			Set("Location", "https://"+req.Host()+req.URI)
		return res, nil, nil
	}

	enc := negotiate(req.Get("Accept-Encoding"))
	route, ok := c.table.Lookup(req.Path())
	if !ok {
		return httpwire.NewResponse(httpwire.StatusNotFound), nil, nil
	}
	body, err := route.Asset.Body(enc)
	if err != nil {
		return httpwire.NewResponse(httpwire.StatusInternalError), nil, c.wrap("serve", err)
	}

	res := httpwire.NewResponse(httpwire.StatusOK)
	if ce := enc.ContentEncoding(); ce != "" {
		res.Set("Content-Encoding", ce)
	}
	if route.ContentType != "" {
		res.Set("Content-Type", route.ContentType)
	}
	res.SetContentLength(len(body))
	return res, body, nil
}

func (c *conn) respond(res *httpwire.Response, body []byte, result error) {
	res.Set("Connection", "close")
	c.writes = append(c.writes, task.NewWriteAll(c.tr, res.Bytes()))
	if len(body) > 0 {
		c.writes = append(c.writes, task.NewWriteAll(c.tr, body))
	}
	c.result = result
	c.state = stateWrite
}

func (c *conn) close() error {
	return c.tr.Close()
}

func (c *conn) wrap(op string, err error) error {
	var ce *domain.ConnError
	if errors.As(err, &ce) {
		return err
	}
	remote := ""
	if addr := c.tr.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &domain.ConnError{Remote: remote, Op: op, Err: err}
}
