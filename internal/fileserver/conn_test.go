package fileserver

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"code.hybscloud.com/iox"

	"github.com/spiderbutter/spiderbutter/internal/domain"
	"github.com/spiderbutter/spiderbutter/internal/mapping"
)

type readResult struct {
	data []byte
	err  error
}

// fakeTransport replays scripted reads and accepts at most limit bytes per write.
type fakeTransport struct {
	reads    []readResult
	out      bytes.Buffer
	limit    int
	writeErr error
	pending  int
	closed   bool
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, iox.ErrWouldBlock
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	n := copy(p, r.data)
	return n, r.err
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.limit > 0 && len(p) > f.limit {
		p = p[:f.limit]
		f.pending = 1
	}
	return f.out.Write(p)
}

func (f *fakeTransport) PendingWrites() bool {
	if f.pending > 0 {
		f.pending--
		return true
	}
	return false
}

func (f *fakeTransport) Flush() error { return nil }
func (f *fakeTransport) Close() error { f.closed = true; return nil }
func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
}

func runConn(t *testing.T, c *conn) (int, error) {
	t.Helper()
	for i := 1; i <= 10000; i++ {
		err := c.step()
		if !iox.IsWouldBlock(err) {
			return i, err
		}
	}
	t.Fatal("connection never finished")
	return 0, nil
}

func dataTable(t *testing.T, routes ...mapping.DataRoute) *mapping.Table {
	t.Helper()
	tbl, err := mapping.FromData(routes...)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	return tbl
}

func TestConnServesAfterWouldBlock(t *testing.T) {
	tr := &fakeTransport{reads: []readResult{
		{err: iox.ErrWouldBlock},
		{data: []byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\n")},
	}}
	c := newConn(tr, dataTable(t, mapping.DataRoute{Path: "/a", Data: []byte("hello"), ContentType: "text/plain"}), false, time.Second)

	steps, err := runConn(t, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if steps != 2 {
		t.Fatalf("expected to suspend once, took %d steps", steps)
	}
	want := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	if got := tr.out.String(); got != want {
		t.Fatalf("unexpected response:\n%q\nwant\n%q", got, want)
	}
}

func TestConnShortWritesWaitForDrain(t *testing.T) {
	body := strings.Repeat("x", 100)
	tr := &fakeTransport{
		reads: []readResult{{data: []byte("GET /a HTTP/1.0\r\n\r\n")}},
		limit: 16,
	}
	c := newConn(tr, dataTable(t, mapping.DataRoute{Path: "/a", Data: []byte(body)}), false, time.Second)

	if _, err := runConn(t, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(tr.out.String(), "\r\n\r\n"+body) {
		t.Fatalf("body not fully written: %q", tr.out.String())
	}
}

func TestConnReadTimeout(t *testing.T) {
	tr := &fakeTransport{}
	c := newConn(tr, mapping.Empty(), false, 5*time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if err := c.step(); !iox.IsWouldBlock(err) {
		t.Fatalf("expected would-block before deadline, got %v", err)
	}
	now = now.Add(5*time.Second + time.Millisecond)
	err := c.step()
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Fatalf("expected request timeout, got %v", err)
	}
	var ce *domain.ConnError
	if !errors.As(err, &ce) || ce.Op != "read" || ce.Remote != "127.0.0.1:4242" {
		t.Fatalf("unexpected conn error %#v", err)
	}
	if tr.out.Len() != 0 {
		t.Fatalf("expected no response on timeout, got %q", tr.out.String())
	}
}

func TestConnPeerClosed(t *testing.T) {
	for _, r := range []readResult{{}, {err: io.EOF}} {
		tr := &fakeTransport{reads: []readResult{r}}
		c := newConn(tr, mapping.Empty(), false, time.Second)
		if _, err := runConn(t, c); !errors.Is(err, domain.ErrPeerClosed) {
			t.Fatalf("expected peer closed, got %v", err)
		}
	}
}

func TestConnReadErrorTerminates(t *testing.T) {
	boom := errors.New("boom")
	tr := &fakeTransport{reads: []readResult{{err: boom}}}
	c := newConn(tr, mapping.Empty(), false, time.Second)
	if _, err := runConn(t, c); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestConnBadRequestRespondsAndFails(t *testing.T) {
	tr := &fakeTransport{reads: []readResult{{data: []byte("PUT /a HTTP/1.1\r\n\r\n")}}}
	c := newConn(tr, dataTable(t, mapping.DataRoute{Path: "/a", Data: []byte("x")}), false, time.Second)

	_, err := runConn(t, c)
	if !errors.Is(err, domain.ErrUnsupportedMethod) {
		t.Fatalf("expected unsupported method, got %v", err)
	}
	if got := tr.out.String(); got != "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n" {
		t.Fatalf("unexpected response %q", got)
	}
}

func TestConnWriteErrorTerminates(t *testing.T) {
	boom := errors.New("broken pipe")
	tr := &fakeTransport{
		reads:    []readResult{{data: []byte("GET /a HTTP/1.1\r\n\r\n")}},
		writeErr: boom,
	}
	c := newConn(tr, mapping.Empty(), false, time.Second)
	_, err := runConn(t, c)
	var ce *domain.ConnError
	if !errors.Is(err, boom) || !errors.As(err, &ce) || ce.Op != "write" {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}

func TestConnRedirectKeepsChallengePath(t *testing.T) {
	tbl := dataTable(t, mapping.DataRoute{Path: challengePrefix + "abc123", Data: []byte("abc123.key")})

	tr := &fakeTransport{reads: []readResult{{data: []byte("GET /docs?page=2 HTTP/1.1\r\nHost: example.com\r\n\r\n")}}}
	if _, err := runConn(t, newConn(tr, tbl, true, time.Second)); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	want := "HTTP/1.1 301 Moved Permanently\r\nLocation: https://example.com/docs?page=2\r\nConnection: close\r\n\r\n"
	if got := tr.out.String(); got != want {
		t.Fatalf("unexpected redirect %q", got)
	}

	tr = &fakeTransport{reads: []readResult{{data: []byte("GET /.well-known/acme-challenge/abc123 HTTP/1.1\r\nHost: example.com\r\n\r\n")}}}
	if _, err := runConn(t, newConn(tr, tbl, true, time.Second)); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if !strings.HasPrefix(tr.out.String(), "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(tr.out.String(), "\r\n\r\nabc123.key") {
		t.Fatalf("unexpected challenge response %q", tr.out.String())
	}
}
