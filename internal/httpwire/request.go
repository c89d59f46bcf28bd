// Package httpwire reads the request line and header block of an HTTP/1.x
// retrieval request and writes response heads. Bodies, chunking and
// persistent connections are out of its reach.
package httpwire

import (
	"fmt"
	"net/textproto"
	"strings"
	"unicode/utf8"

	"github.com/spiderbutter/spiderbutter/internal/domain"
)

// Request is a parsed request head.
type Request struct {
	Method  string
	URI     string
	Version string
	Header  map[string]string
}

// Get returns a header value by name, case-insensitively.
func (r *Request) Get(name string) string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header[textproto.CanonicalMIMEHeaderKey(name)]
}

// Host returns the Host header as sent by the client.
func (r *Request) Host() string { return r.Get("Host") }

// Path is the request URI without its query string or fragment.
func (r *Request) Path() string {
	path := r.URI
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return path
}

// ParseRequest interprets data as a single GET request head. Anything after
// the blank line terminating the head is ignored. Header lines without a colon
// are skipped; a later duplicate header replaces an earlier one.
func ParseRequest(data []byte) (*Request, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: request is not valid UTF-8", domain.ErrBadRequest)
	}
	text := string(data)
	if i := strings.Index(text, "\r\n\r\n"); i >= 0 {
		text = text[:i]
	}
	lines := strings.Split(text, "\r\n")

	fields := strings.Fields(lines[0])
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty request line", domain.ErrBadRequest)
	}
	if fields[0] != "GET" {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedMethod, fields[0])
	}
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: malformed request line %q", domain.ErrBadRequest, lines[0])
	}
	if fields[2] != "HTTP/1.0" && fields[2] != "HTTP/1.1" {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedVersion, fields[2])
	}

	req := &Request{
		Method:  fields[0],
		URI:     fields[1],
		Version: fields[2],
		Header:  make(map[string]string, len(lines)-1),
	}
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		req.Header[textproto.CanonicalMIMEHeaderKey(key)] = strings.TrimSpace(value)
	}
	return req, nil
}
