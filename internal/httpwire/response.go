package httpwire

import (
	"strconv"
	"strings"
)

// Status lines emitted by the server.
const (
	StatusOK               = "HTTP/1.1 200 OK"
	StatusMovedPermanently = "HTTP/1.1 301 Moved Permanently"
	StatusBadRequest       = "HTTP/1.1 400 Bad Request"
	StatusNotFound         = "HTTP/1.1 404 File not found"
	StatusInternalError    = "HTTP/1.1 500 Internal Server Error"
)

// Response is a response head. Headers are written in the order they were set.
type Response struct {
	status string
	keys   []string
	values []string
}

// NewResponse starts a response with the given status line.
func NewResponse(status string) *Response {
	return &Response{status: status}
}

// Set adds or replaces a header.
func (r *Response) Set(key, value string) *Response {
	for i, k := range r.keys {
		if strings.EqualFold(k, key) {
			r.values[i] = value
			return r
		}
	}
	r.keys = append(r.keys, key)
	r.values = append(r.values, value)
	return r
}

// SetContentLength sets Content-Length to n.
func (r *Response) SetContentLength(n int) *Response {
	return r.Set("Content-Length", strconv.Itoa(n))
}

// Status returns the status line.
func (r *Response) Status() string { return r.status }

// Header returns the value of a header set on r.
func (r *Response) Header(key string) (string, bool) {
	for i, k := range r.keys {
		if strings.EqualFold(k, key) {
			return r.values[i], true
		}
	}
	return "", false
}

// Bytes renders the head, terminated by the blank line.
func (r *Response) Bytes() []byte {
	var b strings.Builder
	b.WriteString(r.status)
	b.WriteString("\r\n")
	for i, k := range r.keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(r.values[i])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
