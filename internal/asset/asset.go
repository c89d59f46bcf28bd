// Package asset holds servable bodies in the three encodings the server
// negotiates.
package asset

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

// Encoding is a content coding offered to clients.
type Encoding int

const (
	Identity Encoding = iota
	Gzip
	Deflate
)

func (e Encoding) String() string {
	switch e {
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	default:
		return "identity"
	}
}

// ContentEncoding is the Content-Encoding header value, empty for identity.
func (e Encoding) ContentEncoding() string {
	if e == Identity {
		return ""
	}
	return e.String()
}

// Rank orders encodings by preference; lower wins.
func (e Encoding) Rank() int {
	switch e {
	case Gzip:
		return 1
	case Deflate:
		return 2
	default:
		return 10
	}
}

// Asset produces a body in a requested encoding.
type Asset interface {
	Body(enc Encoding) ([]byte, error)
}

// Cached keeps all three encodings in memory, compressed once at the best
// level.
type Cached struct {
	identity []byte
	gzip     []byte
	deflate  []byte
}

// NewCached compresses data into every encoding.
func NewCached(data []byte) (*Cached, error) {
	gz, err := Compress(data, Gzip, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	df, err := Compress(data, Deflate, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	return &Cached{identity: data, gzip: gz, deflate: df}, nil
}

// Body returns the precomputed bytes. Callers must not modify them.
func (c *Cached) Body(enc Encoding) ([]byte, error) {
	switch enc {
	case Gzip:
		return c.gzip, nil
	case Deflate:
		return c.deflate, nil
	default:
		return c.identity, nil
	}
}

// Size is the uncompressed length.
func (c *Cached) Size() int { return len(c.identity) }

// File is read from disk and compressed at the fastest level on every request.
type File struct {
	Path string
}

func (f File) Body(enc Encoding) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", f.Path, err)
	}
	if enc == Identity {
		return data, nil
	}
	return Compress(data, enc, flate.BestSpeed)
}

// Compress encodes data. Deflate is a raw DEFLATE stream without zlib framing.
func Compress(data []byte, enc Encoding, level int) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch enc {
	case Identity:
		return data, nil
	case Gzip:
		w, err = gzip.NewWriterLevel(&buf, level)
	case Deflate:
		w, err = flate.NewWriter(&buf, level)
	default:
		return nil, fmt.Errorf("unknown encoding %d", enc)
	}
	if err != nil {
		return nil, fmt.Errorf("%s writer: %w", enc, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s compress: %w", enc, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compress: %w", enc, err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte, enc Encoding) ([]byte, error) {
	var r io.ReadCloser
	switch enc {
	case Identity:
		return data, nil
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		r = zr
	case Deflate:
		r = flate.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unknown encoding %d", enc)
	}
	defer r.Close()
	return io.ReadAll(r)
}
