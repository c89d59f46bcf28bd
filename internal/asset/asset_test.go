package asset

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCachedRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("<p>spiderbutter</p>\n", 200))
	c, err := NewCached(data)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	for _, enc := range []Encoding{Identity, Gzip, Deflate} {
		body, err := c.Body(enc)
		if err != nil {
			t.Fatalf("%s body: %v", enc, err)
		}
		if enc != Identity && len(body) >= len(data) {
			t.Fatalf("%s body not compressed: %d >= %d", enc, len(body), len(data))
		}
		got, err := Decompress(body, enc)
		if err != nil {
			t.Fatalf("%s decompress: %v", enc, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("%s round trip mismatch", enc)
		}
	}
	if c.Size() != len(data) {
		t.Fatalf("unexpected size %d", c.Size())
	}
}

func TestCachedEmpty(t *testing.T) {
	c, err := NewCached(nil)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	body, _ := c.Body(Gzip)
	got, err := Decompress(body, Gzip)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty round trip, got %q err=%v", got, err)
	}
}

func TestFileReadsEachTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := File{Path: path}
	body, err := f.Body(Identity)
	if err != nil || string(body) != "first" {
		t.Fatalf("unexpected body %q err=%v", body, err)
	}

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	body, err = f.Body(Deflate)
	if err != nil {
		t.Fatalf("deflate body: %v", err)
	}
	got, err := Decompress(body, Deflate)
	if err != nil || string(got) != "second" {
		t.Fatalf("unexpected body %q err=%v", got, err)
	}
}

func TestFileMissing(t *testing.T) {
	if _, err := (File{Path: filepath.Join(t.TempDir(), "nope")}).Body(Identity); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEncodingNames(t *testing.T) {
	if Identity.ContentEncoding() != "" || Gzip.ContentEncoding() != "gzip" || Deflate.ContentEncoding() != "deflate" {
		t.Fatal("unexpected content-encoding values")
	}
	if !(Gzip.Rank() < Deflate.Rank() && Deflate.Rank() < Identity.Rank()) {
		t.Fatal("unexpected rank order")
	}
}
