// Package cert keeps the server's public TLS certificate current: it loads the
// persisted bundle, drives ACME HTTP-01 issuance when the bundle is missing or
// close to expiry, and installs the result on the secure listener.
package cert

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/domain"
)

// Bundle is a leaf certificate, its intermediate, and the PKCS#8 private key,
// each PEM encoded. A bundle is replaced as a whole, never edited.
type Bundle struct {
	Certificate  []byte
	Intermediate []byte
	PrivateKey   []byte
}

// Leaf parses the first certificate of the bundle.
func (b *Bundle) Leaf() (*x509.Certificate, error) {
	block, _ := pem.Decode(b.Certificate)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to parse certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// NotAfter returns the expiry of the leaf certificate.
func (b *Bundle) NotAfter() (time.Time, error) {
	leaf, err := b.Leaf()
	if err != nil {
		return time.Time{}, err
	}
	return leaf.NotAfter, nil
}

// DaysTillExpiry counts whole days left at now; zero once expired.
func (b *Bundle) DaysTillExpiry(now time.Time) (int, error) {
	notAfter, err := b.NotAfter()
	if err != nil {
		return 0, err
	}
	left := notAfter.Sub(now)
	if left <= 0 {
		return 0, nil
	}
	return int(left / (24 * time.Hour)), nil
}

// TLSCertificate builds the chain served to clients.
func (b *Bundle) TLSCertificate() (tls.Certificate, error) {
	chain := make([]byte, 0, len(b.Certificate)+len(b.Intermediate)+1)
	chain = append(chain, bytes.TrimSpace(b.Certificate)...)
	chain = append(chain, '\n')
	chain = append(chain, b.Intermediate...)
	c, err := tls.X509KeyPair(chain, b.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certificate key pair: %w", err)
	}
	return c, nil
}

// Paths names the three files a bundle is persisted to.
type Paths struct {
	Certificate  string
	Intermediate string
	PrivateKey   string
}

// PathsFor returns the bundle files under stateDir. Staging certificates get
// their own names so they never replace production ones.
func PathsFor(stateDir string, staging bool) Paths {
	prefix := ""
	if staging {
		prefix = "staging_"
	}
	return Paths{
		Certificate:  filepath.Join(stateDir, prefix+"certificate_chain.pem"),
		Intermediate: filepath.Join(stateDir, prefix+"intermediate_cert.pem"),
		PrivateKey:   filepath.Join(stateDir, prefix+"private_key.pem"),
	}
}

// Load reads a persisted bundle. A bundle with renewalDays or fewer days left
// is rejected with domain.ErrCertificateExpired.
func Load(p Paths, renewalDays int, now time.Time) (*Bundle, int, error) {
	var b Bundle
	var err error
	if b.Certificate, err = os.ReadFile(p.Certificate); err != nil {
		return nil, 0, err
	}
	if b.Intermediate, err = os.ReadFile(p.Intermediate); err != nil {
		return nil, 0, err
	}
	if b.PrivateKey, err = os.ReadFile(p.PrivateKey); err != nil {
		return nil, 0, err
	}
	days, err := b.DaysTillExpiry(now)
	if err != nil {
		return nil, 0, err
	}
	if days <= renewalDays {
		return nil, days, fmt.Errorf("%w: %d days left", domain.ErrCertificateExpired, days)
	}
	return &b, days, nil
}

// Save writes all three files, creating parent directories as needed.
func Save(p Paths, b *Bundle) error {
	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{p.Certificate, b.Certificate, 0o644},
		{p.Intermediate, b.Intermediate, 0o644},
		{p.PrivateKey, b.PrivateKey, 0o600},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(f.path), err)
		}
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}

func pemCerts(der [][]byte) []byte {
	var buf bytes.Buffer
	for _, d := range der {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: d})
	}
	return buf.Bytes()
}
