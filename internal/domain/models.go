// Package domain defines the error vocabulary and data types shared across
// the file server, certificate lifecycle, and store layers.
package domain

import "time"

// Certificate event outcomes recorded for every lifecycle attempt.
const (
	CertOutcomeReused = "reused"
	CertOutcomeIssued = "issued"
	CertOutcomeFailed = "failed"
)

// CertEvent is one row of certificate lifecycle history.
type CertEvent struct {
	ID        int64
	Domains   []string
	Staging   bool
	Outcome   string
	Detail    string
	NotAfter  *time.Time
	CreatedAt time.Time
}

// ACMEAccount is a persisted ACME account bound to one directory URL.
type ACMEAccount struct {
	DirectoryURL string
	KeyPEM       []byte
	URI          string
	CreatedAt    time.Time
}
