package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrRequestTimeout means the client did not deliver a request before the
	// read deadline expired.
	ErrRequestTimeout = errors.New("timeout during request read")

	// ErrPeerClosed is returned when the peer closed the stream before sending
	// anything.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrHandshakeTimeout means a TLS upgrade did not complete in time.
	ErrHandshakeTimeout = errors.New("timeout while trying to upgrade connection")

	// ErrBadRequest indicates a request that could not be parsed.
	ErrBadRequest = errors.New("malformed request")

	// ErrUnsupportedMethod is returned for any method other than GET.
	ErrUnsupportedMethod = errors.New("non-GET requests not supported")

	// ErrUnsupportedVersion is returned for a missing or unknown HTTP version.
	ErrUnsupportedVersion = errors.New("invalid HTTP version")

	// ErrNoHTTPChallenge means an authorization offered no HTTP-based challenge.
	ErrNoHTTPChallenge = errors.New("http challenge not found")

	// ErrAuthorizationFailed is returned when the ACME order turns invalid.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrCertificateExpired means a persisted certificate is expired or inside
	// the renewal window.
	ErrCertificateExpired = errors.New("certificate expired or near expiry")

	// ErrNoDomains is returned when an order is requested for an empty domain set.
	ErrNoDomains = errors.New("no domains configured")
)

// ConnError wraps an underlying error with connection context.
type ConnError struct {
	Remote string
	Op     string
	Err    error
}

func (e *ConnError) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("conn %s: %s: %v", e.Remote, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
