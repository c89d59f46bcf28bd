package fileserver

import (
	"crypto/tls"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/mapping"
)

// commandQueueSize bounds the control channel of one listener.
const commandQueueSize = 3

// idleDrainInterval is how often an idle acceptor applies queued commands.
const idleDrainInterval = 250 * time.Millisecond

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Command changes the state of a running listener. Commands are consumed by
// the acceptor loop and take effect for connections accepted afterwards.
type Command interface {
	command()
}

// NewRoutingTable replaces the routing table snapshot.
type NewRoutingTable struct {
	Table *mapping.Table
}

// SetCertificate installs the certificate used to upgrade new connections.
type SetCertificate struct {
	Certificate tls.Certificate
}

// EnterRedirectMode makes the listener answer every request outside the ACME
// challenge path with a redirect to HTTPS.
type EnterRedirectMode struct{}

func (NewRoutingTable) command()   {}
func (SetCertificate) command()    {}
func (EnterRedirectMode) command() {}
