package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/spiderbutter/spiderbutter/internal/domain"
	"github.com/spiderbutter/spiderbutter/internal/fileserver"
	"github.com/spiderbutter/spiderbutter/internal/mapping"
)

const (
	defaultRenewalDays  = 7
	defaultSettleDelay  = 200 * time.Millisecond
	defaultPollInterval = 200 * time.Millisecond
	defaultRetryDelay   = time.Minute
	defaultSleepStep    = time.Hour

	challengePathPrefix = "/.well-known/acme-challenge/"
)

// Publisher delivers commands to a running listener.
type Publisher interface {
	Send(ctx context.Context, cmd fileserver.Command) error
}

// EventRecorder keeps certificate lifecycle history.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev domain.CertEvent) (int64, error)
}

// Options configures a Manager.
type Options struct {
	Domains  []string
	Staging  bool
	StateDir string

	// RenewalDays is the window before expiry in which a certificate is renewed.
	RenewalDays int
	// SettleDelay gives the plaintext listener time to pick up challenge
	// responses before the ACME server is asked to validate them.
	SettleDelay  time.Duration
	PollInterval time.Duration
	RetryDelay   time.Duration
	SleepStep    time.Duration
}

func (o Options) withDefaults() Options {
	if o.RenewalDays <= 0 {
		o.RenewalDays = defaultRenewalDays
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.SleepStep <= 0 {
		o.SleepStep = defaultSleepStep
	}
	return o
}

// Manager owns the certificate lifecycle for one set of domains.
type Manager struct {
	opts   Options
	paths  Paths
	client ACMEClient
	plain  Publisher
	secure Publisher
	events EventRecorder
	log    *slog.Logger
	now    func() time.Time
}

// NewManager wires a manager. Challenge tables go to plain, certificates to
// secure. events may be nil.
func NewManager(opts Options, client ACMEClient, plain, secure Publisher, events EventRecorder, logger *slog.Logger) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:   opts,
		paths:  PathsFor(opts.StateDir, opts.Staging),
		client: client,
		plain:  plain,
		secure: secure,
		events: events,
		log:    logger,
		now:    time.Now,
	}
}

// Paths returns where the manager persists its bundle.
func (m *Manager) Paths() Paths { return m.paths }

// Run keeps a valid certificate installed on the secure listener until ctx
// is done. Failed attempts are retried after RetryDelay.
func (m *Manager) Run(ctx context.Context) error {
	for {
		b, err := m.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Error("failed to acquire certificate", "domains", m.opts.Domains, "err", err)
			if !m.sleep(ctx, m.opts.RetryDelay) {
				return nil
			}
			continue
		}

		c, err := b.TLSCertificate()
		if err == nil {
			err = m.secure.Send(ctx, fileserver.SetCertificate{Certificate: c})
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Error("failed to install certificate", "err", err)
			if !m.sleep(ctx, m.opts.RetryDelay) {
				return nil
			}
			continue
		}

		days, wait := m.renewIn(b)
		m.log.Info("certificate installed", "days_left", days, "renew_in", wait)
		if !m.sleep(ctx, wait) {
			return nil
		}
	}
}

// renewIn is the wait before the next attempt. A certificate issued already
// inside the renewal window is kept for half its remaining lifetime, and never
// less than RetryDelay, so short-lived certificates are not re-ordered at once.
func (m *Manager) renewIn(b *Bundle) (int, time.Duration) {
	now := m.now()
	days, _ := b.DaysTillExpiry(now)
	wait := time.Duration(days-m.opts.RenewalDays) * 24 * time.Hour
	if wait > 0 {
		return days, wait
	}
	wait = m.opts.RetryDelay
	if notAfter, err := b.NotAfter(); err == nil {
		wait = max(notAfter.Sub(now)/2, wait)
	}
	m.log.Warn("certificate lifetime is inside the renewal window", "days_left", days, "renewal_days", m.opts.RenewalDays, "renew_in", wait)
	return days, wait
}

// sleep waits d in SleepStep increments; false means ctx ended first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		step := min(d, m.opts.SleepStep)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		d -= step
	}
	return ctx.Err() == nil
}

// Acquire returns the persisted bundle when it is still outside the renewal
// window, and issues a new one otherwise.
func (m *Manager) Acquire(ctx context.Context) (*Bundle, error) {
	b, days, err := Load(m.paths, m.opts.RenewalDays, m.now())
	if err == nil {
		m.log.Info("reusing stored certificate", "days_left", days)
		m.record(ctx, domain.CertOutcomeReused, "", b)
		return b, nil
	}
	m.log.Info("requesting new certificate", "domains", m.opts.Domains, "reason", err)

	b, err = m.Issue(ctx)
	if err != nil {
		m.record(ctx, domain.CertOutcomeFailed, err.Error(), nil)
		return nil, err
	}
	if err := Save(m.paths, b); err != nil {
		m.record(ctx, domain.CertOutcomeFailed, err.Error(), b)
		return nil, err
	}
	m.record(ctx, domain.CertOutcomeIssued, "", b)
	return b, nil
}

// Issue runs one ACME order with HTTP-01 validation and returns the signed
// bundle. Challenge responses are published to the plaintext listener before
// any challenge is accepted.
func (m *Manager) Issue(ctx context.Context) (*Bundle, error) {
	domains := normalizeDomains(m.opts.Domains)
	if len(domains) == 0 {
		return nil, domain.ErrNoDomains
	}
	if err := m.client.Register(ctx); err != nil {
		return nil, err
	}
	order, err := m.client.AuthorizeOrder(ctx, domains)
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}

	var challenges []*acme.Challenge
	var routes []mapping.DataRoute
	for _, u := range order.AuthzURLs {
		authz, err := m.client.GetAuthorization(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		chal := httpChallenge(authz)
		if chal == nil {
			return nil, fmt.Errorf("%w for %s", domain.ErrNoHTTPChallenge, authz.Identifier.Value)
		}
		keyAuth, err := m.client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, fmt.Errorf("challenge response: %w", err)
		}
		challenges = append(challenges, chal)
		routes = append(routes, mapping.DataRoute{
			Path: challengePathPrefix + chal.Token,
			Data: []byte(keyAuth),
		})
	}

	if len(challenges) > 0 {
		table, err := mapping.FromData(routes...)
		if err != nil {
			return nil, err
		}
		if err := m.plain.Send(ctx, fileserver.NewRoutingTable{Table: table}); err != nil {
			return nil, fmt.Errorf("publish challenges: %w", err)
		}
		if !m.sleep(ctx, m.opts.SettleDelay) {
			return nil, ctx.Err()
		}
		for _, chal := range challenges {
			if _, err := m.client.Accept(ctx, chal); err != nil {
				return nil, fmt.Errorf("accept challenge: %w", err)
			}
		}
	}

	order, err = m.waitOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}
	var der [][]byte
	if order.Status == acme.StatusValid && order.CertURL != "" {
		der, err = m.client.FetchCert(ctx, order.CertURL)
	} else {
		var csr []byte
		csr, err = x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject:  pkix.Name{CommonName: domains[0]},
			DNSNames: domains,
		}, key)
		if err != nil {
			return nil, fmt.Errorf("create csr: %w", err)
		}
		der, err = m.client.CreateOrderCert(ctx, order.FinalizeURL, csr)
	}
	if err != nil {
		return nil, fmt.Errorf("finalize order: %w", err)
	}
	if len(der) == 0 {
		return nil, errors.New("finalize order: empty certificate chain")
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Certificate:  pemCerts(der[:1]),
		Intermediate: pemCerts(der[1:]),
		PrivateKey:   pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
	}, nil
}

// waitOrder polls until the order is ready or valid.
func (m *Manager) waitOrder(ctx context.Context, order *acme.Order) (*acme.Order, error) {
	for {
		switch order.Status {
		case acme.StatusReady, acme.StatusValid:
			return order, nil
		case acme.StatusInvalid:
			return nil, fmt.Errorf("%w: order %s", domain.ErrAuthorizationFailed, order.URI)
		}
		if !m.sleep(ctx, m.opts.PollInterval) {
			return nil, ctx.Err()
		}
		next, err := m.client.GetOrder(ctx, order.URI)
		if err != nil {
			return nil, fmt.Errorf("poll order: %w", err)
		}
		order = next
	}
}

func httpChallenge(authz *acme.Authorization) *acme.Challenge {
	for _, c := range authz.Challenges {
		if strings.HasPrefix(c.Type, "http") {
			return c
		}
	}
	return nil
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (m *Manager) record(ctx context.Context, outcome, detail string, b *Bundle) {
	if m.events == nil {
		return
	}
	ev := domain.CertEvent{
		Domains:   m.opts.Domains,
		Staging:   m.opts.Staging,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: m.now().UTC(),
	}
	if b != nil {
		if na, err := b.NotAfter(); err == nil {
			ev.NotAfter = &na
		}
	}
	if _, err := m.events.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("failed to record certificate event", "err", err)
	}
}
