package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/acme"

	"github.com/spiderbutter/spiderbutter/internal/domain"
	"github.com/spiderbutter/spiderbutter/internal/store/sqlite"
)

// LetsEncryptStagingURL is the staging directory, free of production rate limits.
const LetsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// DirectoryURL picks the production or staging directory.
func DirectoryURL(staging bool) string {
	if staging {
		return LetsEncryptStagingURL
	}
	return acme.LetsEncryptURL
}

// ACMEClient is the subset of the ACME protocol issuance needs.
type ACMEClient interface {
	Register(ctx context.Context) error
	AuthorizeOrder(ctx context.Context, domains []string) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	HTTP01ChallengeResponse(token string) (string, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	GetOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte) ([][]byte, error)
	FetchCert(ctx context.Context, certURL string) ([][]byte, error)
}

// AccountStore persists ACME account keys per directory.
type AccountStore interface {
	GetAccount(ctx context.Context, directoryURL string) (domain.ACMEAccount, error)
	SaveAccount(ctx context.Context, a domain.ACMEAccount) error
}

// Client talks to a real ACME directory with golang.org/x/crypto/acme.
type Client struct {
	acme       *acme.Client
	email      string
	accounts   AccountStore
	log        *slog.Logger
	registered bool
}

// NewClient returns a client for directoryURL. accounts may be nil, in which
// case a fresh account key is generated on every Register.
func NewClient(directoryURL, email string, accounts AccountStore, logger *slog.Logger) *Client {
	return &Client{
		acme:     &acme.Client{DirectoryURL: directoryURL, UserAgent: "spiderbutter"},
		email:    strings.TrimSpace(email),
		accounts: accounts,
		log:      logger,
	}
}

// Register loads or creates the account key and registers it, accepting the
// terms of service. An account that already exists is reused.
func (c *Client) Register(ctx context.Context) error {
	if c.registered {
		return nil
	}
	key, err := c.accountKey(ctx)
	if err != nil {
		return err
	}
	c.acme.Key = key

	account := &acme.Account{}
	if c.email != "" {
		account.Contact = []string{"mailto:" + c.email}
	}
	registered, err := c.acme.Register(ctx, account, acme.AcceptTOS)
	switch {
	case errors.Is(err, acme.ErrAccountAlreadyExists):
		registered, err = c.acme.GetReg(ctx, "")
		if err != nil {
			return fmt.Errorf("get existing account: %w", err)
		}
		c.log.Debug("using existing ACME account", "uri", registered.URI)
	case err != nil:
		return fmt.Errorf("register account: %w", err)
	default:
		c.log.Info("registered ACME account", "uri", registered.URI)
	}
	if c.accounts != nil && registered != nil && registered.URI != "" {
		if err := c.accounts.SaveAccount(ctx, domain.ACMEAccount{
			DirectoryURL: c.acme.DirectoryURL,
			KeyPEM:       encodeKey(key),
			URI:          registered.URI,
		}); err != nil {
			c.log.Warn("failed to save ACME account", "err", err)
		}
	}
	c.registered = true
	return nil
}

func (c *Client) accountKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	if c.accounts != nil {
		a, err := c.accounts.GetAccount(ctx, c.acme.DirectoryURL)
		switch {
		case err == nil:
			key, err := decodeKey(a.KeyPEM)
			if err == nil {
				return key, nil
			}
			c.log.Warn("stored ACME account key unreadable; creating a new one", "err", err)
		case !errors.Is(err, sqlite.ErrNotFound):
			return nil, fmt.Errorf("load ACME account: %w", err)
		}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if c.accounts != nil {
		if err := c.accounts.SaveAccount(ctx, domain.ACMEAccount{
			DirectoryURL: c.acme.DirectoryURL,
			KeyPEM:       encodeKey(key),
		}); err != nil {
			return nil, fmt.Errorf("save ACME account: %w", err)
		}
	}
	return key, nil
}

func (c *Client) AuthorizeOrder(ctx context.Context, domains []string) (*acme.Order, error) {
	return c.acme.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
}

func (c *Client) GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	return c.acme.GetAuthorization(ctx, url)
}

func (c *Client) HTTP01ChallengeResponse(token string) (string, error) {
	return c.acme.HTTP01ChallengeResponse(token)
}

func (c *Client) Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error) {
	return c.acme.Accept(ctx, chal)
}

func (c *Client) GetOrder(ctx context.Context, url string) (*acme.Order, error) {
	return c.acme.GetOrder(ctx, url)
}

func (c *Client) CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte) ([][]byte, error) {
	der, _, err := c.acme.CreateOrderCert(ctx, finalizeURL, csr, true)
	return der, err
}

func (c *Client) FetchCert(ctx context.Context, certURL string) ([][]byte, error) {
	return c.acme.FetchCert(ctx, certURL, true)
}

func encodeKey(key *ecdsa.PrivateKey) []byte {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func decodeKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
