package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/domain"
)

// GetAccount returns the ACME account registered against directoryURL.
func (s *Store) GetAccount(ctx context.Context, directoryURL string) (domain.ACMEAccount, error) {
	var a domain.ACMEAccount
	var uri sql.NullString
	err := s.getAccountStmt.QueryRowContext(ctx, strings.TrimSpace(directoryURL)).
		Scan(&a.DirectoryURL, &a.KeyPEM, &uri, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ACMEAccount{}, ErrNotFound
	}
	if err != nil {
		return domain.ACMEAccount{}, err
	}
	a.URI = uri.String
	return a, nil
}

// SaveAccount stores the account key for a directory, keeping the first
// creation time when the account already exists.
func (s *Store) SaveAccount(ctx context.Context, a domain.ACMEAccount) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO acme_accounts(directory_url, key_pem, uri, created_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(directory_url) DO UPDATE SET
	key_pem = excluded.key_pem,
	uri = COALESCE(excluded.uri, acme_accounts.uri)`,
		strings.TrimSpace(a.DirectoryURL), a.KeyPEM, nullableString(a.URI), created.UTC())
	return err
}
