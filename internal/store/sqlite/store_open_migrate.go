// Package sqlite implements the spiderbutter state store backed by a SQLite
// database. It keeps ACME accounts and the certificate lifecycle history.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection for all spiderbutter persistence.
type Store struct {
	db *sql.DB

	getAccountStmt   *sql.Stmt
	recordEventStmt  *sql.Stmt
	recentEventsStmt *sql.Stmt
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

const getAccountQuery = `SELECT directory_url, key_pem, uri, created_at FROM acme_accounts WHERE directory_url = ?`
const recordEventQuery = `
INSERT INTO cert_events(domains, staging, outcome, detail, not_after, created_at)
VALUES(?, ?, ?, ?, ?, ?)`
const recentEventsQuery = `
SELECT id, domains, staging, outcome, detail, not_after, created_at
FROM cert_events
ORDER BY created_at DESC, id DESC
LIMIT ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.getAccountStmt, err = s.db.PrepareContext(ctx, getAccountQuery); err != nil {
		return fmt.Errorf("prepare get account query: %w", err)
	}
	if s.recordEventStmt, err = s.db.PrepareContext(ctx, recordEventQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare record event query: %w", err), closeErr)
	}
	if s.recentEventsStmt, err = s.db.PrepareContext(ctx, recentEventsQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare recent events query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.getAccountStmt))
	err = errors.Join(err, closeStmt(&s.recordEventStmt))
	err = errors.Join(err, closeStmt(&s.recentEventsStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS acme_accounts (
	directory_url TEXT PRIMARY KEY,
	key_pem BLOB NOT NULL,
	uri TEXT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS cert_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domains TEXT NOT NULL,
	staging INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NULL,
	not_after DATETIME NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cert_events_created_at ON cert_events(created_at DESC, id DESC);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return nil
}
