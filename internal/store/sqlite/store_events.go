package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/domain"
)

// RecordEvent appends one certificate lifecycle event and returns its ID.
func (s *Store) RecordEvent(ctx context.Context, ev domain.CertEvent) (int64, error) {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var notAfter any
	if ev.NotAfter != nil {
		notAfter = ev.NotAfter.UTC()
	}
	res, err := s.recordEventStmt.ExecContext(ctx,
		strings.Join(ev.Domains, ","), boolToInt(ev.Staging), ev.Outcome, nullableString(ev.Detail), notAfter, created.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]domain.CertEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.recentEventsStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.CertEvent
	for rows.Next() {
		var ev domain.CertEvent
		var domains string
		var staging int
		var detail sql.NullString
		var notAfter sql.NullTime
		if err := rows.Scan(&ev.ID, &domains, &staging, &ev.Outcome, &detail, &notAfter, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if domains != "" {
			ev.Domains = strings.Split(domains, ",")
		}
		ev.Staging = staging != 0
		ev.Detail = detail.String
		if notAfter.Valid {
			t := notAfter.Time
			ev.NotAfter = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents keeps the newest keep events and deletes the rest.
func (s *Store) PruneEvents(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM cert_events
WHERE id NOT IN (
	SELECT id FROM cert_events ORDER BY created_at DESC, id DESC LIMIT ?
)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
