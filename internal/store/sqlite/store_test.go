package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAccountRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	dir := "https://acme-staging-v02.api.letsencrypt.org/directory"

	if _, err := store.GetAccount(ctx, dir); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SaveAccount(ctx, domain.ACMEAccount{DirectoryURL: dir, KeyPEM: []byte("key-1")}); err != nil {
		t.Fatal(err)
	}
	a, err := store.GetAccount(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if string(a.KeyPEM) != "key-1" || a.URI != "" || a.CreatedAt.IsZero() {
		t.Fatalf("unexpected account %+v", a)
	}

	if err := store.SaveAccount(ctx, domain.ACMEAccount{DirectoryURL: dir, KeyPEM: []byte("key-1"), URI: "https://acme/acct/1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveAccount(ctx, domain.ACMEAccount{DirectoryURL: dir, KeyPEM: []byte("key-1")}); err != nil {
		t.Fatal(err)
	}
	a, err = store.GetAccount(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if a.URI != "https://acme/acct/1" {
		t.Fatalf("expected uri to survive an update without one, got %q", a.URI)
	}
}

func TestEventsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := base.Add(90 * 24 * time.Hour)

	events := []domain.CertEvent{
		{Domains: []string{"example.com"}, Outcome: domain.CertOutcomeFailed, Detail: "authorization failed", CreatedAt: base},
		{Domains: []string{"example.com", "www.example.com"}, Staging: true, Outcome: domain.CertOutcomeIssued, NotAfter: &notAfter, CreatedAt: base.Add(time.Hour)},
		{Domains: []string{"example.com"}, Outcome: domain.CertOutcomeReused, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, ev := range events {
		if _, err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Outcome != domain.CertOutcomeReused || got[1].Outcome != domain.CertOutcomeIssued {
		t.Fatalf("unexpected order %+v", got)
	}
	issued := got[1]
	if !issued.Staging || len(issued.Domains) != 2 || issued.Domains[1] != "www.example.com" {
		t.Fatalf("unexpected issued event %+v", issued)
	}
	if issued.NotAfter == nil || !issued.NotAfter.Equal(notAfter) {
		t.Fatalf("unexpected not_after %v", issued.NotAfter)
	}

	pruned, err := store.PruneEvents(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned events, got %d", pruned)
	}
	got, err = store.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Outcome != domain.CertOutcomeReused {
		t.Fatalf("unexpected remaining events %+v", got)
	}
}

func TestOpenInMemory(t *testing.T) {
	store, err := Open("file:spiderbutter-memory-test?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.RecordEvent(context.Background(), domain.CertEvent{Outcome: domain.CertOutcomeReused}); err != nil {
		t.Fatal(err)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "state.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}
