package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/cert"
	"github.com/spiderbutter/spiderbutter/internal/domain"
	"github.com/spiderbutter/spiderbutter/internal/store/sqlite"
)

func runCerts(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	fs := flag.NewFlagSet("certs", flag.ContinueOnError)
	stateDir := fs.String("state-dir", envOr("SPIDERBUTTER_STATE_DIR", ".spiderbutter"), "Directory for certificates and server state")
	dbPath := fs.String("db", envOr("SPIDERBUTTER_DB_PATH", ""), "SQLite database path (default <state-dir>/state.db)")
	staging := fs.Bool("staging", false, "Show the staging certificate")
	limit := fs.Int("n", 10, "Number of history entries to show")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*dbPath) == "" {
		*dbPath = filepath.Join(*stateDir, "state.db")
	}

	if err := printCerts(ctx, os.Stdout, *stateDir, *dbPath, *staging, *limit, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "certs error:", err)
		return 1
	}
	return 0
}

func printCerts(ctx context.Context, w io.Writer, stateDir, dbPath string, staging bool, limit int, now time.Time) error {
	paths := cert.PathsFor(stateDir, staging)
	if _, days, err := cert.Load(paths, -1, now); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(w, "certificate: none stored in %s\n", stateDir)
		} else {
			fmt.Fprintf(w, "certificate: unreadable: %v\n", err)
		}
	} else {
		fmt.Fprintf(w, "certificate: %s (%d days left)\n", paths.Certificate, days)
	}

	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintln(w, "history: none")
		return nil
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	events, err := store.RecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "history: none")
		return nil
	}
	fmt.Fprintln(w, "history:")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\tdomains=%s\texpires=%s",
			ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			outcomeLabel(ev),
			strings.Join(ev.Domains, ","),
			expiryLabel(ev.NotAfter),
		)
		if ev.Detail != "" {
			fmt.Fprintf(w, "\t%s", ev.Detail)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func outcomeLabel(ev domain.CertEvent) string {
	if ev.Staging {
		return ev.Outcome + " (staging)"
	}
	return ev.Outcome
}

func expiryLabel(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
