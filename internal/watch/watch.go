// Package watch reloads the mapping file when it changes on disk and hands
// the new routing table to the serving listener.
package watch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/fileserver"
	"github.com/spiderbutter/spiderbutter/internal/mapping"
)

const (
	defaultDebounce     = time.Second
	defaultPollInterval = time.Second
)

// Loader builds a routing table from the watched file.
type Loader func() (*mapping.Table, error)

// Publisher delivers commands to a running listener.
type Publisher interface {
	Send(ctx context.Context, cmd fileserver.Command) error
}

// notifier reports that the watched file may have changed.
type notifier interface {
	Wait(ctx context.Context) error
	Close() error
}

// Options tunes a Watcher. Zero values use defaults.
type Options struct {
	// Debounce is how long to wait after a change before reloading, so
	// editors that write in several steps are seen once.
	Debounce     time.Duration
	PollInterval time.Duration
	// ForcePoll skips the platform notifier.
	ForcePoll bool
}

// Watcher reloads one mapping file.
type Watcher struct {
	path string
	load Loader
	pub  Publisher
	log  *slog.Logger
	opts Options
}

func New(path string, load Loader, pub Publisher, opts Options, logger *slog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Watcher{path: path, load: load, pub: pub, log: logger, opts: opts}
}

// Run blocks until ctx is done. A file that fails to load is logged and the
// previously published table stays in place.
func (w *Watcher) Run(ctx context.Context) error {
	n, err := w.notifier()
	if err != nil {
		return err
	}
	defer func() { _ = n.Close() }()

	for {
		if err := n.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		t := time.NewTimer(w.opts.Debounce)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		w.reload(ctx)
	}
}

func (w *Watcher) notifier() (notifier, error) {
	if !w.opts.ForcePoll {
		n, err := newPlatformNotifier(w.path)
		if err == nil {
			return n, nil
		}
		w.log.Warn("file notifications unavailable, polling instead", "path", w.path, "err", err)
	}
	return newPollNotifier(w.path, w.opts.PollInterval), nil
}

func (w *Watcher) reload(ctx context.Context) {
	table, err := w.load()
	if err != nil {
		w.log.Error("failed to reload mappings", "path", w.path, "err", err)
		return
	}
	if err := w.pub.Send(ctx, fileserver.NewRoutingTable{Table: table}); err != nil {
		if ctx.Err() == nil {
			w.log.Warn("failed to publish mappings", "err", err)
		}
		return
	}
	w.log.Info("mappings reloaded", "path", w.path, "routes", table.Len())
}

// pollNotifier compares modification time and size on a fixed interval.
type pollNotifier struct {
	path     string
	interval time.Duration
	last     fileStamp
}

type fileStamp struct {
	mod  time.Time
	size int64
	ok   bool
}

func stampOf(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{mod: info.ModTime(), size: info.Size(), ok: true}
}

func newPollNotifier(path string, interval time.Duration) *pollNotifier {
	return &pollNotifier{path: path, interval: interval, last: stampOf(path)}
}

func (p *pollNotifier) Wait(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		cur := stampOf(p.path)
		if cur != p.last {
			p.last = cur
			if cur.ok {
				return nil
			}
		}
	}
}

func (p *pollNotifier) Close() error { return nil }
