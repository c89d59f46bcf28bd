package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/spiderbutter/spiderbutter/internal/cert"
	"github.com/spiderbutter/spiderbutter/internal/config"
	"github.com/spiderbutter/spiderbutter/internal/debughttp"
	"github.com/spiderbutter/spiderbutter/internal/fileserver"
	ilog "github.com/spiderbutter/spiderbutter/internal/log"
	"github.com/spiderbutter/spiderbutter/internal/mapping"
	"github.com/spiderbutter/spiderbutter/internal/store/sqlite"
	"github.com/spiderbutter/spiderbutter/internal/watch"
)

// keepCertEvents bounds the certificate history kept across restarts.
const keepCertEvents = 500

func runServe(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	if err := serve(ctx, cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

// serve runs the listeners and their helpers until ctx is done or one of
// them fails.
func serve(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := debughttp.StartPprof(ctx, cfg.PprofAddr, logger); err != nil {
		return fmt.Errorf("pprof: %w", err)
	}

	var cache *mapping.Cache
	if !cfg.NoCache {
		cache = mapping.NewCache()
	}
	table, err := loadTable(cfg, cache)
	if err != nil {
		return err
	}
	logger.Info("routes loaded", "routes", table.Len())

	plainLn, err := net.Listen("tcp", listenAddr(cfg.Port))
	if err != nil {
		return err
	}
	plain := fileserver.New(plainLn, fileserver.Options{Name: "plain", Workers: cfg.Workers}, logger)
	content := plain

	var r runner
	var secure *fileserver.Server
	var mgr *cert.Manager
	if cfg.Secure {
		secureLn, err := net.Listen("tcp", listenAddr(cfg.TLSPort))
		if err != nil {
			_ = plainLn.Close()
			return err
		}
		secure = fileserver.New(secureLn, fileserver.Options{Name: "secure", Workers: cfg.Workers, Secure: true}, logger)
		content = secure

		store, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			_ = plainLn.Close()
			_ = secureLn.Close()
			return err
		}
		defer func() { _ = store.Close() }()
		if _, err := store.PruneEvents(ctx, keepCertEvents); err != nil {
			logger.Warn("failed to prune certificate history", "err", err)
		}

		client := cert.NewClient(cert.DirectoryURL(cfg.Staging), cfg.Email, store, logger)
		mgr = cert.NewManager(cert.Options{
			Domains:     cfg.Domains,
			Staging:     cfg.Staging,
			StateDir:    cfg.StateDir,
			RenewalDays: cfg.RenewalDays,
		}, client, plain, secure, store, logger)

		if err := plain.Send(ctx, fileserver.EnterRedirectMode{}); err != nil {
			_ = plainLn.Close()
			_ = secureLn.Close()
			return err
		}
	}

	if err := content.Send(ctx, fileserver.NewRoutingTable{Table: table}); err != nil {
		_ = plainLn.Close()
		if secure != nil {
			_ = secure.Close()
		}
		return err
	}
	if secure != nil {
		r.Go(ctx, "secure listener", secure.Serve)
		r.Go(ctx, "certificate manager", mgr.Run)
	}
	if !cfg.Local {
		w := watch.New(cfg.MappingsFile, func() (*mapping.Table, error) {
			return reloadTable(cfg.MappingsFile, cache)
		}, content, watch.Options{}, logger)
		r.Go(ctx, "mapping watcher", w.Run)
	}
	r.Go(ctx, "plain listener", plain.Serve)

	err = r.Wait(cancel)
	logger.Info("server stopped")
	return err
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func loadTable(cfg config.ServerConfig, cache *mapping.Cache) (*mapping.Table, error) {
	if cfg.Local {
		t, err := mapping.FromDir(".", cache)
		if err != nil {
			return nil, fmt.Errorf("load working directory: %w", err)
		}
		return t, nil
	}
	t, err := mapping.FromFile(cfg.MappingsFile, cache)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	return t, nil
}

// reloadTable rebuilds the table and drops cached bodies it no longer uses.
func reloadTable(file string, cache *mapping.Cache) (*mapping.Table, error) {
	t, err := mapping.FromFile(file, cache)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Retain(t)
	}
	return t, nil
}

func openStore(ctx context.Context, path string) (*sqlite.Store, error) {
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return store, nil
}

// runner starts long-running components and reports the first failure.
type runner struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func (r *runner) Go(ctx context.Context, name string, fn func(context.Context) error) {
	r.once.Do(func() { r.done = make(chan struct{}, 1) })
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			r.mu.Lock()
			if r.err == nil {
				r.err = fmt.Errorf("%s: %w", name, err)
			}
			r.mu.Unlock()
		}
		select {
		case r.done <- struct{}{}:
		default:
		}
	}()
}

// Wait blocks until any component returns, cancels the rest, and waits for
// them to stop.
func (r *runner) Wait(cancel context.CancelFunc) error {
	if r.done != nil {
		<-r.done
	}
	cancel()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
