// Package main implements the bumpmate daemon. It hosts the session
// controller for store automation actions, connects it to the worker and
// the browser, and exposes it to local UIs through the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	rootpkg "tools.zach/dev/bumpmate"
	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/config"
	"tools.zach/dev/bumpmate/internal/control"
	"tools.zach/dev/bumpmate/internal/history"
	"tools.zach/dev/bumpmate/internal/lifecycle"
	"tools.zach/dev/bumpmate/internal/logger"
	"tools.zach/dev/bumpmate/internal/metrics"
	"tools.zach/dev/bumpmate/internal/page"
	"tools.zach/dev/bumpmate/internal/paths"
	"tools.zach/dev/bumpmate/internal/quota"
	"tools.zach/dev/bumpmate/internal/remote"
	"tools.zach/dev/bumpmate/internal/session"
	"tools.zach/dev/bumpmate/internal/update"
	"tools.zach/dev/bumpmate/internal/watch"
	"tools.zach/dev/bumpmate/internal/worker"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via -X main.version=...
var version = "dev"

// resolveVersion returns [version] when set by ldflags, otherwise a
// "dev+<hash>" tag built from the VCS info the toolchain embeds.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// defaultDataDir returns ~/.bumpmate, or ./.bumpmate when the home
// directory is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "Data directory for config, balances, history, and logs")
	foreground := flag.Bool("foreground", false, "Also write log lines to stderr")
	tail := flag.Int("logs", 0, "Print the last N log lines and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	ver := resolveVersion()
	if *showVersion {
		fmt.Println(ver)
		return
	}

	dir := paths.DataDir{Root: *dataDir}
	if *tail > 0 {
		out, err := logger.ReadTail(dir.Log(), *tail)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read log: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(out)
		return
	}

	if err := os.MkdirAll(dir.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}
	if alive, pid := runningPID(dir); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", pid)
		os.Exit(1)
	}
	if err := seedConfig(dir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", err)
	}

	cfg, err := config.Load(dir.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}

	logOpts := logger.Options{
		Path:      dir.Log(),
		Level:     logger.ParseLevel(cfg.Log.Level),
		MaxSizeMB: cfg.Log.MaxSizeMB,
	}
	if *foreground {
		logOpts.Console = os.Stderr
	}
	log, level, logCloser, err := logger.NewLogger(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("bumpmate starting", "version", ver, "data_dir", dir.Root)

	lock, err := acquirePID(dir)
	if err != nil {
		logger.Fail(log, "failed to write PID file", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := shutdownContext(context.Background())
	defer stop()

	if err := run(ctx, dir, newLiveConfig(dir, cfg, level), ver); err != nil {
		logger.Fail(log, "daemon stopped", "error", err)
		lock.Release()
		logCloser.Close()
		os.Exit(1)
	}
	slog.Info("bumpmate stopped")
}

// seedConfig writes the embedded default config when none exists.
func seedConfig(dir paths.DataDir) error {
	if _, err := os.Stat(dir.Config()); !os.IsNotExist(err) {
		return nil
	}
	return os.WriteFile(dir.Config(), rootpkg.DefaultConfigTOML, 0o600)
}

// ///////////////////////////////////////////////
// Run
// ///////////////////////////////////////////////

// shutdownTimeout bounds the final stop of an active action on exit.
const shutdownTimeout = 10 * time.Second

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, dir paths.DataDir, live *liveConfig, ver string) error {
	cfg := live.Current()

	base, err := remote.Resolve(cfg.Server.URL)
	if err != nil {
		return err
	}
	slog.Info("worker endpoint", "url", base)

	if cfg.Server.CheckUpdates {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("update check panic", "error", r)
				}
			}()
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_, _ = update.Check(checkCtx, base, ver)
		}()
	}

	// Balance store and ledger.
	store := newStore(cfg, dir, base)
	initial, err := readInitialBalance(ctx, store, cfg.Account.UserID, cfg.Timeout())
	if err != nil {
		slog.Warn("initial balance unavailable, starting at zero", "error", err)
	}
	ledger := quota.NewLedger(initial)

	// Page source.
	classifier, err := page.NewClassifier(cfg.Page.Host, cfg.Page.StorePatterns)
	if err != nil {
		return fmt.Errorf("page classifier: %w", err)
	}
	static := page.NewStatic(page.Snapshot{Context: page.Context{Kind: action.PageNone}})
	var source page.Source = static
	var rod *page.RodSource
	if cfg.Browser.ControlURL != "" {
		rod, err = page.ConnectRod(ctx, cfg.Browser.ControlURL, classifier, cfg.Account.Username)
		if err != nil {
			slog.Warn("browser unavailable, waiting for page reports", "error", err)
		} else {
			source = rod
			defer rod.Close()
		}
	}

	// Worker.
	channel := worker.NewChannel(remote.WebSocketURL(base), worker.Options{
		DialTimeout:  cfg.Timeout(),
		PingInterval: cfg.PingInterval(),
	})
	stopper := worker.NewStopper(base, cfg.Server.StopRetryMax, cfg.Timeout())

	runs := history.Open(dir.History())
	ctrl := session.New(session.Deps{
		Transport: channel,
		Stopper:   stopper,
		Launcher:  worker.NewLauncher(base, cfg.Timeout()),
		Page:      source,
		Store:     store,
		Ledger:    ledger,
		History:   runs,
		Settings:  live.Settings,
		Account:   live.Account,
	})
	guard := lifecycle.New(ctrl, stopper, live.UID)

	// Config and balance watchers.
	cfgWatch, err := watch.New(dir.Config(), 0)
	if err != nil {
		slog.Warn("config watcher unavailable, edits need a restart", "error", err)
	} else {
		defer cfgWatch.Close()
		go func() {
			for range cfgWatch.Events() {
				live.Reload()
			}
		}()
	}

	var balanceEvents <-chan struct{}
	if balWatch, err := watch.New(dir.BalanceCache(), 0); err != nil {
		slog.Warn("balance file watcher unavailable, polling only", "error", err)
	} else {
		defer balWatch.Close()
		balanceEvents = balWatch.Events()
	}
	trigger := mergeTriggers(ctx, cfg.PollInterval(), balanceEvents)
	go quota.Feed(ctx, store, cfg.Account.UserID, trigger, func(b int64) {
		if err := ctrl.SetBalance(ctx, b); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("balance update not applied", "error", err)
		}
	})

	if rod != nil {
		go func() {
			err := rod.Watch(ctx,
				func(pc page.Context) {
					if err := ctrl.Navigate(ctx, pc); err != nil {
						slog.Debug("navigation not applied", "error", err)
					}
				},
				func() {
					slog.Info("store tab closed")
					guard.Teardown()
				},
			)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("browser watch ended", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	if cfg.Control.Listen != "" {
		srv := control.New(control.Options{
			Controller: ctrl,
			Guard:      guard,
			History:    runs,
			Presets:    live,
			Classifier: classifier,
			Pages:      static,
			Identity:   live.Username,
			Metrics:    metrics.Handler(),
		})
		go func() {
			serveErr <- srv.ListenAndServe(ctx, cfg.Control.Listen, func(addr net.Addr) {
				slog.Info("control api listening", "addr", addr.String())
			})
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("control api: %w", err)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Close(closeCtx); err != nil {
		slog.Warn("controller shutdown incomplete", "error", err)
	}
	guard.Wait()
	return runErr
}

// newStore picks the balance store for the configured quota source. The
// remote store mirrors into the same balances.json the file store uses.
func newStore(cfg *config.Config, dir paths.DataDir, base string) quota.Store {
	cache := quota.NewFileStore(dir.BalanceCache())
	if cfg.Quota.Source == "file" {
		return cache
	}
	return quota.NewRemoteStore(base, quota.RemoteOptions{
		RetryMax: cfg.Server.StopRetryMax,
		Timeout:  cfg.Timeout(),
		Cache:    cache,
	})
}

// readInitialBalance reads uid's balance once at startup. A missing record
// and a stale cached value are both usable.
func readInitialBalance(ctx context.Context, s quota.Store, uid string, timeout time.Duration) (int64, error) {
	if uid == "" {
		return 0, errors.New("account.user_id is not set")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	b, err := s.ReadBalance(ctx, uid)
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, quota.ErrStale):
		slog.Warn("using cached balance", "error", err)
		return b, nil
	case errors.Is(err, quota.ErrNoRecord):
		return 0, nil
	default:
		return 0, err
	}
}
