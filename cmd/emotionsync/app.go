package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/njoerd114/emotionsync/internal/batch"
	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/config"
	"github.com/njoerd114/emotionsync/internal/connectivity"
	"github.com/njoerd114/emotionsync/internal/events"
	"github.com/njoerd114/emotionsync/internal/remote"
	"github.com/njoerd114/emotionsync/internal/resolve"
	"github.com/njoerd114/emotionsync/internal/settings"
	"github.com/njoerd114/emotionsync/internal/state"
	syncp "github.com/njoerd114/emotionsync/internal/sync"
	"github.com/njoerd114/emotionsync/internal/telemetry"
)

// app is the fully wired process: config, stores, remote client and engine.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	level   *slog.LevelVar

	store   *state.Store
	cache   *cache.Cache
	remote  *remote.HTTPStore
	monitor *connectivity.Monitor
	bus     *events.Bus
	engine  *syncp.Engine

	closers []func()
}

// openApp loads the config at cfgPath and wires every component. The caller
// must call close.
func openApp(ctx context.Context, cfgPath string, verbose bool) (a *app, err error) {
	a = &app{cfgPath: cfgPath, level: new(slog.LevelVar)}
	if verbose {
		a.level.Set(slog.LevelDebug)
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// --- Logger --------------------------------------------------------------

	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: a.level})
	a.logger = slog.New(stderr)
	slog.SetDefault(a.logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return a, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	a.cfg = cfg

	handlers := []slog.Handler{stderr}
	if cfg.LogFile != nil {
		w := newLogFile(cfg.LogFile)
		a.closers = append(a.closers, func() { _ = w.Close() })
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: a.level}))
	}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		shutdownTel, telErr := telemetry.Setup(ctx, telCfg)
		if telErr != nil {
			a.logger.Error("telemetry setup failed, continuing without telemetry", "error", telErr)
		} else {
			handlers = append(handlers, telemetry.NewLogHandler(global.GetLoggerProvider(), telemetry.DefaultServiceName, version, a.level))
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					a.logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	if len(handlers) > 1 {
		a.logger = slog.New(telemetry.Tee(handlers...))
		slog.SetDefault(a.logger)
	}
	a.logger.Info("config loaded",
		"user_id", cfg.UserID,
		"remote_url", cfg.Remote.URL,
		"interval", cfg.Sync.Interval,
		"strategy", cfg.Sync.ConflictStrategy,
	)

	// --- Local store ---------------------------------------------------------

	dbPath := cfg.Local.DBPath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return a, fmt.Errorf("resolving local DB path: %w", err)
		}
	}
	a.store, err = state.Open(dbPath)
	if err != nil {
		return a, fmt.Errorf("opening local DB at %q: %w", dbPath, err)
	}
	a.closers = append(a.closers, func() {
		if closeErr := a.store.Close(); closeErr != nil {
			a.logger.Error("closing local DB", "error", closeErr)
		}
	})
	a.logger.Info("local DB opened", "path", dbPath)

	st, err := loadSettings(ctx, a.store, cfg.Sync)
	if err != nil {
		return a, err
	}

	a.cache, err = cache.New(ctx, a.store, st.MaxCacheRecords, a.logger)
	if err != nil {
		return a, fmt.Errorf("loading record cache: %w", err)
	}
	conflicts, err := resolve.NewQueue(ctx, a.store)
	if err != nil {
		return a, fmt.Errorf("loading conflict queue: %w", err)
	}

	// --- Remote store & connectivity -----------------------------------------

	a.remote, err = remote.NewHTTPStore(remote.HTTPConfig{
		BaseURL:   cfg.Remote.URL,
		AuthToken: cfg.Remote.AuthToken,
		Timeout:   cfg.Remote.Timeout,
		Retry:     remote.RetryPolicy{MaxAttempts: cfg.Remote.MaxAttempts},
	}, a.logger)
	if err != nil {
		return a, fmt.Errorf("initialising remote client: %w", err)
	}

	paths := remote.Paths{UserID: cfg.UserID}
	a.monitor = connectivity.NewMonitor(
		func(ctx context.Context) error { return a.remote.Ping(ctx, paths.History()) },
		connectivity.MonitorConfig{
			Interval:          cfg.Connectivity.ProbeInterval,
			PreferredPrefixes: cfg.Connectivity.PreferredInterfaces,
		},
		a.logger,
	)

	// --- Sync engine ---------------------------------------------------------

	a.bus = events.NewBus()
	a.engine = syncp.NewEngine(syncp.Deps{
		Cache:     a.cache,
		Batch:     batch.New(a.remote, cfg.Sync.FlushThreshold, a.logger),
		Remote:    a.remote,
		Local:     a.store,
		Conflicts: conflicts,
		Gate:      a.monitor,
		Bus:       a.bus,
	}, syncp.Options{
		UserID:        cfg.UserID,
		Settings:      st,
		PushBatchSize: cfg.Sync.PushBatchSize,
	}, a.logger)

	return a, nil
}

// close releases everything openApp acquired, in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// bootstrap seeds an empty cache from the remote history, asking first.
func (a *app) bootstrap(ctx context.Context, in io.Reader, out io.Writer) error {
	if _, err := syncp.NewBootstrap(a.engine, a.logger, in, out).Run(ctx); err != nil {
		return fmt.Errorf("first-run bootstrap: %w", err)
	}
	return nil
}

// loadSettings returns the stored settings. On first run the sync block of the
// config seeds them.
func loadSettings(ctx context.Context, store *state.Store, sc config.SyncConfig) (settings.Settings, error) {
	ok, err := store.Has(ctx, settings.Key)
	if err != nil {
		return settings.Settings{}, err
	}
	if ok {
		return settings.Load(ctx, store)
	}
	st := sc.Settings()
	if err := settings.Save(ctx, store, st); err != nil {
		return settings.Settings{}, fmt.Errorf("seeding sync settings: %w", err)
	}
	return st, nil
}

// applySyncConfig copies the user-editable fields of sc onto s, keeping the
// watermark and backup bookkeeping.
func applySyncConfig(s *settings.Settings, sc config.SyncConfig) {
	next := sc.Settings()
	next.LastSyncTimestamp = s.LastSyncTimestamp
	next.LastBackupTimestamp = s.LastBackupTimestamp
	*s = next
}

func newLogFile(c *config.LogFileConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}
