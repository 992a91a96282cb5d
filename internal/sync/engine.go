package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/emotionsync/internal/batch"
	"github.com/njoerd114/emotionsync/internal/connectivity"
	"github.com/njoerd114/emotionsync/internal/events"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/remote"
	"github.com/njoerd114/emotionsync/internal/resolve"
	"github.com/njoerd114/emotionsync/internal/settings"
)

const (
	otelScope        = "emotionsync/sync"
	spanPass         = "sync.pass"
	metricPushed     = "emotionsync.sync.pushed"
	metricPushFailed = "emotionsync.sync.push_failed"
	metricPulled     = "emotionsync.sync.pulled"
	metricConflicts  = "emotionsync.sync.conflicts"
	metricDeferred   = "emotionsync.sync.deferred"
	metricSkipped    = "emotionsync.sync.skipped"
	metricErrors     = "emotionsync.sync.errors"
)

// DefaultPushBatchSize is how many records go into one flush.
const DefaultPushBatchSize = 20

// Errors returned when a pass does not start.
var (
	ErrNotAuthenticated = errors.New("sync: no authenticated user")
	ErrPassInFlight     = errors.New("sync: a pass is already in flight")
	ErrOffline          = errors.New("sync: offline")
	ErrNetworkNotWanted = errors.New("sync: waiting for the preferred network")
)

// Deps are the collaborators an [Engine] drives. Gate and Bus may be nil.
type Deps struct {
	Cache     RecordCache
	Batch     BatchQueue
	Remote    RemoteStore
	Local     LocalStore
	Conflicts ConflictQueue
	Gate      connectivity.Gate
	Bus       *events.Bus
}

// Options tune an [Engine].
type Options struct {
	UserID string
	// Settings are the settings loaded at start-up.
	Settings settings.Settings
	// PushBatchSize is the number of records per flush. Zero selects
	// DefaultPushBatchSize.
	PushBatchSize int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Status is the outcome of the most recent pass. It starts optimistic so the
// first activation always attempts a pull.
type Status struct {
	LastSuccess  bool
	LastSyncTime time.Time
	LastError    string
	LastStats    Stats
	InFlight     bool
}

// Engine orchestrates sync passes. Create one with [NewEngine], run single
// passes with [Engine.RunOnce], or start the scheduler with [Engine.Run].
//
// At most one pass is in flight; every operation that mutates the cache on
// behalf of the remote store takes the same guard.
type Engine struct {
	cache         RecordCache
	batch         BatchQueue
	remote        RemoteStore
	local         LocalStore
	conflicts     ConflictQueue
	gate          connectivity.Gate
	bus           *events.Bus
	resolver      resolve.Resolver
	pushBatchSize int
	now           func() time.Time
	log           *slog.Logger

	inFlight  atomic.Bool
	recovered bool // guarded by inFlight
	trigger   chan string

	mu            sync.Mutex
	paths         remote.Paths
	settings      settings.Settings
	status        Status
	conflictStats map[model.Category]int

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntPushed     metric.Int64Counter
	cntPushFailed metric.Int64Counter
	cntPulled     metric.Int64Counter
	cntConflicts  metric.Int64Counter
	cntDeferred   metric.Int64Counter
	cntSkipped    metric.Int64Counter
	cntErrors     metric.Int64Counter
}

// NewEngine creates an Engine. A nil Gate means always online.
func NewEngine(deps Deps, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	gate := deps.Gate
	if gate == nil {
		gate = connectivity.Static{Online: true, Preferred: true}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	size := opts.PushBatchSize
	if size <= 0 {
		size = DefaultPushBatchSize
	}
	st := opts.Settings
	if err := st.Validate(); err != nil {
		logger.Warn("invalid start-up settings, using defaults", "error", err)
		st = settings.Defaults()
	}

	e := &Engine{
		cache:         deps.Cache,
		batch:         deps.Batch,
		remote:        deps.Remote,
		local:         deps.Local,
		conflicts:     deps.Conflicts,
		gate:          gate,
		bus:           deps.Bus,
		resolver:      resolve.Resolver{Now: now, NewID: model.NewID},
		pushBatchSize: size,
		now:           now,
		log:           logger,
		trigger:       make(chan string, 1),
		paths:         remote.Paths{UserID: opts.UserID},
		settings:      st,
		status:        Status{LastSuccess: true},
		conflictStats: make(map[model.Category]int),

		tracer:        tracer,
		cntPushed:     mustCounter(metricPushed, "Number of records pushed to the remote store"),
		cntPushFailed: mustCounter(metricPushFailed, "Number of records whose push failed"),
		cntPulled:     mustCounter(metricPulled, "Number of remote records applied locally"),
		cntConflicts:  mustCounter(metricConflicts, "Number of conflicts detected"),
		cntDeferred:   mustCounter(metricDeferred, "Number of conflicts deferred for manual resolution"),
		cntSkipped:    mustCounter(metricSkipped, "Number of malformed remote records skipped"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during sync"),
	}

	e.batch.OnComplete(func(r batch.Result) {
		e.publish(events.Event{Kind: events.BatchCompleted, Success: r.Success, Message: r.Summary})
	})
	return e
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings() settings.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Status returns the outcome of the last pass.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.InFlight = e.inFlight.Load()
	return s
}

// ConflictStats returns the number of conflicts detected per category since
// the engine started.
func (e *Engine) ConflictStats() map[model.Category]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[model.Category]int, len(e.conflictStats))
	for k, v := range e.conflictStats {
		out[k] = v
	}
	return out
}

// PendingConflicts returns the cases waiting for [Engine.SubmitResolution].
func (e *Engine) PendingConflicts() []resolve.Case {
	return e.conflicts.List()
}

// Trigger asks the scheduler for a pass. Triggers arriving while one is
// already waiting are coalesced.
func (e *Engine) Trigger(reason string) {
	select {
	case e.trigger <- reason:
	default:
	}
}

func (e *Engine) userPaths() (remote.Paths, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paths.UserID == "" {
		return remote.Paths{}, ErrNotAuthenticated
	}
	return e.paths, nil
}

// acquire takes the single-writer guard.
func (e *Engine) acquire() bool {
	return e.inFlight.CompareAndSwap(false, true)
}

func (e *Engine) release() {
	e.inFlight.Store(false)
}

// admit runs the cheap checks that decide whether a pass may start.
func (e *Engine) admit() error {
	if _, err := e.userPaths(); err != nil {
		return err
	}
	if !e.gate.IsOnline() || !e.remote.IsConnected() {
		return ErrOffline
	}
	if e.Settings().WifiOnly && !e.gate.IsPreferredNetwork() {
		return ErrNetworkNotWanted
	}
	return nil
}

func (e *Engine) publish(ev events.Event) {
	if e.bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.bus.Publish(ev)
}

// RunOnce performs a single sync pass, recording a trace span and metrics.
// A pass that could not start returns one of ErrNotAuthenticated,
// ErrPassInFlight, ErrOffline or ErrNetworkNotWanted and changes nothing.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	if err := e.admit(); err != nil {
		return Stats{}, err
	}
	if !e.acquire() {
		return Stats{}, ErrPassInFlight
	}
	defer e.release()

	ctx, span := e.tracer.Start(ctx, spanPass)
	defer span.End()

	stats, err := e.pass(ctx)

	// Record counters; these are always safe even if the span is a no-op.
	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n))
		}
	}
	add(e.cntPushed, stats.Pushed)
	add(e.cntPushFailed, stats.PushFailed)
	add(e.cntPulled, stats.Inserted+stats.Updated)
	add(e.cntConflicts, stats.Conflicts)
	add(e.cntDeferred, stats.Deferred)
	add(e.cntSkipped, stats.Skipped)
	add(e.cntErrors, stats.Errors)

	span.SetAttributes(
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.push_failed", stats.PushFailed),
		attribute.Int("sync.inserted", stats.Inserted),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.deferred", stats.Deferred),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

// Run starts the scheduler: an immediate pass, then one every sync interval
// while auto-sync is on, plus one per [Engine.Trigger]. It blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.Settings().SyncInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.scheduledPass(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if e.Settings().AutoSync {
				e.scheduledPass(ctx, "timer")
			}
		case reason := <-e.trigger:
			e.scheduledPass(ctx, reason)
		}

		if next := e.Settings().SyncInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
			e.log.Info("sync interval changed", "interval", interval)
		}
	}
}

func (e *Engine) scheduledPass(ctx context.Context, reason string) {
	e.log.Debug("sync pass requested", "reason", reason)
	stats, err := e.RunOnce(ctx)
	switch {
	case isSkip(err):
		e.log.Debug("sync pass skipped", "reason", reason, "cause", err)
		return
	case err != nil:
		e.log.Error("sync pass failed", "reason", reason, "error", err)
		return
	}
	if stats.Errors == 0 {
		if _, err := e.CheckAndCreateBackup(ctx); err != nil {
			e.log.Warn("automatic backup failed", "error", err)
		}
	}
}
