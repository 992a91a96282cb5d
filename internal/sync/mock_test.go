package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/emotionsync/internal/batch"
	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/connectivity"
	"github.com/njoerd114/emotionsync/internal/events"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/remote"
	"github.com/njoerd114/emotionsync/internal/resolve"
	"github.com/njoerd114/emotionsync/internal/settings"
	"github.com/njoerd114/emotionsync/internal/state"
)

var (
	testLogger = slog.Default()
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errBoom    = errors.New("boom")
)

const testUser = "user-0001"

// --- Flaky Remote -------------------------------------------------------------

// flakyRemote wraps the in-memory remote and can fail a number of upcoming
// MultiUpdate calls.
type flakyRemote struct {
	*remote.Memory

	mu          sync.Mutex
	failUpdates int
}

func newFlakyRemote() *flakyRemote {
	return &flakyRemote{Memory: remote.NewMemory()}
}

func (f *flakyRemote) failNextUpdates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates = n
}

func (f *flakyRemote) MultiUpdate(ctx context.Context, updates map[string]any) error {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errBoom
	}
	f.mu.Unlock()
	return f.Memory.MultiUpdate(ctx, updates)
}

func (f *flakyRemote) seed(t *testing.T, recs ...model.Record) {
	t.Helper()
	p := remote.Paths{UserID: testUser}
	updates := make(map[string]any, len(recs))
	for _, r := range recs {
		updates[p.Record(r.ID)] = r.WithStatus(model.Synced)
	}
	if err := f.Memory.MultiUpdate(context.Background(), updates); err != nil {
		t.Fatalf("seeding remote: %v", err)
	}
}

func (f *flakyRemote) seedSettings(t *testing.T, s settings.Settings) {
	t.Helper()
	p := remote.Paths{UserID: testUser}
	if err := f.Memory.MultiUpdate(context.Background(), map[string]any{p.Settings(): s}); err != nil {
		t.Fatalf("seeding remote settings: %v", err)
	}
}

func (f *flakyRemote) record(t *testing.T, id string) (model.Record, bool) {
	t.Helper()
	raw, ok, err := f.Memory.Get(context.Background(), remote.Paths{UserID: testUser}.Record(id))
	if err != nil {
		t.Fatalf("reading remote record %s: %v", id, err)
	}
	if !ok {
		return model.Record{}, false
	}
	var r model.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatalf("decoding remote record %s: %v", id, err)
	}
	return r, true
}

func (f *flakyRemote) historyLen(t *testing.T) int {
	t.Helper()
	raw, ok, err := f.Memory.Get(context.Background(), remote.Paths{UserID: testUser}.History())
	if err != nil {
		t.Fatalf("reading remote history: %v", err)
	}
	if !ok {
		return 0
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decoding remote history: %v", err)
	}
	return len(m)
}

// --- Mock Gate ----------------------------------------------------------------

type mockGate struct {
	mu        sync.Mutex
	online    bool
	preferred bool
}

func (g *mockGate) IsOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

func (g *mockGate) IsPreferredNetwork() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online && g.preferred
}

func (g *mockGate) set(online, preferred bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.online, g.preferred = online, preferred
}

var _ connectivity.Gate = (*mockGate)(nil)

// --- Harness ------------------------------------------------------------------

type harness struct {
	engine    *Engine
	cache     *cache.Cache
	batch     *batch.Writer
	remote    *flakyRemote
	local     *state.Memory
	conflicts *resolve.Queue
	gate      *mockGate
	bus       *events.Bus
}

// newHarness wires an engine over in-memory stores. The remote settings
// mirror is seeded with st so the strategy under test survives the settings
// pull.
func newHarness(t *testing.T, st settings.Settings) *harness {
	t.Helper()
	ctx := context.Background()

	local := state.NewMemory()
	c, err := cache.New(ctx, local, st.MaxCacheRecords, testLogger)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	q, err := resolve.NewQueue(ctx, local)
	if err != nil {
		t.Fatalf("creating conflict queue: %v", err)
	}
	rem := newFlakyRemote()
	rem.seedSettings(t, st)
	w := batch.New(rem, batch.DefaultThreshold, testLogger)
	gate := &mockGate{online: true, preferred: true}
	bus := events.NewBus()

	ids := 0
	e := NewEngine(Deps{
		Cache:     c,
		Batch:     w,
		Remote:    rem,
		Local:     local,
		Conflicts: q,
		Gate:      gate,
		Bus:       bus,
	}, Options{
		UserID:   testUser,
		Settings: st,
		Now:      func() time.Time { return testNow },
	}, testLogger)
	e.resolver.NewID = func() string {
		ids++
		return fmt.Sprintf("generated-%04d", ids)
	}

	return &harness{
		engine:    e,
		cache:     c,
		batch:     w,
		remote:    rem,
		local:     local,
		conflicts: q,
		gate:      gate,
		bus:       bus,
	}
}

func testSettings(strategy resolve.Strategy) settings.Settings {
	s := settings.Defaults()
	s.ConflictStrategy = strategy
	s.BackupEnabled = false
	return s
}

func newRecord(id string, value float64, ts int64, status model.SyncStatus) model.Record {
	return model.Record{
		ID:         id,
		Category:   model.Joy,
		Value:      value,
		Intensity:  0.5,
		Timestamp:  ts,
		EventKind:  model.EventValueChanged,
		SyncStatus: status,
	}
}

func (h *harness) put(t *testing.T, recs ...model.Record) {
	t.Helper()
	if err := h.cache.UpsertMany(context.Background(), recs); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}
}

func (h *harness) get(t *testing.T, id string) model.Record {
	t.Helper()
	r, ok := h.cache.Get(id)
	if !ok {
		t.Fatalf("record %s missing from cache", id)
	}
	return r
}
