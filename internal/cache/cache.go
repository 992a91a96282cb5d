// Package cache is the bounded local history of records. It owns the record
// payloads and the ordered index that enumerates them, both persisted through
// a [Store], and evicts the oldest records once the capacity is exceeded.
//
// Persistence is best effort. A failed write is logged and returned wrapped
// in [ErrPersist], but the in-memory view is updated regardless so the cache
// stays usable while the disk is not.
package cache

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/emotionsync/internal/model"
)

// Keys under which the cache persists itself.
const (
	PayloadPrefix = "EmotionHistoryCache_"
	IndexKey      = "EmotionHistoryCacheIndex"
)

// DefaultCapacity is used when no capacity is configured.
const DefaultCapacity = 5000

var (
	// ErrNoStore is returned by New when no backing store is supplied.
	ErrNoStore = errors.New("cache: no backing store")
	// ErrPersist wraps failures of the backing store after the in-memory
	// state has already been updated.
	ErrPersist = errors.New("cache: persist failed")
)

// Store is the subset of the local key/value store the cache needs.
type Store interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	Apply(ctx context.Context, set map[string]string, del []string) error
}

// Filter narrows List. Zero fields do not filter.
type Filter struct {
	Since    time.Time
	Until    time.Time
	Category model.Category
	Statuses []model.SyncStatus
}

func (f Filter) match(r *model.Record) bool {
	if !f.Since.IsZero() && r.Timestamp < model.Millis(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp > model.Millis(f.Until) {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.SyncStatus) {
		return false
	}
	return true
}

// Cache holds records keyed by id plus the insertion-ordered index.
// Per-category and per-status views are computed on demand from the single
// map so there is no secondary structure to keep in step.
type Cache struct {
	mu       sync.RWMutex
	store    Store
	logger   *slog.Logger
	capacity int
	records  map[string]model.Record
	order    []string
}

// New loads the cache from store. Index entries whose payload is missing or
// unreadable are dropped with a warning and the repaired index is written
// back.
func New(ctx context.Context, store Store, capacity int, logger *slog.Logger) (*Cache, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		store:    store,
		logger:   logger,
		capacity: capacity,
		records:  make(map[string]model.Record),
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load(ctx context.Context) error {
	raw, ok, err := c.store.GetString(ctx, IndexKey)
	if err != nil {
		return fmt.Errorf("loading cache index: %w", err)
	}
	if !ok {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		c.logger.Warn("cache index unreadable, starting empty", "error", err)
		return nil
	}

	repaired := false
	for _, id := range ids {
		if _, dup := c.records[id]; dup {
			repaired = true
			continue
		}
		payload, found, err := c.store.GetString(ctx, PayloadPrefix+id)
		if err != nil {
			return fmt.Errorf("loading record %s: %w", id, err)
		}
		if !found {
			c.logger.Warn("cache index references missing payload", "record_id", id)
			repaired = true
			continue
		}
		var r model.Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil || r.ID != id {
			c.logger.Warn("dropping unreadable cached record", "record_id", id, "error", err)
			repaired = true
			continue
		}
		c.records[id] = r
		c.order = append(c.order, id)
	}

	if repaired {
		// Failures are logged by persist; the next load repairs again.
		_ = c.persist(ctx, nil, nil, true)
	}
	c.logger.Debug("cache loaded", "records", len(c.order))
	return nil
}

// Upsert inserts or overwrites r by id and returns the stored value. An empty
// id is replaced by a fresh one. Growing the index triggers eviction, which
// may drop r itself when it is older than every cached record.
func (c *Cache) Upsert(ctx context.Context, r model.Record) (model.Record, error) {
	if r.ID == "" {
		r.ID = model.NewID()
	}
	r = r.Clone()
	err := c.put(ctx, []model.Record{r})
	return r.Clone(), err
}

// UpsertMany writes all records in one persistence call.
func (c *Cache) UpsertMany(ctx context.Context, rs []model.Record) error {
	if len(rs) == 0 {
		return nil
	}
	batch := make([]model.Record, len(rs))
	for i, r := range rs {
		if r.ID == "" {
			r.ID = model.NewID()
		}
		batch[i] = r.Clone()
	}
	return c.put(ctx, batch)
}

func (c *Cache) put(ctx context.Context, rs []model.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := make(map[string]string, len(rs))
	grew := false
	for _, r := range rs {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", r.ID, err)
		}
		if _, exists := c.records[r.ID]; !exists {
			c.order = append(c.order, r.ID)
			grew = true
		}
		c.records[r.ID] = r
		set[PayloadPrefix+r.ID] = string(payload)
	}

	var del []string
	if grew {
		del = c.evictLocked()
		for _, k := range del {
			delete(set, k)
		}
		for _, r := range rs {
			if _, ok := c.records[r.ID]; !ok {
				// Older than everything else in a full cache.
				c.logger.Debug("record evicted by its own insert", "record_id", r.ID, "timestamp", r.Timestamp, "capacity", c.capacity)
			}
		}
	}
	return c.persist(ctx, set, del, grew)
}

// SetStatus moves the listed records to status. Unknown ids are ignored.
func (c *Cache) SetStatus(ctx context.Context, ids []string, status model.SyncStatus) error {
	c.mu.RLock()
	batch := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := c.records[id]; ok {
			batch = append(batch, r.WithStatus(status))
		}
	}
	c.mu.RUnlock()
	if len(batch) == 0 {
		return nil
	}
	return c.put(ctx, batch)
}

// Get returns a copy of the record with the given id.
func (c *Cache) Get(id string) (model.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	if !ok {
		return model.Record{}, false
	}
	return r.Clone(), true
}

// Remove deletes the record with the given id. Removing a missing id is a
// no-op.
func (c *Cache) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return nil
	}
	delete(c.records, id)
	c.order = slices.DeleteFunc(c.order, func(x string) bool { return x == id })
	return c.persist(ctx, nil, []string{PayloadPrefix + id}, true)
}

// List returns records matching f, newest first. limit <= 0 means no limit.
func (c *Cache) List(f Filter, limit int) []model.Record {
	c.mu.RLock()
	out := make([]model.Record, 0)
	for _, id := range c.order {
		r := c.records[id]
		if f.match(&r) {
			out = append(out, r.Clone())
		}
	}
	c.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b model.Record) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Unsynced returns up to limit NotSynced records in index order. SyncFailed
// records are only returned by [Cache.Failed] so they are retried through an
// explicit path rather than on every pass.
func (c *Cache) Unsynced(limit int) []model.Record {
	return c.scan(limit, model.NotSynced)
}

// Failed returns up to limit SyncFailed records in index order.
func (c *Cache) Failed(limit int) []model.Record {
	return c.scan(limit, model.SyncFailed)
}

// WithStatus returns every record currently in status, in index order.
func (c *Cache) WithStatus(status model.SyncStatus) []model.Record {
	return c.scan(0, status)
}

func (c *Cache) scan(limit int, status model.SyncStatus) []model.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Record
	for _, id := range c.order {
		r := c.records[id]
		if r.SyncStatus != status {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// PruneIfOverCapacity evicts the oldest records until the cache is at or
// under capacity and reports how many were evicted.
func (c *Cache) PruneIfOverCapacity(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	del := c.evictLocked()
	if len(del) == 0 {
		return 0, nil
	}
	return len(del), c.persist(ctx, nil, del, true)
}

// evictLocked drops the oldest-by-timestamp records beyond capacity from
// memory and returns their payload keys. Ties go to the earlier index entry.
func (c *Cache) evictLocked() []string {
	excess := len(c.order) - c.capacity
	if excess <= 0 {
		return nil
	}
	pos := make(map[string]int, len(c.order))
	for i, id := range c.order {
		pos[id] = i
	}
	victims := slices.Clone(c.order)
	slices.SortFunc(victims, func(a, b string) int {
		if d := cmp.Compare(c.records[a].Timestamp, c.records[b].Timestamp); d != 0 {
			return d
		}
		return cmp.Compare(pos[a], pos[b])
	})
	victims = victims[:excess]

	del := make([]string, 0, excess)
	for _, id := range victims {
		delete(c.records, id)
		del = append(del, PayloadPrefix+id)
	}
	c.order = slices.DeleteFunc(c.order, func(id string) bool {
		_, ok := c.records[id]
		return !ok
	})
	c.logger.Info("evicted records over capacity", "evicted", excess, "capacity", c.capacity)
	return del
}

// ReplaceAll atomically swaps the whole cache for rs. Used for a hard reset
// from the remote store.
func (c *Cache) ReplaceAll(ctx context.Context, rs []model.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	del := make([]string, 0, len(c.order))
	for _, id := range c.order {
		del = append(del, PayloadPrefix+id)
	}
	c.records = make(map[string]model.Record, len(rs))
	c.order = c.order[:0]

	set := make(map[string]string, len(rs))
	for _, r := range rs {
		if r.ID == "" {
			r.ID = model.NewID()
		}
		r = r.Clone()
		payload, err := json.Marshal(r)
		if err != nil {
			c.logger.Warn("skipping unencodable record", "record_id", r.ID, "error", err)
			continue
		}
		if _, dup := c.records[r.ID]; !dup {
			c.order = append(c.order, r.ID)
		}
		c.records[r.ID] = r
		set[PayloadPrefix+r.ID] = string(payload)
	}

	for _, k := range c.evictLocked() {
		delete(set, k)
	}
	return c.persist(ctx, set, del, true)
}

// MergeFrom folds rs into the cache without discarding local writes that
// have not been pushed yet: records that are NotSynced locally are kept as
// they are. It returns how many records were written.
func (c *Cache) MergeFrom(ctx context.Context, rs []model.Record) (int, error) {
	c.mu.RLock()
	batch := make([]model.Record, 0, len(rs))
	for _, r := range rs {
		if r.ID == "" {
			continue
		}
		if local, ok := c.records[r.ID]; ok && local.SyncStatus == model.NotSynced {
			continue
		}
		batch = append(batch, r.Clone())
	}
	c.mu.RUnlock()
	if len(batch) == 0 {
		return 0, nil
	}
	return len(batch), c.put(ctx, batch)
}

// Clear removes every record.
func (c *Cache) Clear(ctx context.Context) error {
	return c.ReplaceAll(ctx, nil)
}

// SetCapacity changes the capacity and evicts immediately if needed.
func (c *Cache) SetCapacity(ctx context.Context, capacity int) (int, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	c.mu.Lock()
	c.capacity = capacity
	c.mu.Unlock()
	return c.PruneIfOverCapacity(ctx)
}

// Capacity returns the configured maximum number of records.
func (c *Cache) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// Len returns the number of indexed records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// IDs returns the index in order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// CountByCategory returns the number of records per category.
func (c *Cache) CountByCategory() map[model.Category]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.Category]int)
	for _, r := range c.records {
		out[r.Category]++
	}
	return out
}

// CountByStatus returns the number of records per sync status.
func (c *Cache) CountByStatus() map[model.SyncStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.SyncStatus]int)
	for _, r := range c.records {
		out[r.SyncStatus]++
	}
	return out
}

// persist writes set, removes del and, when withIndex is true, rewrites the
// index, all in one store transaction. Callers hold c.mu.
func (c *Cache) persist(ctx context.Context, set map[string]string, del []string, withIndex bool) error {
	if withIndex {
		idx, err := json.Marshal(c.order)
		if err != nil {
			return fmt.Errorf("encoding cache index: %w", err)
		}
		if set == nil {
			set = make(map[string]string, 1)
		}
		set[IndexKey] = string(idx)
	}
	if len(set) == 0 && len(del) == 0 {
		return nil
	}
	if err := c.store.Apply(ctx, set, del); err != nil {
		c.logger.Warn("cache write failed, continuing with in-memory state",
			"writes", len(set), "deletes", len(del), "error", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
