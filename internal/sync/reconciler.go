package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/events"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/remote"
	"github.com/njoerd114/emotionsync/internal/resolve"
	"github.com/njoerd114/emotionsync/internal/settings"
)

// Stats tracks the outcome of a single pass.
type Stats struct {
	Pushed      int // records acknowledged by the remote store
	PushFailed  int // records marked SyncFailed
	Pulled      int // remote records received
	Inserted    int // pulled records new to the cache
	Updated     int // Synced records overwritten by remote
	Conflicts   int // pulled records that met unsynced local edits
	Deferred    int // conflicts queued for manual resolution
	Forked      int // KeepBoth copies created
	Skipped     int // malformed remote records
	CacheErrors int // local persistence failures
	Errors      int
}

func (s Stats) String() string {
	return fmt.Sprintf("pushed=%d push_failed=%d pulled=%d inserted=%d updated=%d conflicts=%d deferred=%d skipped=%d errors=%d",
		s.Pushed, s.PushFailed, s.Pulled, s.Inserted, s.Updated, s.Conflicts, s.Deferred, s.Skipped, s.Errors)
}

// pass runs one sync cycle after admission. The caller holds the in-flight guard.
// Per-record and per-batch failures are counted and the pass keeps going;
// the first one is returned.
func (e *Engine) pass(ctx context.Context) (Stats, error) {
	var stats Stats
	var firstErr error
	fail := func(err error) {
		stats.Errors++
		if firstErr == nil {
			firstErr = err
		}
	}

	paths, err := e.userPaths()
	if err != nil {
		return stats, err
	}

	e.recoverInterrupted(ctx)
	e.publish(events.Event{Kind: events.SyncStarted})
	e.publish(events.Event{Kind: events.Progress, Progress: 0})

	if err := e.pullSettings(ctx, paths); err != nil {
		e.log.Error("pulling sync settings", "error", err)
		fail(err)
	}
	st := e.Settings()

	// Push before pull so pending local writes are not overwritten by a
	// stale remote copy.
	pending := e.cache.Unsynced(st.MaxRecordsPerSync)
	if err := e.push(ctx, paths, pending, &stats); err != nil {
		fail(err)
	}

	// The pull runs even with nothing pending; a read-only device would
	// otherwise never see records written elsewhere.
	maxTS, full, err := e.pull(ctx, paths, st, &stats)
	if err != nil {
		e.log.Error("pulling remote history", "error", err)
		fail(err)
	}

	if firstErr == nil {
		e.advanceWatermark(ctx, st.LastSyncTimestamp, maxTS, full)
	}

	e.finish(stats, firstErr)
	return stats, firstErr
}

// recoverInterrupted resets records left in Syncing by a process that died
// mid-push. It runs once per engine.
func (e *Engine) recoverInterrupted(ctx context.Context) {
	if e.recovered {
		return
	}
	e.recovered = true
	stuck := e.cache.WithStatus(model.Syncing)
	if len(stuck) == 0 {
		return
	}
	if err := e.cache.SetStatus(ctx, idsOf(stuck), model.NotSynced); err != nil {
		e.log.Warn("resetting interrupted records", "count", len(stuck), "error", err)
		return
	}
	e.log.Info("reset interrupted records", "count", len(stuck))
}

// pullSettings merges the remote settings mirror into the local settings. A
// user without a mirror gets the local settings uploaded.
func (e *Engine) pullSettings(ctx context.Context, paths remote.Paths) error {
	raw, ok, err := e.remote.Get(ctx, paths.Settings())
	if err != nil {
		return fmt.Errorf("reading remote settings: %w", err)
	}
	if !ok {
		if err := e.remote.MultiUpdate(ctx, map[string]any{paths.Settings(): e.Settings()}); err != nil {
			return fmt.Errorf("mirroring settings: %w", err)
		}
		return nil
	}
	remoteSettings, err := settings.Decode(raw)
	if err != nil {
		// A broken mirror must not stop the pass; the next UpdateSettings
		// overwrites it.
		e.log.Warn("ignoring malformed remote settings", "error", err)
		return nil
	}

	e.mu.Lock()
	merged := settings.MergeRemote(e.settings, remoteSettings)
	changed := merged != e.settings
	e.settings = merged
	e.mu.Unlock()

	if !changed {
		return nil
	}
	if err := settings.Save(ctx, e.local, merged); err != nil {
		e.log.Warn("persisting merged settings", "error", err)
	}
	if evicted, err := e.cache.SetCapacity(ctx, merged.MaxCacheRecords); err != nil {
		e.log.Warn("applying cache capacity", "error", err)
	} else if evicted > 0 {
		e.log.Info("cache capacity reduced", "capacity", merged.MaxCacheRecords, "evicted", evicted)
	}
	e.log.Debug("applied remote settings", "strategy", merged.ConflictStrategy)
	return nil
}

// push sends records in batches. Every record is marked Syncing first; a
// failed flush marks the whole batch SyncFailed.
func (e *Engine) push(ctx context.Context, paths remote.Paths, records []model.Record, stats *Stats) error {
	if len(records) == 0 {
		return nil
	}
	var firstErr error
	done := 0
	for start := 0; start < len(records); start += e.pushBatchSize {
		end := min(start+e.pushBatchSize, len(records))
		chunk := records[start:end]
		if err := e.pushBatch(ctx, paths, chunk, stats); err != nil && firstErr == nil {
			firstErr = err
		}
		done += len(chunk)
		e.publish(events.Event{Kind: events.Progress, Progress: float64(done) / float64(len(records))})
	}
	return firstErr
}

func (e *Engine) pushBatch(ctx context.Context, paths remote.Paths, chunk []model.Record, stats *Stats) error {
	ids := idsOf(chunk)
	if err := e.cache.SetStatus(ctx, ids, model.Syncing); err != nil {
		stats.CacheErrors++
		e.log.Warn("marking batch syncing", "batch_size", len(ids), "error", err)
	}

	err := e.queueAndFlush(ctx, paths, chunk)
	if err != nil {
		// Nothing from this batch may linger for a later flush to send
		// behind the records' SyncFailed status.
		e.batch.CancelPending()
		return e.failBatch(ctx, ids, stats, err)
	}

	if err := e.cache.SetStatus(ctx, ids, model.Synced); err != nil {
		stats.CacheErrors++
		e.log.Warn("marking batch synced", "batch_size", len(ids), "error", err)
	}
	stats.Pushed += len(ids)
	for _, id := range ids {
		e.publish(events.Event{Kind: events.RecordSynced, RecordID: id})
	}
	e.log.Debug("pushed batch", "batch_size", len(ids))
	return nil
}

func (e *Engine) queueAndFlush(ctx context.Context, paths remote.Paths, chunk []model.Record) error {
	for _, r := range chunk {
		if err := e.batch.QueueUpdate(ctx, paths.Record(r.ID), r.WithStatus(model.Synced)); err != nil {
			return fmt.Errorf("queueing %s: %w", r.ID, err)
		}
	}
	if err := e.batch.Flush(ctx); err != nil {
		return fmt.Errorf("flushing batch: %w", err)
	}
	return nil
}

func (e *Engine) failBatch(ctx context.Context, ids []string, stats *Stats, err error) error {
	stats.PushFailed += len(ids)
	if serr := e.cache.SetStatus(ctx, ids, model.SyncFailed); serr != nil {
		stats.CacheErrors++
		e.log.Warn("marking batch failed", "batch_size", len(ids), "error", serr)
	}
	e.log.Error("push failed", "batch_size", len(ids), "error", err)
	return err
}

// pull fetches remote records newer than the watermark and applies them. It
// returns the greatest timestamp seen and whether the page was full.
//
// A full page whose records all share one timestamp cannot be paged past
// with a timestamp cursor, so the whole group at that timestamp is fetched
// instead and the page counts as complete.
func (e *Engine) pull(ctx context.Context, paths remote.Paths, st settings.Settings, stats *Stats) (int64, bool, error) {
	raws, err := e.remote.GetRange(ctx, paths.History(), st.LastSyncTimestamp, st.MaxRecordsPerSync)
	if err != nil {
		return 0, false, fmt.Errorf("fetching remote records: %w", err)
	}
	full := len(raws) >= st.MaxRecordsPerSync
	if ts, ok := sharedTimestamp(raws); full && ok {
		group, err := e.remote.GetAt(ctx, paths.History(), ts)
		if err != nil {
			return 0, false, fmt.Errorf("fetching records at %d: %w", ts, err)
		}
		e.log.Debug("page filled by one timestamp, fetched the whole group", "timestamp", ts, "count", len(group))
		raws, full = group, false
	}
	stats.Pulled = len(raws)

	var (
		maxTS    int64
		repush   []model.Record
		firstErr error
	)
	for _, raw := range raws {
		r, err := model.Decode(raw)
		if err != nil {
			stats.Skipped++
			e.log.Warn("skipping malformed remote record", "error", err)
			continue
		}
		maxTS = max(maxTS, r.Timestamp)

		again, err := e.apply(ctx, r, st.ConflictStrategy, stats)
		if err != nil {
			stats.CacheErrors++
			e.log.Warn("applying remote record", "record_id", r.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		repush = append(repush, again...)
	}

	if len(repush) > 0 {
		if err := e.push(ctx, paths, repush, stats); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return maxTS, full, firstErr
}

// sharedTimestamp reports the timestamp every raw record carries, if they
// all carry the same one.
func sharedTimestamp(raws []json.RawMessage) (int64, bool) {
	var ts int64
	for i, raw := range raws {
		var head struct {
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return 0, false
		}
		if i > 0 && head.Timestamp != ts {
			return 0, false
		}
		ts = head.Timestamp
	}
	return ts, len(raws) > 0
}

// apply classifies one pulled record against the cache and stores the
// result. It returns records that must go back to the remote store.
func (e *Engine) apply(ctx context.Context, r model.Record, strategy resolve.Strategy, stats *Stats) ([]model.Record, error) {
	local, ok := e.cache.Get(r.ID)
	if !ok {
		if _, err := e.cache.Upsert(ctx, r.WithStatus(model.Synced)); e.tolerate(err, stats) != nil {
			return nil, err
		}
		stats.Inserted++
		return nil, nil
	}

	switch local.SyncStatus {
	case model.Synced:
		if model.SameContent(local, r) {
			return nil, nil
		}
		if _, err := e.cache.Upsert(ctx, r.WithStatus(model.Synced)); e.tolerate(err, stats) != nil {
			return nil, err
		}
		stats.Updated++
		return nil, nil

	case model.Conflict:
		// Keep the pending case current so the user decides against the
		// latest remote copy.
		if c, ok := e.conflicts.ForRecord(r.ID); ok {
			c.Remote = r.WithStatus(model.Synced)
			if err := e.conflicts.Add(ctx, c); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if model.SameContent(local, r) {
		if err := e.cache.SetStatus(ctx, []string{r.ID}, model.Synced); e.tolerate(err, stats) != nil {
			return nil, err
		}
		return nil, nil
	}

	stats.Conflicts++
	e.countConflict(local.Category)
	return e.applyOutcome(ctx, e.resolver.Resolve(local, r, strategy), stats)
}

// applyOutcome stores a resolver outcome. Remote-side results are durable
// already; local and merged results are returned for re-push.
func (e *Engine) applyOutcome(ctx context.Context, out resolve.Outcome, stats *Stats) ([]model.Record, error) {
	if out.Kind == resolve.Deferred {
		interim := out.Record.WithStatus(model.Conflict)
		if _, err := e.cache.Upsert(ctx, interim); e.tolerate(err, stats) != nil {
			return nil, err
		}
		if err := e.conflicts.Add(ctx, *out.Case); err != nil {
			return nil, err
		}
		stats.Deferred++
		e.publish(events.Event{Kind: events.ConflictDeferred, RecordID: interim.ID, CaseID: out.Case.ID})
		e.log.Info("conflict deferred", "record_id", interim.ID, "case_id", out.Case.ID)
		return nil, nil
	}

	var repush []model.Record
	switch out.Side {
	case resolve.SideRemote:
		if _, err := e.cache.Upsert(ctx, out.Record.WithStatus(model.Synced)); e.tolerate(err, stats) != nil {
			return nil, err
		}
	default:
		stored, err := e.cache.Upsert(ctx, out.Record.WithStatus(model.NotSynced))
		if e.tolerate(err, stats) != nil {
			return nil, err
		}
		repush = append(repush, stored)
	}

	if out.Forked != nil {
		fork, err := e.cache.Upsert(ctx, out.Forked.WithStatus(model.NotSynced))
		if e.tolerate(err, stats) != nil {
			return repush, err
		}
		stats.Forked++
		repush = append(repush, fork)
	}

	e.publish(events.Event{Kind: events.ConflictResolved, RecordID: out.Record.ID, Message: string(out.Side)})
	e.log.Debug("conflict resolved", "record_id", out.Record.ID, "side", out.Side)
	return repush, nil
}

// advanceWatermark moves the pull cursor after a fully successful pass. When
// the page was full, records sharing the last timestamp may remain on the
// server, so the cursor stops one millisecond short unless that would not
// make progress.
func (e *Engine) advanceWatermark(ctx context.Context, old, maxTS int64, full bool) {
	next := maxTS
	if full && maxTS-1 > old {
		next = maxTS - 1
	}
	if next <= old {
		return
	}

	e.mu.Lock()
	e.settings.LastSyncTimestamp = next
	st := e.settings
	e.mu.Unlock()

	if err := settings.Save(ctx, e.local, st); err != nil {
		e.log.Warn("persisting watermark", "error", err)
	}
}

func (e *Engine) finish(stats Stats, err error) {
	now := e.now()
	e.mu.Lock()
	e.status.LastSyncTime = now
	e.status.LastStats = stats
	e.status.LastSuccess = err == nil
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()

	summary := fmt.Sprintf("%d pushed, %d pulled, %d conflicts", stats.Pushed, stats.Inserted+stats.Updated, stats.Conflicts)
	e.publish(events.Event{Kind: events.Progress, Progress: 1})
	e.publish(events.Event{Kind: events.SyncCompleted, Success: err == nil, Message: summary})

	if err != nil {
		e.log.Warn("sync pass completed with errors", "stats", stats.String(), "error", err)
		return
	}
	e.log.Info("sync pass complete",
		"pushed", stats.Pushed,
		"pulled", stats.Pulled,
		"conflicts", stats.Conflicts,
		"deferred", stats.Deferred,
	)
}

// tolerate absorbs cache persistence failures: the in-memory cache is
// already updated and the pass carries on with it.
func (e *Engine) tolerate(err error, stats *Stats) error {
	if errors.Is(err, cache.ErrPersist) {
		stats.CacheErrors++
		return nil
	}
	return err
}

func (e *Engine) countConflict(c model.Category) {
	e.mu.Lock()
	e.conflictStats[c]++
	e.mu.Unlock()
}

func idsOf(rs []model.Record) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

// isSkip reports whether err means a pass did not start.
func isSkip(err error) bool {
	return errors.Is(err, ErrOffline) || errors.Is(err, ErrNetworkNotWanted) || errors.Is(err, ErrPassInFlight)
}
