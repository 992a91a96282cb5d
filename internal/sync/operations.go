package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/resolve"
	"github.com/njoerd114/emotionsync/internal/settings"
)

// RefreshLimit bounds how many remote records a refresh or reset pulls.
const RefreshLimit = 1000

// Append stores a new local record as NotSynced. It never touches the
// network; the next pass pushes it.
func (e *Engine) Append(ctx context.Context, r model.Record) (model.Record, error) {
	if r.ID == "" {
		r.ID = model.NewID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = model.Millis(e.now())
	}
	r.SyncStatus = model.NotSynced
	if err := r.Validate(e.now()); err != nil {
		return model.Record{}, err
	}
	stored, err := e.cache.Upsert(ctx, r)
	if err != nil {
		// The record is still in memory and will be pushed; only its
		// durability across restarts is lost.
		e.log.Warn("appending record", "record_id", stored.ID, "error", err)
	}
	return stored, nil
}

// History returns cached records matching f, newest first.
func (e *Engine) History(f cache.Filter, limit int) []model.Record {
	return e.cache.List(f, limit)
}

// CountByStatus reports how many cached records are in each status.
func (e *Engine) CountByStatus() map[model.SyncStatus]int {
	return e.cache.CountByStatus()
}

// RetryFailed pushes every SyncFailed record outside the normal drain.
func (e *Engine) RetryFailed(ctx context.Context) (Stats, error) {
	if err := e.admit(); err != nil {
		return Stats{}, err
	}
	if !e.acquire() {
		return Stats{}, ErrPassInFlight
	}
	defer e.release()

	paths, err := e.userPaths()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	failed := e.cache.Failed(e.Settings().MaxRecordsPerSync)
	if len(failed) == 0 {
		return stats, nil
	}
	e.log.Info("retrying failed records", "count", len(failed))
	err = e.push(ctx, paths, failed, &stats)
	if err != nil {
		stats.Errors++
	}
	return stats, err
}

// SubmitResolution settles a deferred conflict with the user's choice and
// pushes the result when it differs from what the remote store holds.
func (e *Engine) SubmitResolution(ctx context.Context, caseID string, choice resolve.Choice) (model.Record, error) {
	if !e.acquire() {
		return model.Record{}, ErrPassInFlight
	}
	defer e.release()

	c, ok := e.conflicts.Get(caseID)
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s", resolve.ErrUnknownCase, caseID)
	}
	out, err := e.resolver.Decide(c, choice)
	if err != nil {
		return model.Record{}, err
	}

	var stats Stats
	repush, err := e.applyOutcome(ctx, out, &stats)
	if err != nil {
		return model.Record{}, fmt.Errorf("storing resolution: %w", err)
	}
	if err := e.conflicts.Remove(ctx, caseID); err != nil {
		return model.Record{}, err
	}

	// Without a connection the record stays NotSynced and the next pass
	// pushes it.
	if len(repush) > 0 && e.admit() == nil {
		paths, _ := e.userPaths()
		if err := e.push(ctx, paths, repush, &stats); err != nil {
			e.log.Warn("pushing resolution", "case_id", caseID, "error", err)
		}
	}

	stored, _ := e.cache.Get(c.RecordID)
	e.log.Info("conflict resolved by user", "case_id", caseID, "choice", choice, "record_id", c.RecordID)
	return stored, nil
}

// UpdateSettings applies fn to a copy of the settings, validates and
// persists the result, mirrors it to the remote store and triggers a pass.
func (e *Engine) UpdateSettings(ctx context.Context, fn func(*settings.Settings)) (settings.Settings, error) {
	e.mu.Lock()
	next := e.settings
	fn(&next)
	// The watermark is owned by the engine.
	next.LastSyncTimestamp = e.settings.LastSyncTimestamp
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return settings.Settings{}, err
	}
	e.settings = next
	e.mu.Unlock()

	if err := settings.Save(ctx, e.local, next); err != nil {
		return next, err
	}
	if _, err := e.cache.SetCapacity(ctx, next.MaxCacheRecords); err != nil {
		e.log.Warn("applying cache capacity", "error", err)
	}
	if paths, err := e.userPaths(); err == nil && e.remote.IsConnected() {
		if err := e.remote.MultiUpdate(ctx, map[string]any{paths.Settings(): next}); err != nil {
			e.log.Warn("mirroring settings", "error", err)
		}
	}
	e.Trigger("settings")
	return next, nil
}

// ClearHistory deletes the user's remote history and empties the cache.
// Pending conflict cases go with it and the watermark restarts at zero.
func (e *Engine) ClearHistory(ctx context.Context) error {
	paths, err := e.userPaths()
	if err != nil {
		return err
	}
	if !e.acquire() {
		return ErrPassInFlight
	}
	defer e.release()

	if err := e.batch.QueueDelete(ctx, paths.History()); err != nil {
		return fmt.Errorf("queueing history delete: %w", err)
	}
	if err := e.batch.Flush(ctx); err != nil {
		e.batch.CancelPending()
		return fmt.Errorf("deleting remote history: %w", err)
	}

	var errs []error
	if err := e.cache.ReplaceAll(ctx, nil); err != nil {
		errs = append(errs, fmt.Errorf("clearing cache: %w", err))
	}
	if err := e.conflicts.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing conflicts: %w", err))
	}
	if err := e.setWatermark(ctx, 0); err != nil {
		errs = append(errs, err)
	}
	e.log.Info("history cleared")
	return errors.Join(errs...)
}

// RefreshFromRemote merges the newest remote records into the cache without
// touching unsynced local records. It returns how many records were merged.
func (e *Engine) RefreshFromRemote(ctx context.Context) (int, error) {
	if !e.acquire() {
		return 0, ErrPassInFlight
	}
	defer e.release()

	recs, _, err := e.fetchAll(ctx)
	if err != nil {
		return 0, err
	}
	return e.cache.MergeFrom(ctx, recs)
}

// ReplaceFromRemote discards the cache and reloads it from the remote store.
// Unsynced local records are lost.
func (e *Engine) ReplaceFromRemote(ctx context.Context) (int, error) {
	if !e.acquire() {
		return 0, ErrPassInFlight
	}
	defer e.release()
	return e.replaceFromRemote(ctx)
}

func (e *Engine) replaceFromRemote(ctx context.Context) (int, error) {
	recs, maxTS, err := e.fetchAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.cache.ReplaceAll(ctx, recs); err != nil {
		return 0, err
	}
	if err := e.setWatermark(ctx, maxTS); err != nil {
		return len(recs), err
	}
	e.log.Info("cache replaced from remote", "count", len(recs))
	return len(recs), nil
}

// fetchAll pulls the RefreshLimit newest remote records, marked Synced.
// Malformed entries are skipped.
func (e *Engine) fetchAll(ctx context.Context) ([]model.Record, int64, error) {
	paths, err := e.userPaths()
	if err != nil {
		return nil, 0, err
	}
	raws, err := e.remote.GetLatest(ctx, paths.History(), RefreshLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching remote history: %w", err)
	}
	recs := make([]model.Record, 0, len(raws))
	var maxTS int64
	for _, raw := range raws {
		r, err := model.Decode(raw)
		if err != nil {
			e.log.Warn("skipping malformed remote record", "error", err)
			continue
		}
		maxTS = max(maxTS, r.Timestamp)
		recs = append(recs, r.WithStatus(model.Synced))
	}
	return recs, maxTS, nil
}

func (e *Engine) setWatermark(ctx context.Context, ts int64) error {
	e.mu.Lock()
	e.settings.LastSyncTimestamp = ts
	st := e.settings
	e.mu.Unlock()
	return settings.Save(ctx, e.local, st)
}

// SignIn switches the engine to another user. The caller is responsible for
// giving each user their own cache.
func (e *Engine) SignIn(userID string) {
	e.mu.Lock()
	e.paths.UserID = userID
	e.mu.Unlock()
}

// SignOut drops queued remote writes and detaches the user. Passes return
// ErrNotAuthenticated until the next SignIn.
func (e *Engine) SignOut() {
	if n := e.batch.CancelPending(); n > 0 {
		e.log.Info("dropped pending writes on sign-out", "count", n)
	}
	e.mu.Lock()
	e.paths.UserID = ""
	e.mu.Unlock()
}
