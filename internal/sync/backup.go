package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/njoerd114/emotionsync/internal/events"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/settings"
)

// backupIDLayout names backups by their UTC creation second.
const backupIDLayout = "20060102_150405"

// ErrBackupNotFound is returned by RestoreBackup for an unknown id.
var ErrBackupNotFound = errors.New("sync: backup not found")

// Backup is a snapshot of a user's history and settings stored under
// backups/{uid}/{id}.
type Backup struct {
	History   map[string]model.Record `json:"emotionHistory"`
	Settings  settings.Settings       `json:"syncSettings"`
	CreatedAt int64                   `json:"createdAt"` // Unix ms
	Records   int                     `json:"records"`
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	ID        string
	CreatedAt time.Time
	Records   int
}

// CreateBackup copies the remote history and settings into a new backup in
// one multi-path write and returns its id.
func (e *Engine) CreateBackup(ctx context.Context) (string, error) {
	paths, err := e.userPaths()
	if err != nil {
		return "", err
	}
	if !e.remote.IsConnected() {
		return "", ErrOffline
	}

	history, err := e.remoteHistory(ctx)
	if err != nil {
		return "", err
	}
	now := e.now()
	id := now.UTC().Format(backupIDLayout)
	st := e.Settings()
	b := Backup{
		History:   history,
		Settings:  st,
		CreatedAt: model.Millis(now),
		Records:   len(history),
	}

	st.LastBackupTimestamp = b.CreatedAt
	if err := e.remote.MultiUpdate(ctx, map[string]any{
		paths.Backup(id):  b,
		paths.Settings(): st,
	}); err != nil {
		return "", fmt.Errorf("writing backup %s: %w", id, err)
	}

	e.mu.Lock()
	e.settings.LastBackupTimestamp = b.CreatedAt
	st = e.settings
	e.mu.Unlock()
	if err := settings.Save(ctx, e.local, st); err != nil {
		e.log.Warn("persisting backup time", "error", err)
	}

	e.publish(events.Event{Kind: events.BackupCreated, Message: id, Success: true})
	e.log.Info("backup created", "backup_id", id, "records", b.Records)
	return id, nil
}

// CheckAndCreateBackup creates a backup when backups are enabled and the
// backup interval has elapsed. It returns the new id, or "" when none was due.
func (e *Engine) CheckAndCreateBackup(ctx context.Context) (string, error) {
	st := e.Settings()
	if !st.BackupEnabled {
		return "", nil
	}
	last := time.UnixMilli(st.LastBackupTimestamp)
	if st.LastBackupTimestamp > 0 && e.now().Sub(last) < st.BackupInterval() {
		return "", nil
	}
	return e.CreateBackup(ctx)
}

// ListBackups returns the user's backups, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	paths, err := e.userPaths()
	if err != nil {
		return nil, err
	}
	raw, ok, err := e.remote.Get(ctx, paths.Backups())
	if err != nil {
		return nil, fmt.Errorf("reading backups: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var all map[string]struct {
		CreatedAt int64 `json:"createdAt"`
		Records   int   `json:"records"`
	}
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decoding backups: %w", err)
	}

	out := make([]BackupInfo, 0, len(all))
	for id, b := range all {
		out = append(out, BackupInfo{ID: id, CreatedAt: time.UnixMilli(b.CreatedAt), Records: b.Records})
	}
	// Ids sort chronologically.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// RestoreBackup writes a backup's history and settings back to the user's
// tree and reloads the cache from it. Unsynced local records are lost.
func (e *Engine) RestoreBackup(ctx context.Context, id string) (int, error) {
	paths, err := e.userPaths()
	if err != nil {
		return 0, err
	}
	if !e.acquire() {
		return 0, ErrPassInFlight
	}
	defer e.release()

	raw, ok, err := e.remote.Get(ctx, paths.Backup(id))
	if err != nil {
		return 0, fmt.Errorf("reading backup %s: %w", id, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	var b Backup
	if err := json.Unmarshal(raw, &b); err != nil {
		return 0, fmt.Errorf("decoding backup %s: %w", id, err)
	}

	st := e.Settings()
	restored := settings.MergeRemote(st, b.Settings)
	if err := restored.Validate(); err != nil {
		e.log.Warn("backup settings invalid, keeping current settings", "backup_id", id, "error", err)
		restored = st
	}
	history := b.History
	if history == nil {
		history = map[string]model.Record{}
	}

	// Setting the parent replaces the whole subtree, so records created
	// after the backup are removed.
	if err := e.remote.MultiUpdate(ctx, map[string]any{
		paths.History():  history,
		paths.Settings(): restored,
	}); err != nil {
		return 0, fmt.Errorf("restoring backup %s: %w", id, err)
	}

	e.mu.Lock()
	e.settings = restored
	e.mu.Unlock()

	n, err := e.replaceFromRemote(ctx)
	if err != nil {
		return n, err
	}
	e.log.Info("backup restored", "backup_id", id, "records", n)
	return n, nil
}

// remoteHistory reads the user's whole history subtree.
func (e *Engine) remoteHistory(ctx context.Context) (map[string]model.Record, error) {
	paths, err := e.userPaths()
	if err != nil {
		return nil, err
	}
	raw, ok, err := e.remote.Get(ctx, paths.History())
	if err != nil {
		return nil, fmt.Errorf("reading remote history: %w", err)
	}
	history := make(map[string]model.Record)
	if !ok {
		return history, nil
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decoding remote history: %w", err)
	}
	return history, nil
}
