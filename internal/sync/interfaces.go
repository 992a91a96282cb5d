// Package sync reconciles the local record cache with the remote store. It
// pushes records that have not been sent yet, pulls remote records newer
// than the watermark, classifies each one as new, update or conflict, and
// applies the configured conflict policy.
//
// The package contains two main components:
//
//   - [Engine] owns the pass state machine, the scheduler loop and the
//     out-of-pass operations (manual resolution, backups, history reset).
//   - [Bootstrap] seeds an empty cache from the remote history on first run.
package sync

import (
	"context"
	"encoding/json"

	"github.com/njoerd114/emotionsync/internal/batch"
	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/resolve"
)

// RecordCache is the local history.
// Implemented by [cache.Cache].
type RecordCache interface {
	Upsert(ctx context.Context, r model.Record) (model.Record, error)
	UpsertMany(ctx context.Context, rs []model.Record) error
	SetStatus(ctx context.Context, ids []string, status model.SyncStatus) error
	Get(id string) (model.Record, bool)
	List(f cache.Filter, limit int) []model.Record
	Unsynced(limit int) []model.Record
	Failed(limit int) []model.Record
	WithStatus(status model.SyncStatus) []model.Record
	ReplaceAll(ctx context.Context, rs []model.Record) error
	MergeFrom(ctx context.Context, rs []model.Record) (int, error)
	SetCapacity(ctx context.Context, capacity int) (int, error)
	Len() int
	CountByCategory() map[model.Category]int
	CountByStatus() map[model.SyncStatus]int
}

// RemoteStore is the tree-structured remote database.
// Implemented by [remote.HTTPStore] and [remote.Memory].
type RemoteStore interface {
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)
	MultiUpdate(ctx context.Context, updates map[string]any) error
	GetRange(ctx context.Context, path string, since int64, limit int) ([]json.RawMessage, error)
	GetLatest(ctx context.Context, path string, limit int) ([]json.RawMessage, error)
	GetAt(ctx context.Context, path string, ts int64) ([]json.RawMessage, error)
	IsConnected() bool
}

// BatchQueue batches remote writes.
// Implemented by [batch.Writer].
type BatchQueue interface {
	QueueUpdate(ctx context.Context, path string, payload any) error
	QueueDelete(ctx context.Context, path string) error
	Flush(ctx context.Context) error
	PendingCount() int
	CancelPending() int
	OnComplete(fn func(batch.Result))
}

// LocalStore persists settings.
// Implemented by [state.Store] and [state.Memory].
type LocalStore interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
}

// ConflictQueue holds cases deferred for manual resolution.
// Implemented by [resolve.Queue].
type ConflictQueue interface {
	Add(ctx context.Context, c resolve.Case) error
	Get(id string) (resolve.Case, bool)
	ForRecord(recordID string) (resolve.Case, bool)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	List() []resolve.Case
	Len() int
}
