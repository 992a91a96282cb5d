package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/emotionsync/internal/model"
)

// QueueKey is where pending cases are persisted in the local store.
const QueueKey = "EmotionSyncConflicts"

var (
	ErrUnknownCase   = errors.New("resolve: unknown conflict case")
	ErrUnknownChoice = errors.New("resolve: unknown resolution choice")
)

// Case is a conflict waiting for a human decision.
type Case struct {
	ID         string       `json:"id"`
	RecordID   string       `json:"recordId"`
	Local      model.Record `json:"local"`
	Remote     model.Record `json:"remote"`
	DetectedAt int64        `json:"detectedAt"`
}

// NewCase captures both sides of a conflict.
func NewCase(id string, local, remote model.Record, now time.Time) Case {
	return Case{
		ID:         id,
		RecordID:   remote.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: model.Millis(now),
	}
}

// KV is the part of the local store the queue persists through.
type KV interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
}

// Queue holds deferred cases, at most one per record id, in detection order.
type Queue struct {
	mu    sync.Mutex
	store KV
	cases []Case
}

// NewQueue loads persisted cases from store.
func NewQueue(ctx context.Context, store KV) (*Queue, error) {
	q := &Queue{store: store}
	raw, ok, err := store.GetString(ctx, QueueKey)
	if err != nil {
		return nil, fmt.Errorf("loading conflict queue: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &q.cases); err != nil {
			return nil, fmt.Errorf("decoding conflict queue: %w", err)
		}
	}
	return q, nil
}

// Add enqueues c, replacing any earlier case for the same record.
func (q *Queue) Add(ctx context.Context, c Case) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cases = slices.DeleteFunc(q.cases, func(x Case) bool { return x.RecordID == c.RecordID })
	q.cases = append(q.cases, c)
	return q.saveLocked(ctx)
}

// Get returns the case with the given id.
func (q *Queue) Get(id string) (Case, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.cases, func(c Case) bool { return c.ID == id })
	if i < 0 {
		return Case{}, false
	}
	return q.cases[i], true
}

// ForRecord returns the pending case for a record id, if any.
func (q *Queue) ForRecord(recordID string) (Case, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.cases, func(c Case) bool { return c.RecordID == recordID })
	if i < 0 {
		return Case{}, false
	}
	return q.cases[i], true
}

// Remove drops the case with the given id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.cases)
	q.cases = slices.DeleteFunc(q.cases, func(c Case) bool { return c.ID == id })
	if len(q.cases) == n {
		return ErrUnknownCase
	}
	return q.saveLocked(ctx)
}

// Clear drops every case.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cases = nil
	return q.saveLocked(ctx)
}

// List returns the pending cases in detection order.
func (q *Queue) List() []Case {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.cases)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cases)
}

func (q *Queue) saveLocked(ctx context.Context) error {
	b, err := json.Marshal(q.cases)
	if err != nil {
		return fmt.Errorf("encoding conflict queue: %w", err)
	}
	if err := q.store.SetString(ctx, QueueKey, string(b)); err != nil {
		return fmt.Errorf("saving conflict queue: %w", err)
	}
	return nil
}
