// Package batch accumulates remote mutations keyed by path and submits them
// as one atomic multi-path update.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// DefaultThreshold matches the usual multi-path update limit.
const DefaultThreshold = 25

// ErrFlushInFlight is returned when Flush is called while another flush is
// still waiting on the remote store.
var ErrFlushInFlight = errors.New("batch: flush already in flight")

// Updater applies a multi-path update atomically. A nil value deletes the
// path.
type Updater interface {
	MultiUpdate(ctx context.Context, updates map[string]any) error
}

// FlushError reports a failed flush. The operations were kept and Pending of
// them are still queued for the next attempt.
type FlushError struct {
	Pending int
	Err     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("batch flush failed (%d operations kept): %v", e.Pending, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Result is delivered to the completion callback after every non-empty flush.
type Result struct {
	Success bool
	Summary string
	Count   int
	Err     error
}

type kind int

const (
	opUpdate kind = iota
	opDelete
	opPriority
)

func (k kind) String() string {
	switch k {
	case opDelete:
		return "delete"
	case opPriority:
		return "priority"
	default:
		return "update"
	}
}

type op struct {
	path  string
	kind  kind
	value any
	seq   uint64
}

// Writer is the pending-operation queue. Paths are unique in the queue; a
// second write to the same path replaces the first but keeps its position.
type Writer struct {
	remote    Updater
	logger    *slog.Logger
	threshold int

	mu       sync.Mutex
	ops      []op
	seq      uint64
	flushing bool
	notify   func(Result)
}

// New returns a Writer that auto-flushes once threshold operations are
// pending. threshold <= 0 selects [DefaultThreshold].
func New(remote Updater, threshold int, logger *slog.Logger) *Writer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{remote: remote, threshold: threshold, logger: logger}
}

// OnComplete registers fn to receive the outcome of every non-empty flush.
// fn runs synchronously on the flushing goroutine.
func (w *Writer) OnComplete(fn func(Result)) {
	w.mu.Lock()
	w.notify = fn
	w.mu.Unlock()
}

// QueueUpdate schedules payload to be written at path. If this brings the
// queue to the threshold the queue is flushed before returning, and a flush
// failure is returned.
func (w *Writer) QueueUpdate(ctx context.Context, path string, payload any) error {
	return w.queue(ctx, op{path: path, kind: opUpdate, value: payload})
}

// QueueDelete schedules path to be removed.
func (w *Writer) QueueDelete(ctx context.Context, path string) error {
	return w.queue(ctx, op{path: path, kind: opDelete})
}

// QueuePriority schedules a priority change, written to path/.priority.
func (w *Writer) QueuePriority(ctx context.Context, path string, priority any) error {
	return w.queue(ctx, op{path: path + "/.priority", kind: opPriority, value: priority})
}

func (w *Writer) queue(ctx context.Context, o op) error {
	w.mu.Lock()
	w.seq++
	o.seq = w.seq
	if i := slices.IndexFunc(w.ops, func(x op) bool { return x.path == o.path }); i >= 0 {
		w.ops[i] = o
	} else {
		w.ops = append(w.ops, o)
	}
	full := len(w.ops) >= w.threshold && !w.flushing
	w.mu.Unlock()

	if !full {
		return nil
	}
	w.logger.Debug("batch threshold reached, flushing", "threshold", w.threshold)
	return w.Flush(ctx)
}

// Flush submits every pending operation in one multi-path update. On success
// the submitted operations leave the queue; operations replaced while the
// call was in flight stay queued. On failure nothing is removed and a
// [*FlushError] is returned.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.flushing {
		w.mu.Unlock()
		return ErrFlushInFlight
	}
	if len(w.ops) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.flushing = true
	snapshot := slices.Clone(w.ops)
	w.mu.Unlock()

	updates := make(map[string]any, len(snapshot))
	for _, o := range snapshot {
		if o.kind == opDelete {
			updates[o.path] = nil
		} else {
			updates[o.path] = o.value
		}
	}

	err := w.remote.MultiUpdate(ctx, updates)

	w.mu.Lock()
	w.flushing = false
	if err == nil {
		sent := make(map[string]uint64, len(snapshot))
		for _, o := range snapshot {
			sent[o.path] = o.seq
		}
		w.ops = slices.DeleteFunc(w.ops, func(o op) bool {
			seq, ok := sent[o.path]
			return ok && seq == o.seq
		})
	}
	pending := len(w.ops)
	notify := w.notify
	w.mu.Unlock()

	res := Result{Success: err == nil, Count: len(snapshot), Err: err}
	if err != nil {
		res.Summary = fmt.Sprintf("batch of %d operations failed: %v", len(snapshot), err)
		w.logger.Warn("batch flush failed", "operations", len(snapshot), "pending", pending, "error", err)
	} else {
		res.Summary = summarize(snapshot)
		w.logger.Debug("batch flushed", "operations", len(snapshot), "pending", pending)
	}
	if notify != nil {
		notify(res)
	}

	if err != nil {
		return &FlushError{Pending: pending, Err: err}
	}
	return nil
}

func summarize(ops []op) string {
	var counts [3]int
	for _, o := range ops {
		counts[o.kind]++
	}
	return fmt.Sprintf("batch of %d operations committed (%d updates, %d deletes, %d priorities)",
		len(ops), counts[opUpdate], counts[opDelete], counts[opPriority])
}

// PendingCount returns the number of queued operations.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ops)
}

// PendingPaths returns the queued paths in queue order.
func (w *Writer) PendingPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, len(w.ops))
	for i, o := range w.ops {
		paths[i] = o.path
	}
	return paths
}

// CancelPending drops the queue without sending it and returns how many
// operations were discarded. Only for data the caller has invalidated, such
// as on sign-out.
func (w *Writer) CancelPending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.ops)
	w.ops = nil
	if n > 0 {
		w.logger.Info("pending batch operations cancelled", "operations", n)
	}
	return n
}
