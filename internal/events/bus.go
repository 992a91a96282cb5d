// Package events carries engine notifications to whoever is listening
// (CLI output, a UI, tests) without the engine knowing about them.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	SyncStarted      Kind = "sync_started"
	Progress         Kind = "progress"
	RecordSynced     Kind = "record_synced"
	ConflictResolved Kind = "conflict_resolved"
	ConflictDeferred Kind = "conflict_deferred"
	BatchCompleted   Kind = "batch_completed"
	SyncCompleted    Kind = "sync_completed"
	BackupCreated    Kind = "backup_created"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind
	Time     time.Time
	RecordID string
	CaseID   string
	Progress float64 // 0..1, Progress events
	Success  bool    // BatchCompleted, SyncCompleted
	Message  string
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving every event published from now on,
// and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber that has room. A zero Time is set
// to now.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
