package remote

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Memory is an in-process remote store. Values are normalised through JSON
// on write so readers see exactly what a networked store would return.
type Memory struct {
	mu        sync.Mutex
	root      map[string]any
	offline   bool
	updateErr error
	rangeErr  error
	updates   int
}

// NewMemory returns an empty, connected store.
func NewMemory() *Memory {
	return &Memory{root: make(map[string]any)}
}

// SetConnected toggles whether calls succeed.
func (m *Memory) SetConnected(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = !ok
}

// FailUpdates makes every MultiUpdate return err until called with nil.
func (m *Memory) FailUpdates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = err
}

// FailRanges makes every range query return err until called with nil.
func (m *Memory) FailRanges(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeErr = err
}

// UpdateCalls returns how many MultiUpdate calls were accepted.
func (m *Memory) UpdateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

// Get returns the JSON subtree at path.
func (m *Memory) Get(_ context.Context, path string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, false, ErrOffline
	}
	node, ok := lookup(m.root, split(path))
	if !ok {
		return nil, false, nil
	}
	b, err := json.Marshal(node)
	if err != nil {
		return nil, false, fmt.Errorf("encoding %s: %w", path, err)
	}
	return b, true, nil
}

// MultiUpdate writes every entry or none. A nil value deletes the path.
func (m *Memory) MultiUpdate(_ context.Context, updates map[string]any) error {
	normalised := make(map[string]any, len(updates))
	for path, v := range updates {
		if len(split(path)) == 0 {
			return fmt.Errorf("remote: empty update path")
		}
		if v == nil {
			normalised[path] = nil
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", path, err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		normalised[path] = generic
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrOffline
	}
	if m.updateErr != nil {
		return m.updateErr
	}
	// Shorter paths first so a parent write never clobbers a child write
	// from the same update.
	paths := slices.Collect(maps.Keys(normalised))
	slices.SortFunc(paths, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(split(a)), len(split(b))), cmp.Compare(a, b))
	})
	for _, p := range paths {
		set(m.root, split(p), normalised[p])
	}
	m.updates++
	return nil
}

// GetRange returns the children of path whose "timestamp" is greater than
// since, oldest first, at most limit of them (limit <= 0: all).
func (m *Memory) GetRange(_ context.Context, path string, since int64, limit int) ([]json.RawMessage, error) {
	return m.query(path, func(ts int64) bool { return ts > since }, limit, false)
}

// GetLatest returns the limit children of path with the greatest
// "timestamp", oldest first.
func (m *Memory) GetLatest(_ context.Context, path string, limit int) ([]json.RawMessage, error) {
	return m.query(path, func(int64) bool { return true }, limit, true)
}

// GetAt returns every child of path whose "timestamp" equals ts.
func (m *Memory) GetAt(_ context.Context, path string, ts int64) ([]json.RawMessage, error) {
	return m.query(path, func(v int64) bool { return v == ts }, 0, false)
}

// query sorts the matching children by (timestamp, key) and keeps limit of
// them from the front, or from the back when last is set.
func (m *Memory) query(path string, match func(ts int64) bool, limit int, last bool) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrOffline
	}
	if m.rangeErr != nil {
		return nil, m.rangeErr
	}
	node, ok := lookup(m.root, split(path))
	if !ok {
		return nil, nil
	}
	children, ok := node.(map[string]any)
	if !ok {
		return nil, nil
	}

	type entry struct {
		key string
		ts  int64
		val any
	}
	var entries []entry
	for k, v := range children {
		if k == "" || k[0] == '.' {
			continue
		}
		ts := timestampOf(v)
		if !match(ts) {
			continue
		}
		entries = append(entries, entry{k, ts, v})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Or(cmp.Compare(a.ts, b.ts), cmp.Compare(a.key, b.key))
	})
	if limit > 0 && len(entries) > limit {
		if last {
			entries = entries[len(entries)-limit:]
		} else {
			entries = entries[:limit]
		}
	}

	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e.val)
		if err != nil {
			return nil, fmt.Errorf("encoding %s/%s: %w", path, e.key, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func timestampOf(v any) int64 {
	obj, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	f, ok := obj["timestamp"].(float64)
	if !ok {
		return 0
	}
	return int64(f)
}

func lookup(root map[string]any, segs []string) (any, bool) {
	var node any = root
	for _, s := range segs {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = obj[s]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// set writes v at segs, creating parents; nil deletes and prunes empty
// parents the way the hosted store does.
func set(root map[string]any, segs []string, v any) {
	if len(segs) == 0 {
		return
	}
	parent := root
	for _, s := range segs[:len(segs)-1] {
		child, ok := parent[s].(map[string]any)
		if !ok {
			if v == nil {
				return
			}
			child = make(map[string]any)
			parent[s] = child
		}
		parent = child
	}
	last := segs[len(segs)-1]
	if v == nil {
		delete(parent, last)
		prune(root, segs[:len(segs)-1])
		return
	}
	parent[last] = v
}

func prune(root map[string]any, segs []string) {
	for i := len(segs); i > 0; i-- {
		node, ok := lookup(root, segs[:i])
		if !ok {
			return
		}
		obj, ok := node.(map[string]any)
		if !ok || len(obj) > 0 {
			return
		}
		parent, _ := lookup(root, segs[:i-1])
		delete(parent.(map[string]any), segs[i-1])
	}
}
