package state

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-local.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	empty, err := s.IsEmpty(context.Background())
	if err != nil {
		t.Fatalf("IsEmpty after open: %v", err)
	}
	if !empty {
		t.Error("expected empty store after open")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.SetString(ctx, "k", "v"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	v, ok, err := s2.GetString(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Errorf("GetString after reopen = (%q, %v, %v), want (v, true, nil)", v, ok, err)
	}
}

func TestSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetString(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetString(missing) = ok=%v err=%v, want not found", ok, err)
	}

	if err := s.SetString(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetString(ctx, "a", "2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetString(ctx, "a")
	if err != nil || !ok || v != "2" {
		t.Fatalf("GetString(a) = (%q, %v, %v), want (2, true, nil)", v, ok, err)
	}

	has, err := s.Has(ctx, "a")
	if err != nil || !has {
		t.Fatalf("Has(a) = %v, %v", has, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if has, _ := s.Has(ctx, "a"); has {
		t.Error("Has(a) after delete = true")
	}
}

func TestApply_SetsAndDeletesTogether(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.SetString(ctx, "old-1", "x")
	_ = s.SetString(ctx, "old-2", "y")

	err := s.Apply(ctx, map[string]string{"new-1": "a", "old-2": "z"}, []string{"old-1", "old-2"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if has, _ := s.Has(ctx, "old-1"); has {
		t.Error("old-1 should be deleted")
	}
	// Deletes run before sets, so a key in both ends up set.
	if v, _, _ := s.GetString(ctx, "old-2"); v != "z" {
		t.Errorf("old-2 = %q, want z", v)
	}
	if v, _, _ := s.GetString(ctx, "new-1"); v != "a" {
		t.Errorf("new-1 = %q, want a", v)
	}
}

func TestApply_CancelledContextWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Apply(ctx, map[string]string{"k": "v"}, nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if has, _ := s.Has(context.Background(), "k"); has {
		t.Error("cancelled Apply must not leave partial writes")
	}
}

func TestKeys_Prefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"rec_b", "rec_a", "other", "rec"} {
		_ = s.SetString(ctx, k, "v")
	}
	got, err := s.Keys(ctx, "rec_")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"rec_a", "rec_b"}; !slices.Equal(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
}

func TestUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	if ts, err := s.UpdatedAt(ctx, "k"); err != nil || !ts.IsZero() {
		t.Fatalf("UpdatedAt(missing) = %v, %v", ts, err)
	}
	_ = s.SetString(ctx, "k", "v")
	ts, err := s.UpdatedAt(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", ts, fixed)
	}
}

func TestMemory_MatchesStoreContract(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SetString(ctx, "p_1", "a")
	_ = m.Apply(ctx, map[string]string{"p_2": "b"}, []string{"p_1"})

	if has, _ := m.Has(ctx, "p_1"); has {
		t.Error("p_1 should be deleted")
	}
	keys, _ := m.Keys(ctx, "p_")
	if !slices.Equal(keys, []string{"p_2"}) {
		t.Errorf("Keys = %v", keys)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}
