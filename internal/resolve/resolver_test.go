package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/state"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testResolver() Resolver {
	n := 0
	return Resolver{
		Now: func() time.Time { return fixedNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("generated-%04d", n)
		},
	}
}

func pair() (local, remote model.Record) {
	local = model.Record{
		ID: "record-0007", Category: model.Joy, Value: 3, Intensity: 0.2,
		Note: "at home", Timestamp: 100, EventKind: model.EventValueChanged,
		SyncStatus: model.NotSynced,
	}
	remote = model.Record{
		ID: "record-0007", Category: model.Joy, Value: 9, Intensity: 0.6,
		Note: "at work", Timestamp: 200, EventKind: model.EventValueChanged,
		SyncStatus: model.Synced,
	}
	return local, remote
}

var allStrategies = []Strategy{ServerWins, ClientWins, MostRecent, KeepBoth, Manual, Merge}

func TestResolve_EqualContentIsNotAConflict(t *testing.T) {
	r, _ := pair()
	for _, s := range allStrategies {
		t.Run(s.String(), func(t *testing.T) {
			out := testResolver().Resolve(r, r, s)
			assert.Equal(t, Outcome{Kind: Resolved, Record: r, Side: SideLocal}, out)
		})
	}
}

func TestResolve_EqualContentIgnoresSyncStatus(t *testing.T) {
	local, _ := pair()
	remote := local.WithStatus(model.Synced)
	out := testResolver().Resolve(local, remote, Manual)
	assert.Equal(t, Resolved, out.Kind)
	assert.Nil(t, out.Case)
}

func TestResolve_ServerAndClientWins(t *testing.T) {
	local, remote := pair()

	out := testResolver().Resolve(local, remote, ServerWins)
	assert.Equal(t, Resolved, out.Kind)
	assert.Equal(t, SideRemote, out.Side)
	assert.Equal(t, 9.0, out.Record.Value)

	out = testResolver().Resolve(local, remote, ClientWins)
	assert.Equal(t, SideLocal, out.Side)
	assert.Equal(t, 3.0, out.Record.Value)
}

func TestResolve_MostRecent(t *testing.T) {
	local, remote := pair()

	out := testResolver().Resolve(local, remote, MostRecent)
	assert.Equal(t, SideRemote, out.Side, "remote is newer")

	local.Timestamp = 300
	out = testResolver().Resolve(local, remote, MostRecent)
	assert.Equal(t, SideLocal, out.Side, "local is newer")
}

func TestResolve_MostRecentTieFavoursRemote(t *testing.T) {
	local, remote := pair()
	local.Timestamp = remote.Timestamp
	out := testResolver().Resolve(local, remote, MostRecent)
	assert.Equal(t, SideRemote, out.Side)
	assert.Equal(t, remote.Value, out.Record.Value)
}

func TestResolve_Merge(t *testing.T) {
	local, remote := pair()
	out := testResolver().Resolve(local, remote, Merge)

	require.Equal(t, Resolved, out.Kind)
	assert.Equal(t, SideMerged, out.Side)
	assert.Equal(t, "record-0007", out.Record.ID)
	assert.Equal(t, 6.0, out.Record.Value)
	assert.Equal(t, 0.6, out.Record.Intensity)
	assert.Equal(t, "at work | at home", out.Record.Note, "newer side's note comes first")
	assert.Equal(t, model.Millis(fixedNow), out.Record.Timestamp)
}

func TestResolve_MergeNotes(t *testing.T) {
	tests := []struct {
		name, local, remote, want string
	}{
		{"both empty", "", "", ""},
		{"base empty", "mine", "", "mine"},
		{"other empty", "", "theirs", "theirs"},
		{"identical", "same", "same", "same"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := pair()
			local.Note, remote.Note = tt.local, tt.remote
			out := testResolver().Resolve(local, remote, Merge)
			assert.Equal(t, tt.want, out.Record.Note)
		})
	}
}

func TestResolve_MergeTieUsesLocalAsBase(t *testing.T) {
	local, remote := pair()
	local.Timestamp = remote.Timestamp
	local.ColorHex, remote.ColorHex = "#111111", "#222222"
	out := testResolver().Resolve(local, remote, Merge)
	assert.Equal(t, "#111111", out.Record.ColorHex)
}

func TestResolve_KeepBothForksLocal(t *testing.T) {
	local, remote := pair()
	out := testResolver().Resolve(local, remote, KeepBoth)

	require.Equal(t, Resolved, out.Kind)
	require.NotNil(t, out.Forked)
	assert.Equal(t, remote.ID, out.Record.ID)
	assert.Equal(t, 9.0, out.Record.Value)

	assert.NotEqual(t, local.ID, out.Forked.ID)
	assert.NotEqual(t, out.Record.ID, out.Forked.ID)
	assert.Equal(t, 3.0, out.Forked.Value)
	assert.Equal(t, model.NotSynced, out.Forked.SyncStatus)
}

func TestResolve_ManualDefers(t *testing.T) {
	local, remote := pair()
	out := testResolver().Resolve(local, remote, Manual)

	require.Equal(t, Deferred, out.Kind)
	require.NotNil(t, out.Case)
	assert.Equal(t, remote.Value, out.Record.Value, "remote is the interim value")
	assert.Equal(t, "record-0007", out.Case.RecordID)
	assert.Equal(t, local, out.Case.Local)
	assert.Equal(t, remote, out.Case.Remote)
	assert.Equal(t, model.Millis(fixedNow), out.Case.DetectedAt)
}

func TestDecide(t *testing.T) {
	local, remote := pair()
	c := NewCase("case-1", local, remote, fixedNow)
	res := testResolver()

	out, err := res.Decide(c, ChooseLocal)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.Record.Value)

	out, err = res.Decide(c, ChooseRemote)
	require.NoError(t, err)
	assert.Equal(t, 9.0, out.Record.Value)

	out, err = res.Decide(c, ChooseMerge)
	require.NoError(t, err)
	assert.Equal(t, SideMerged, out.Side)

	_, err = res.Decide(c, Choice("both"))
	assert.ErrorIs(t, err, ErrUnknownChoice)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"ServerWins", ServerWins},
		{"clientwins", ClientWins},
		{"MostRecent", MostRecent},
		{"KeepBoth", KeepBoth},
		{"AskUser", Manual},
		{"manual", Manual},
		{"Merge", Merge},
		{"3", KeepBoth},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseStrategy("Coinflip")
	assert.Error(t, err)
}

func TestStrategy_JSON(t *testing.T) {
	b, err := json.Marshal(struct{ S Strategy }{MostRecent})
	require.NoError(t, err)
	assert.JSONEq(t, `{"S":"MostRecent"}`, string(b))

	var v struct{ S Strategy }
	require.NoError(t, json.Unmarshal([]byte(`{"S":4}`), &v))
	assert.Equal(t, Manual, v.S)
}

func TestQueue_PersistsAndDedupesByRecord(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemory()
	q, err := NewQueue(ctx, mem)
	require.NoError(t, err)

	local, remote := pair()
	require.NoError(t, q.Add(ctx, NewCase("case-1", local, remote, fixedNow)))
	remote.Value = 10
	require.NoError(t, q.Add(ctx, NewCase("case-2", local, remote, fixedNow)))

	assert.Equal(t, 1, q.Len())
	c, ok := q.ForRecord("record-0007")
	require.True(t, ok)
	assert.Equal(t, "case-2", c.ID)

	reloaded, err := NewQueue(ctx, mem)
	require.NoError(t, err)
	got, ok := reloaded.Get("case-2")
	require.True(t, ok)
	assert.Equal(t, 10.0, got.Remote.Value)

	require.NoError(t, reloaded.Remove(ctx, "case-2"))
	assert.ErrorIs(t, reloaded.Remove(ctx, "case-2"), ErrUnknownCase)
	assert.Empty(t, reloaded.List())
}
