package resolve

import (
	"time"

	"github.com/njoerd114/emotionsync/internal/model"
)

// Kind tells a resolved outcome from a deferred one.
type Kind int

const (
	Resolved Kind = iota
	Deferred
)

// Side names where the surviving content came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerged Side = "merged"
)

// Outcome is the result of [Resolver.Resolve].
//
// For a Resolved outcome Record is the survivor. For a Deferred outcome Record
// is the interim value (the remote copy) and Case carries both sides for
// later resolution. Forked is only set by KeepBoth: it is the local copy
// under a fresh id, NotSynced, to be pushed as a new event.
type Outcome struct {
	Kind   Kind
	Record model.Record
	Side   Side
	Forked *model.Record
	Case   *Case
}

// Resolver applies a [Strategy] to a local/remote pair. It holds no state;
// Now and NewID are injectable for tests.
type Resolver struct {
	Now   func() time.Time
	NewID func() string
}

// New returns a Resolver using the wall clock and random ids.
func New() Resolver {
	return Resolver{Now: time.Now, NewID: model.NewID}
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r Resolver) newID() string {
	if r.NewID == nil {
		return model.NewID()
	}
	return r.NewID()
}

// Resolve picks the surviving version of a record. Copies that carry the same
// content are not a conflict and resolve to local without consulting the
// strategy.
func (r Resolver) Resolve(local, remote model.Record, s Strategy) Outcome {
	if model.SameContent(local, remote) {
		return Outcome{Kind: Resolved, Record: local, Side: SideLocal}
	}

	switch s {
	case ClientWins:
		return Outcome{Kind: Resolved, Record: local.Clone(), Side: SideLocal}
	case MostRecent:
		// Ties go to remote, which is already durable.
		if local.Timestamp > remote.Timestamp {
			return Outcome{Kind: Resolved, Record: local.Clone(), Side: SideLocal}
		}
		return Outcome{Kind: Resolved, Record: remote.Clone(), Side: SideRemote}
	case Merge:
		return Outcome{Kind: Resolved, Record: r.merge(local, remote), Side: SideMerged}
	case KeepBoth:
		fork := local.Clone()
		fork.ID = r.newID()
		fork.SyncStatus = model.NotSynced
		return Outcome{Kind: Resolved, Record: remote.Clone(), Side: SideRemote, Forked: &fork}
	case Manual:
		c := NewCase(r.newID(), local, remote, r.now())
		return Outcome{Kind: Deferred, Record: remote.Clone(), Side: SideRemote, Case: &c}
	default:
		return Outcome{Kind: Resolved, Record: remote.Clone(), Side: SideRemote}
	}
}

// merge builds a new revision on top of the more recent side (local on a
// tie): mean value, max intensity, both notes joined, stamped now.
func (r Resolver) merge(local, remote model.Record) model.Record {
	base, other := local, remote
	if remote.Timestamp > local.Timestamp {
		base, other = remote, local
	}
	m := base.Clone()
	m.Value = (base.Value + other.Value) / 2
	m.Intensity = max(base.Intensity, other.Intensity)
	if other.Note != "" && other.Note != base.Note {
		if base.Note == "" {
			m.Note = other.Note
		} else {
			m.Note = base.Note + " | " + other.Note
		}
	}
	m.Timestamp = model.Millis(r.now())
	return m
}

// Choice is a user's answer to a deferred case.
type Choice string

const (
	ChooseLocal  Choice = "local"
	ChooseRemote Choice = "remote"
	ChooseMerge  Choice = "merge"
)

// Decide resolves a deferred case with the user's choice. It never defers.
func (r Resolver) Decide(c Case, choice Choice) (Outcome, error) {
	switch choice {
	case ChooseLocal:
		return r.Resolve(c.Local, c.Remote, ClientWins), nil
	case ChooseRemote:
		return r.Resolve(c.Local, c.Remote, ServerWins), nil
	case ChooseMerge:
		return r.Resolve(c.Local, c.Remote, Merge), nil
	default:
		return Outcome{}, ErrUnknownChoice
	}
}
