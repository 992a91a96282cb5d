// Package model defines the record types shared by the cache, the remote
// store and the sync engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the emotion type of a record. It partitions per-type queries.
// Unknown categories are carried through unchanged.
type Category string

// Known categories.
const (
	Joy          Category = "Joy"
	Sadness      Category = "Sadness"
	Anger        Category = "Anger"
	Fear         Category = "Fear"
	Disgust      Category = "Disgust"
	Trust        Category = "Trust"
	Anticipation Category = "Anticipation"
	Surprise     Category = "Surprise"
	Love         Category = "Love"
	Anxiety      Category = "Anxiety"
	Neutral      Category = "Neutral"
)

// Categories lists the known categories in display order.
var Categories = []Category{
	Joy, Sadness, Anger, Fear, Disgust, Trust,
	Anticipation, Surprise, Love, Anxiety, Neutral,
}

// Known reports whether c is one of [Categories].
func (c Category) Known() bool {
	return slices.Contains(Categories, c)
}

// EventKind describes what produced a record.
type EventKind string

const (
	EventValueChanged     EventKind = "ValueChanged"
	EventIntensityChanged EventKind = "IntensityChanged"
	EventCapacityExceeded EventKind = "CapacityExceeded"
	EventBubbleCreated    EventKind = "BubbleCreated"
	EventMixed            EventKind = "EmotionMixed"
	EventDepleted         EventKind = "EmotionDepleted"
)

// SyncStatus is the per-record position in the sync state machine.
type SyncStatus int

const (
	NotSynced SyncStatus = iota
	Syncing
	Synced
	SyncFailed
	Conflict
)

var statusNames = [...]string{"NotSynced", "Syncing", "Synced", "SyncFailed", "Conflict"}

func (s SyncStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
	return statusNames[s]
}

// ParseSyncStatus accepts the status name (case-insensitive) or its ordinal.
func ParseSyncStatus(s string) (SyncStatus, error) {
	for i, name := range statusNames {
		if strings.EqualFold(s, name) {
			return SyncStatus(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(statusNames) {
		return SyncStatus(n), nil
	}
	return NotSynced, fmt.Errorf("unknown sync status %q", s)
}

// MarshalText encodes the status by name.
func (s SyncStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid sync status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalJSON accepts both the name form and the bare ordinal written by
// older clients.
func (s *SyncStatus) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if raw == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	v, err := ParseSyncStatus(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Record is one history entry. Treat it as a value: mutate a [Record.Clone],
// never a record that is already stored somewhere.
type Record struct {
	ID         string     `json:"id"`
	Category   Category   `json:"type"`
	Value      float64    `json:"value"`
	Intensity  float64    `json:"intensity"`
	ColorHex   string     `json:"colorHex,omitempty"`
	Note       string     `json:"note,omitempty"`
	RegionID   string     `json:"regionId,omitempty"`
	Timestamp  int64      `json:"timestamp"` // Unix milliseconds, event time
	EventKind  EventKind  `json:"eventType"`
	LocalID    string     `json:"localId,omitempty"`
	SyncStatus SyncStatus `json:"syncStatus"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// NewRecord builds a NotSynced record stamped with now.
func NewRecord(c Category, kind EventKind, value, intensity float64, now time.Time) Record {
	return Record{
		ID:         NewID(),
		Category:   c,
		Value:      value,
		Intensity:  intensity,
		Timestamp:  Millis(now),
		EventKind:  kind,
		SyncStatus: NotSynced,
	}
}

// Millis converts t to the Unix millisecond form used by Record.Timestamp.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Time returns the record's event time.
func (r *Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	if r.Latitude != nil {
		v := *r.Latitude
		c.Latitude = &v
	}
	if r.Longitude != nil {
		v := *r.Longitude
		c.Longitude = &v
	}
	c.Tags = slices.Clone(r.Tags)
	return c
}

// WithStatus returns a copy of r carrying status s.
func (r Record) WithStatus(s SyncStatus) Record {
	c := r.Clone()
	c.SyncStatus = s
	return c
}

// ContentHash returns a deterministic SHA-256 hex digest of every field that
// describes the event. SyncStatus is excluded: it is local bookkeeping and
// differs between the two sides of every sync.
func (r *Record) ContentHash() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%d|%s|",
		r.ID, r.Category,
		strconv.FormatFloat(r.Value, 'g', -1, 64),
		strconv.FormatFloat(r.Intensity, 'g', -1, 64),
		r.ColorHex, r.Note, r.RegionID, r.Timestamp, r.EventKind)
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%s", r.LocalID, optFloat(r.Latitude), optFloat(r.Longitude), strings.Join(r.Tags, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// SameContent reports whether a and b describe the same event revision.
func SameContent(a, b Record) bool {
	return a.ContentHash() == b.ContentHash()
}

func optFloat(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

// MixNote encodes the provenance of a mixed emotion.
func MixNote(a, b Category) string {
	return string(a) + " + " + string(b)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ErrInvalidRecord wraps every validation failure.
var ErrInvalidRecord = errors.New("invalid record")

const (
	maxIDLen     = 64
	maxNoteLen   = 500
	futureSkew   = time.Minute
	maxIntensity = 1.0
)

// Validate checks a record entered on this device. Value is only required to
// be finite; its scale is defined by the host domain. Ids are opaque: any
// non-empty key up to 64 bytes is accepted.
func (r *Record) Validate(now time.Time) error {
	switch {
	case r.ID == "" || len(r.ID) > maxIDLen:
		return fmt.Errorf("%w: id length %d outside [1, %d]", ErrInvalidRecord, len(r.ID), maxIDLen)
	case r.Category == "":
		return fmt.Errorf("%w: %s: empty category", ErrInvalidRecord, r.ID)
	case math.IsNaN(r.Value) || math.IsInf(r.Value, 0):
		return fmt.Errorf("%w: %s: value is not finite", ErrInvalidRecord, r.ID)
	case math.IsNaN(r.Intensity) || r.Intensity < 0 || r.Intensity > maxIntensity:
		return fmt.Errorf("%w: %s: intensity %v outside [0, 1]", ErrInvalidRecord, r.ID, r.Intensity)
	case r.Timestamp <= 0:
		return fmt.Errorf("%w: %s: missing timestamp", ErrInvalidRecord, r.ID)
	case r.Time().After(now.Add(futureSkew)):
		return fmt.Errorf("%w: %s: timestamp in the future", ErrInvalidRecord, r.ID)
	case len(r.Note) > maxNoteLen:
		return fmt.Errorf("%w: %s: note longer than %d", ErrInvalidRecord, r.ID, maxNoteLen)
	case r.Latitude != nil && (*r.Latitude < -90 || *r.Latitude > 90):
		return fmt.Errorf("%w: %s: latitude out of range", ErrInvalidRecord, r.ID)
	case r.Longitude != nil && (*r.Longitude < -180 || *r.Longitude > 180):
		return fmt.Errorf("%w: %s: longitude out of range", ErrInvalidRecord, r.ID)
	case r.SyncStatus < NotSynced || r.SyncStatus > Conflict:
		return fmt.Errorf("%w: %s: unknown sync status", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Decode parses a JSON record payload written by another client. Only what
// the cache needs to store it is checked; field ranges are the writer's
// business and a remote record is kept even when it would fail [Record.Validate].
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	switch {
	case r.ID == "":
		return Record{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case strings.Contains(r.ID, "/"):
		return Record{}, fmt.Errorf("%w: id %q contains a path separator", ErrInvalidRecord, r.ID)
	case r.SyncStatus < NotSynced || r.SyncStatus > Conflict:
		return Record{}, fmt.Errorf("%w: %s: unknown sync status", ErrInvalidRecord, r.ID)
	}
	return r, nil
}
