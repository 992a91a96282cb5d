package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord() Record {
	lat := 52.5
	return Record{
		ID:         "rec-00000001",
		Category:   Joy,
		Value:      10,
		Intensity:  0.4,
		ColorHex:   "#FFD700",
		Note:       "sunny",
		RegionID:   "r1",
		Timestamp:  Millis(testNow.Add(-time.Hour)),
		EventKind:  EventValueChanged,
		SyncStatus: NotSynced,
		Latitude:   &lat,
		Tags:       []string{"outdoor"},
	}
}

// ---------------------------------------------------------------------------
// SyncStatus
// ---------------------------------------------------------------------------

func TestSyncStatus_String(t *testing.T) {
	tests := []struct {
		s    SyncStatus
		want string
	}{
		{NotSynced, "NotSynced"},
		{Syncing, "Syncing"},
		{Synced, "Synced"},
		{SyncFailed, "SyncFailed"},
		{Conflict, "Conflict"},
		{SyncStatus(9), "SyncStatus(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("SyncStatus(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestSyncStatus_DecodesNameAndOrdinal(t *testing.T) {
	tests := []struct {
		in   string
		want SyncStatus
	}{
		{`"Synced"`, Synced},
		{`"syncfailed"`, SyncFailed},
		{`4`, Conflict},
		{`0`, NotSynced},
	}
	for _, tt := range tests {
		var s SyncStatus
		if err := json.Unmarshal([]byte(tt.in), &s); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.in, err)
		}
		if s != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, s, tt.want)
		}
	}

	var s SyncStatus
	if err := json.Unmarshal([]byte(`"Pending"`), &s); err == nil {
		t.Error("expected error for unknown status name")
	}
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

func TestRecord_JSONFieldNames(t *testing.T) {
	r := sampleRecord()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "type", "value", "intensity", "colorHex", "note", "regionId", "timestamp", "eventType", "syncStatus", "latitude", "tags"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON key %q in %s", key, b)
		}
	}
	if m["syncStatus"] != "NotSynced" {
		t.Errorf("syncStatus = %v, want NotSynced", m["syncStatus"])
	}
	if _, ok := m["longitude"]; ok {
		t.Error("nil longitude should be omitted")
	}
}

// ---------------------------------------------------------------------------
// ContentHash
// ---------------------------------------------------------------------------

func TestContentHash_IgnoresSyncStatus(t *testing.T) {
	a := sampleRecord()
	b := a.WithStatus(Synced)
	if !SameContent(a, b) {
		t.Error("records differing only in sync status should have the same content")
	}
}

func TestContentHash_DiffersOnContentChange(t *testing.T) {
	base := sampleRecord()
	mutations := map[string]func(*Record){
		"value":     func(r *Record) { r.Value = 9 },
		"intensity": func(r *Record) { r.Intensity = 0.5 },
		"note":      func(r *Record) { r.Note = "cloudy" },
		"timestamp": func(r *Record) { r.Timestamp++ },
		"category":  func(r *Record) { r.Category = Fear },
		"latitude":  func(r *Record) { r.Latitude = nil },
		"tags":      func(r *Record) { r.Tags = append(r.Tags, "x") },
	}
	for name, mutate := range mutations {
		c := base.Clone()
		mutate(&c)
		if SameContent(base, c) {
			t.Errorf("%s change not detected by ContentHash", name)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	a := sampleRecord()
	b := a.Clone()
	*b.Latitude = 0
	b.Tags[0] = "indoor"
	if *a.Latitude != 52.5 || a.Tags[0] != "outdoor" {
		t.Error("Clone shares memory with the original")
	}
}

// ---------------------------------------------------------------------------
// Validate / Decode
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{"valid", func(*Record) {}, false},
		{"large value allowed", func(r *Record) { r.Value = 10 }, false},
		{"single character id", func(r *Record) { r.ID = "5" }, false},
		{"empty id", func(r *Record) { r.ID = "" }, true},
		{"long id", func(r *Record) { r.ID = strings.Repeat("x", 65) }, true},
		{"empty category", func(r *Record) { r.Category = "" }, true},
		{"intensity above one", func(r *Record) { r.Intensity = 1.5 }, true},
		{"negative intensity", func(r *Record) { r.Intensity = -0.1 }, true},
		{"zero timestamp", func(r *Record) { r.Timestamp = 0 }, true},
		{"future timestamp", func(r *Record) { r.Timestamp = Millis(testNow.Add(time.Hour)) }, true},
		{"small clock skew", func(r *Record) { r.Timestamp = Millis(testNow.Add(30 * time.Second)) }, false},
		{"long note", func(r *Record) { r.Note = strings.Repeat("n", 501) }, true},
		{"bad latitude", func(r *Record) { v := 91.0; r.Latitude = &v }, true},
		{"bad longitude", func(r *Record) { v := -181.0; r.Longitude = &v }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleRecord()
			tt.mutate(&r)
			err := r.Validate(testNow)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("error %v does not wrap ErrInvalidRecord", err)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"truncated", `{"id": 12`},
		{"missing id", `{"type": "Joy", "value": 1, "timestamp": 100}`},
		{"id with separator", `{"id": "a/b", "type": "Joy", "timestamp": 100}`},
		{"unknown status", `{"id": "7", "syncStatus": "Lost"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.in)); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Decode(%s) error = %v, want ErrInvalidRecord", tt.in, err)
			}
		})
	}
}

// Other clients may write records this device would refuse to create.
func TestDecode_AcceptsForeignRecords(t *testing.T) {
	in := `{"id": "7", "type": "Curiosity", "value": 9, "intensity": 3.5, "timestamp": 200, "eventType": "ValueChanged"}`
	got, err := Decode([]byte(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != "7" || got.Value != 9 || got.Intensity != 3.5 || got.Category != "Curiosity" {
		t.Errorf("Decode = %+v", got)
	}
	if err := got.Validate(testNow); err == nil {
		t.Error("record with intensity 3.5 should still fail local validation")
	}
}

func TestDecode_Valid(t *testing.T) {
	want := sampleRecord()
	b, _ := json.Marshal(want)
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !SameContent(got, want) || got.SyncStatus != want.SyncStatus {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestNewRecord(t *testing.T) {
	r := NewRecord(Love, EventBubbleCreated, 3, 0.2, testNow)
	if len(r.ID) < 8 {
		t.Errorf("generated id %q too short", r.ID)
	}
	if r.SyncStatus != NotSynced {
		t.Errorf("status = %v, want NotSynced", r.SyncStatus)
	}
	if !r.Time().Equal(testNow) {
		t.Errorf("Time() = %v, want %v", r.Time(), testNow)
	}
	if err := r.Validate(testNow); err != nil {
		t.Errorf("new record fails validation: %v", err)
	}
}

func TestMixNote(t *testing.T) {
	if got := MixNote(Joy, Trust); got != "Joy + Trust" {
		t.Errorf("MixNote = %q", got)
	}
}

func TestCategory_Known(t *testing.T) {
	if !Anxiety.Known() {
		t.Error("Anxiety should be known")
	}
	if Category("Boredom").Known() {
		t.Error("Boredom should not be known")
	}
}
