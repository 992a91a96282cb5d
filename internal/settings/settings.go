// Package settings holds the user-tunable sync settings, their defaults, and
// how they are persisted locally and mirrored to the remote store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/emotionsync/internal/resolve"
)

// Key is where the settings document lives in the local store.
const Key = "EmotionSyncSettings"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid sync settings")

// Settings is the sync settings document. The JSON shape is shared with the
// remote mirror at users/{uid}/syncSettings.
type Settings struct {
	AutoSync            bool             `json:"autoSync"`
	SyncIntervalMinutes int              `json:"syncInterval"`
	WifiOnly            bool             `json:"syncOnWifi"`
	LastSyncTimestamp   int64            `json:"lastSyncTimestamp"` // watermark, Unix ms
	MaxRecordsPerSync   int              `json:"maxRecordsPerSync"`
	ConflictStrategy    resolve.Strategy `json:"conflictStrategy"`
	BackupEnabled       bool             `json:"backupEnabled"`
	BackupIntervalDays  int              `json:"backupIntervalDays"`
	LastBackupTimestamp int64            `json:"lastBackupTimestamp"`
	MaxCacheRecords     int              `json:"maxCacheRecords"`
}

// Defaults returns the settings used before the user changes anything.
func Defaults() Settings {
	return Settings{
		AutoSync:            true,
		SyncIntervalMinutes: 30,
		MaxRecordsPerSync:   100,
		ConflictStrategy:    resolve.ServerWins,
		BackupEnabled:       true,
		BackupIntervalDays:  7,
		MaxCacheRecords:     5000,
	}
}

// SyncInterval returns the scheduler period.
func (s Settings) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}

// BackupInterval returns the minimum time between automatic backups.
func (s Settings) BackupInterval() time.Duration {
	return time.Duration(s.BackupIntervalDays) * 24 * time.Hour
}

// LastSync returns the watermark as a time, zero if nothing was pulled yet.
func (s Settings) LastSync() time.Time {
	if s.LastSyncTimestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastSyncTimestamp)
}

// Validate fills zero-valued limits with defaults and rejects values that
// cannot work.
func (s *Settings) Validate() error {
	d := Defaults()
	if s.SyncIntervalMinutes == 0 {
		s.SyncIntervalMinutes = d.SyncIntervalMinutes
	}
	if s.MaxRecordsPerSync == 0 {
		s.MaxRecordsPerSync = d.MaxRecordsPerSync
	}
	if s.MaxCacheRecords == 0 {
		s.MaxCacheRecords = d.MaxCacheRecords
	}
	if s.BackupIntervalDays == 0 {
		s.BackupIntervalDays = d.BackupIntervalDays
	}

	switch {
	case s.SyncIntervalMinutes < 1:
		return fmt.Errorf("%w: syncInterval must be at least 1 minute, got %d", ErrInvalid, s.SyncIntervalMinutes)
	case s.MaxRecordsPerSync < 1:
		return fmt.Errorf("%w: maxRecordsPerSync must be positive, got %d", ErrInvalid, s.MaxRecordsPerSync)
	case s.MaxCacheRecords < 1:
		return fmt.Errorf("%w: maxCacheRecords must be positive, got %d", ErrInvalid, s.MaxCacheRecords)
	case s.BackupIntervalDays < 1:
		return fmt.Errorf("%w: backupIntervalDays must be positive, got %d", ErrInvalid, s.BackupIntervalDays)
	case s.ConflictStrategy < resolve.ServerWins || s.ConflictStrategy > resolve.Merge:
		return fmt.Errorf("%w: unknown conflictStrategy %d", ErrInvalid, int(s.ConflictStrategy))
	case s.LastSyncTimestamp < 0 || s.LastBackupTimestamp < 0:
		return fmt.Errorf("%w: negative timestamp", ErrInvalid)
	}
	return nil
}

// MergeRemote folds the remote mirror into local. Remote wins for every
// field except the pull watermark, which belongs to this device. The later
// backup time is kept so devices do not back up twice.
func MergeRemote(local, remote Settings) Settings {
	out := remote
	out.LastSyncTimestamp = local.LastSyncTimestamp
	out.LastBackupTimestamp = max(local.LastBackupTimestamp, remote.LastBackupTimestamp)
	return out
}

// Decode parses and validates a settings document.
func Decode(data []byte) (Settings, error) {
	s := Defaults()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// KV is the part of the local store settings persist through.
type KV interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
}

// Load reads the persisted settings. A missing document yields Defaults.
func Load(ctx context.Context, store KV) (Settings, error) {
	raw, ok, err := store.GetString(ctx, Key)
	if err != nil {
		return Defaults(), fmt.Errorf("reading sync settings: %w", err)
	}
	if !ok {
		return Defaults(), nil
	}
	s, err := Decode([]byte(raw))
	if err != nil {
		return Defaults(), err
	}
	return s, nil
}

// Save validates and persists s.
func Save(ctx context.Context, store KV, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding sync settings: %w", err)
	}
	if err := store.SetString(ctx, Key, string(b)); err != nil {
		return fmt.Errorf("saving sync settings: %w", err)
	}
	return nil
}
