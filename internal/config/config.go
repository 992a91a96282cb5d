// Package config loads and validates the emotionsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/emotionsync/internal/resolve"
	"github.com/njoerd114/emotionsync/internal/settings"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// UserID is the authenticated identity whose history is synced.
	UserID string `yaml:"user_id"`

	Local        LocalConfig        `yaml:"local"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// LogFile enables a rotating log file next to stderr output.
	LogFile *LogFileConfig `yaml:"log_file,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LocalConfig locates the on-disk store.
type LocalConfig struct {
	// DBPath is the SQLite database file. Empty selects the default
	// ~/.local/share/emotionsync/local.db.
	DBPath string `yaml:"db_path"`
}

// RemoteConfig points at the remote JSON tree.
type RemoteConfig struct {
	// URL is the database root, e.g. "https://example-rtdb.firebaseio.com".
	URL string `yaml:"url"`

	// AuthToken is sent as the auth query parameter.
	AuthToken string `yaml:"auth_token"`

	// Timeout bounds each HTTP request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is how often a failing request is tried. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts"`
}

// SyncConfig seeds the sync settings on first run and tunes batching.
// Settings already stored locally or remotely take precedence over it.
type SyncConfig struct {
	AutoSync          *bool         `yaml:"auto_sync"`
	Interval          time.Duration `yaml:"interval"`
	WifiOnly          bool          `yaml:"wifi_only"`
	MaxRecordsPerSync int           `yaml:"max_records_per_sync"`
	ConflictStrategy  string        `yaml:"conflict_strategy"`
	BackupEnabled     *bool         `yaml:"backup_enabled"`
	BackupInterval    time.Duration `yaml:"backup_interval"`
	MaxCacheRecords   int           `yaml:"max_cache_records"`

	// PushBatchSize is the number of records per flush. Defaults to 20.
	PushBatchSize int `yaml:"push_batch_size"`

	// FlushThreshold is the queue length that triggers an automatic flush.
	// Defaults to 25.
	FlushThreshold int `yaml:"flush_threshold"`
}

// ConnectivityConfig tunes the network monitor.
type ConnectivityConfig struct {
	// ProbeInterval controls how often reachability is checked. Minimum 5s,
	// defaults to 30s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// PreferredInterfaces are interface name prefixes that count as the
	// preferred (Wi-Fi) network. Defaults to ["wl", "en"].
	PreferredInterfaces []string `yaml:"preferred_interfaces"`
}

// LogFileConfig configures the rotating log file.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "emotionsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/emotionsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "emotionsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and saves it as YAML at path, creating parent
// directories. The file holds the auth token, so it is only readable by the
// owner.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// Settings returns the sync settings described by the sync block, used when
// nothing is stored yet.
func (s SyncConfig) Settings() settings.Settings {
	out := settings.Defaults()
	if s.AutoSync != nil {
		out.AutoSync = *s.AutoSync
	}
	out.SyncIntervalMinutes = int(s.Interval / time.Minute)
	out.WifiOnly = s.WifiOnly
	out.MaxRecordsPerSync = s.MaxRecordsPerSync
	if st, err := resolve.ParseStrategy(s.ConflictStrategy); err == nil {
		out.ConflictStrategy = st
	}
	if s.BackupEnabled != nil {
		out.BackupEnabled = *s.BackupEnabled
	}
	out.BackupIntervalDays = int(s.BackupInterval / (24 * time.Hour))
	out.MaxCacheRecords = s.MaxCacheRecords
	return out
}

// validate checks that all required fields are present and well-formed, and
// fills defaults.
func (c *Config) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	u, err := url.ParseRequestURI(c.Remote.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote.url %q must be a valid http or https URL", c.Remote.URL)
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Remote.Timeout < time.Second || c.Remote.Timeout > 2*time.Minute {
		return fmt.Errorf("remote.timeout %v must be between 1s and 2m", c.Remote.Timeout)
	}
	if c.Remote.MaxAttempts == 0 {
		c.Remote.MaxAttempts = 3
	}
	if c.Remote.MaxAttempts < 1 || c.Remote.MaxAttempts > 10 {
		return fmt.Errorf("remote.max_attempts %d must be between 1 and 10", c.Remote.MaxAttempts)
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}

	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = 30 * time.Second
	}
	if c.Connectivity.ProbeInterval < 5*time.Second {
		return fmt.Errorf("connectivity.probe_interval %v is too short (minimum 5s)", c.Connectivity.ProbeInterval)
	}
	if len(c.Connectivity.PreferredInterfaces) == 0 {
		c.Connectivity.PreferredInterfaces = []string{"wl", "en"}
	}

	if c.LogFile != nil {
		if c.LogFile.Path == "" {
			return fmt.Errorf("log_file.path is required when log_file is configured")
		}
		if c.LogFile.MaxSizeMB == 0 {
			c.LogFile.MaxSizeMB = 10
		}
		if c.LogFile.MaxBackups == 0 {
			c.LogFile.MaxBackups = 3
		}
		if c.LogFile.MaxAgeDays == 0 {
			c.LogFile.MaxAgeDays = 28
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.Interval == 0 {
		s.Interval = 30 * time.Minute
	}
	if s.Interval < time.Minute {
		return fmt.Errorf("sync.interval %v is too short (minimum 1m)", s.Interval)
	}
	if s.MaxRecordsPerSync == 0 {
		s.MaxRecordsPerSync = 100
	}
	if s.MaxRecordsPerSync < 1 {
		return fmt.Errorf("sync.max_records_per_sync must be positive")
	}
	if s.ConflictStrategy == "" {
		s.ConflictStrategy = resolve.ServerWins.String()
	}
	if _, err := resolve.ParseStrategy(s.ConflictStrategy); err != nil {
		return fmt.Errorf("sync.conflict_strategy: %w", err)
	}
	if s.BackupInterval == 0 {
		s.BackupInterval = 7 * 24 * time.Hour
	}
	if s.BackupInterval < 24*time.Hour {
		return fmt.Errorf("sync.backup_interval %v is too short (minimum 24h)", s.BackupInterval)
	}
	if s.MaxCacheRecords == 0 {
		s.MaxCacheRecords = 5000
	}
	if s.MaxCacheRecords < 1 {
		return fmt.Errorf("sync.max_cache_records must be positive")
	}
	if s.PushBatchSize == 0 {
		s.PushBatchSize = 20
	}
	if s.FlushThreshold == 0 {
		s.FlushThreshold = 25
	}
	if s.PushBatchSize < 1 || s.FlushThreshold < 1 {
		return fmt.Errorf("sync.push_batch_size and sync.flush_threshold must be positive")
	}
	return nil
}
