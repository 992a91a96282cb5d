package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/emotionsync/internal/config"
	"github.com/njoerd114/emotionsync/internal/remote"
	"github.com/njoerd114/emotionsync/internal/resolve"
)

// PingFunc checks that the remote store answers for the given credentials.
type PingFunc func(ctx context.Context, url, token, userID string) error

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer

	// ConfigPath is where the config is written. Empty selects
	// config.DefaultPath.
	ConfigPath string

	// Ping overrides the reachability check. Nil uses [PingRemote].
	Ping PingFunc

	// Install installs and starts the daemon for the written config. Nil
	// uses [InstallDaemon].
	Install func(w io.Writer, configPath string) error
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run executes the interactive setup wizard: remote connection, sync
// preferences, config file creation and optional daemon install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to emotionsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects your emotion history to the remote store.\n\n")

	cfgPath := wiz.ConfigPath
	if cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		cfgPath = p
	}

	// An existing config seeds the defaults.
	var existing *config.Config
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerDaemonInstall(cfgPath)
		}
		if cfg, err := config.Load(cfgPath); err == nil {
			existing = cfg
		} else {
			wiz.logger.Warn("existing config is invalid, starting fresh", "error", err)
		}
		fmt.Fprintf(wiz.w, "\n")
	}
	if existing == nil {
		existing = &config.Config{}
	}

	// Step 1: remote connection.
	fmt.Fprintf(wiz.w, "Step 1/3: Remote store\n")

	url := wiz.prompt.String("Database URL", existing.Remote.URL)
	token := wiz.prompt.Secret("Auth token", existing.Remote.AuthToken)
	userID := wiz.prompt.String("User ID", existing.UserID)

	fmt.Fprintf(wiz.w, "  Connecting...")
	ping := wiz.Ping
	if ping == nil {
		ping = PingRemote
	}
	if err := ping(ctx, url, token, userID); err != nil {
		fmt.Fprintf(wiz.w, " failed\n")
		return fmt.Errorf("cannot reach the remote store: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ok\n\n")

	// Step 2: sync preferences.
	fmt.Fprintf(wiz.w, "Step 2/3: Sync preferences\n")

	sc := existing.Sync
	def := resolve.ServerWins
	if st, err := resolve.ParseStrategy(sc.ConflictStrategy); err == nil {
		def = st
	}
	names := make([]string, 0, int(resolve.Merge)+1)
	for s := resolve.ServerWins; s <= resolve.Merge; s++ {
		names = append(names, s.String())
	}
	idx, err := wiz.prompt.Select("Conflict strategy", names, int(def))
	if err != nil {
		return fmt.Errorf("selecting conflict strategy: %w", err)
	}
	sc.ConflictStrategy = names[idx]

	interval := sc.Interval
	if interval == 0 {
		interval = 30 * time.Minute
	}
	sc.Interval = wiz.prompt.Duration("Sync interval", interval, time.Minute)
	sc.WifiOnly = wiz.prompt.Confirm("Sync on Wi-Fi only?", sc.WifiOnly)
	backups := sc.BackupEnabled == nil || *sc.BackupEnabled
	backups = wiz.prompt.Confirm("Create periodic remote backups?", backups)
	sc.BackupEnabled = &backups
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: write config.
	fmt.Fprintf(wiz.w, "Step 3/3: Save configuration\n")

	cfg := *existing
	cfg.UserID = userID
	cfg.Remote.URL = url
	cfg.Remote.AuthToken = token
	cfg.Sync = sc

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", cfgPath)

	return wiz.offerDaemonInstall(cfgPath)
}

// offerDaemonInstall asks the user whether to install as a background daemon.
func (wiz *Wizard) offerDaemonInstall(cfgPath string) error {
	if !wiz.prompt.Confirm("Install as background daemon (systemd user unit)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: emotionsync daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     emotionsync setup\n\n")
		return nil
	}
	fmt.Fprintf(wiz.w, "\n")

	install := wiz.Install
	if install == nil {
		install = InstallDaemon
	}
	if err := install(wiz.w, cfgPath); err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "\nSetup complete! emotionsync is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  emotionsync status\n")
	fmt.Fprintf(wiz.w, "  Remove:  emotionsync uninstall\n\n")
	return nil
}

// InstallDaemon copies the binary, writes the unit and starts it.
func InstallDaemon(w io.Writer, cfgPath string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Fprintf(w, "  Installing binary to %s...\n", BinaryInstallPath(homeDir))
	if err := InstallBinary(homeDir); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(w, "  Binary installed\n")

	if err := WriteUnit(homeDir, cfgPath); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}
	fmt.Fprintf(w, "  Unit written to %s\n", UnitPath(homeDir))

	if err := EnableDaemon(); err != nil {
		return fmt.Errorf("enabling daemon: %w", err)
	}
	fmt.Fprintf(w, "  Daemon enabled, running now\n")
	return nil
}

// PingRemote reads the user's settings mirror with the given credentials.
// Unlike a shallow ping it fails on a rejected token.
func PingRemote(ctx context.Context, url, token, userID string) error {
	store, err := remote.NewHTTPStore(remote.HTTPConfig{
		BaseURL:   url,
		AuthToken: token,
		Timeout:   10 * time.Second,
		Retry:     remote.RetryPolicy{MaxAttempts: 1},
	}, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, _, err = store.Get(ctx, remote.Paths{UserID: userID}.Settings())
	return err
}
