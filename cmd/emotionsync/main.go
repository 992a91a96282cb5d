// emotionsync keeps a local emotion history in step with a remote JSON tree.
// Records are written locally first, pushed in batches, and remote changes
// are pulled back with a configurable conflict strategy.
//
// Usage:
//
//	emotionsync setup                        # interactive first-run wizard
//	emotionsync daemon [--config <path>]     # scheduled sync until stopped
//	emotionsync sync-once [--config ...]     # single sync pass then exit
//	emotionsync add --type Joy --value 0.8   # record an entry
//	emotionsync history [--type ...]         # list recorded entries
//	emotionsync conflicts [-i]               # list or resolve deferred conflicts
//	emotionsync retry-failed                 # push records whose upload failed
//	emotionsync backup | backups | restore   # manage remote snapshots
//	emotionsync refresh | replace            # re-read history from the remote
//	emotionsync clear-history [--yes]        # delete local and remote history
//	emotionsync status                       # show daemon, config and DB state
//	emotionsync uninstall [--purge]          # stop daemon and remove files
//	emotionsync version                      # print version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/config"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/setup"
	"github.com/njoerd114/emotionsync/internal/state"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by args[0].
func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup()
	case "status":
		return runStatus()
	case "uninstall":
		return runUninstall(rest)
	case "version":
		fmt.Println("emotionsync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}

	if c, ok := commands[cmd]; ok {
		return c.run(rest)
	}
	return fmt.Errorf("unknown command %q, run 'emotionsync help' for usage", cmd)
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "emotionsync: sync your emotion history with a remote store")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  emotionsync setup                    Interactive first-run wizard")
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  emotionsync %-24s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(os.Stderr, "  emotionsync status                   Show daemon, config and DB state")
	fmt.Fprintln(os.Stderr, "  emotionsync uninstall [--purge]      Stop daemon and remove files")
	fmt.Fprintln(os.Stderr, "  emotionsync version                  Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every command except setup, status and uninstall accepts --config and --verbose.")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "No config file found. Run 'emotionsync setup' to get started.")
	}
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx)
}

// runStatus prints the daemon, configuration and local database state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	homeDir, _ := os.UserHomeDir()

	fmt.Println("emotionsync status")
	fmt.Println("------------------")

	if setup.IsDaemonActive() {
		fmt.Println("  Daemon:    running (systemd --user)")
	} else {
		fmt.Println("  Daemon:    not running")
	}

	dbPath, _ := state.DefaultDBPath()
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s\n", cfgPath)
			fmt.Printf("  User:      %s\n", cfg.UserID)
			fmt.Printf("  Remote:    %s\n", cfg.Remote.URL)
			fmt.Printf("  Interval:  %s (wifi only: %t)\n", cfg.Sync.Interval, cfg.Sync.WifiOnly)
			if cfg.Local.DBPath != "" {
				dbPath = cfg.Local.DBPath
			}
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Local DB:  %s (%s)\n", dbPath, humanSize(info.Size()))
		printRecordCounts(dbPath)
	} else {
		fmt.Printf("  Local DB:  not found\n")
	}

	unitPath := setup.UnitPath(homeDir)
	if _, err := os.Stat(unitPath); err == nil {
		fmt.Printf("  Unit:      %s\n", unitPath)
	} else {
		fmt.Printf("  Unit:      not installed\n")
	}
	return nil
}

// printRecordCounts reads the cache straight from the DB without touching the
// network.
func printRecordCounts(dbPath string) {
	store, err := state.Open(dbPath)
	if err != nil {
		fmt.Printf("  Records:   unreadable (%v)\n", err)
		return
	}
	defer store.Close()

	ctx := context.Background()
	c, err := cache.New(ctx, store, 0, slog.Default())
	if err != nil {
		fmt.Printf("  Records:   unreadable (%v)\n", err)
		return
	}
	counts := c.CountByStatus()
	fmt.Printf("  Records:   %d total", c.Len())
	for s := model.NotSynced; s <= model.Conflict; s++ {
		if n := counts[s]; n > 0 {
			fmt.Printf(", %d %s", n, s)
		}
	}
	fmt.Println()
}

// runUninstall stops the daemon and removes installed files.
func runUninstall(args []string) error {
	fs := newFlagSet("uninstall")
	purge := fs.Bool("purge", false, "also remove config and local DB")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling emotionsync...")

	if err := setup.DisableDaemon(homeDir); err != nil {
		fmt.Printf("  ! %v\n", err)
	} else {
		fmt.Println("  Daemon stopped")
	}

	if err := setup.RemoveUnit(homeDir); err != nil {
		fmt.Printf("  ! %v\n", err)
	} else {
		fmt.Println("  Unit removed")
	}

	if err := setup.RemoveBinary(homeDir); err != nil {
		fmt.Printf("  ! %v\n", err)
	} else {
		fmt.Println("  Binary removed")
	}

	if *purge {
		fmt.Println("  Purging config and local DB...")
		if err := setup.PurgeUserData(homeDir); err != nil {
			fmt.Printf("  ! %v\n", err)
		} else {
			fmt.Println("  User data purged")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and local DB preserved.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    emotionsync uninstall --purge")
	}

	fmt.Println("")
	fmt.Println("emotionsync uninstalled.")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
