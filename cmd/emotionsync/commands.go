package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/config"
	"github.com/njoerd114/emotionsync/internal/connectivity"
	"github.com/njoerd114/emotionsync/internal/events"
	"github.com/njoerd114/emotionsync/internal/model"
	"github.com/njoerd114/emotionsync/internal/resolve"
	"github.com/njoerd114/emotionsync/internal/settings"
	"github.com/njoerd114/emotionsync/internal/setup"
)

// command is a subcommand that needs the wired app.
type command struct {
	summary string
	// flags registers command-specific flags and returns the action to run
	// once the app is open.
	flags func(fs *flag.FlagSet) func(ctx context.Context, a *app, args []string) error
}

var commandOrder = []string{
	"daemon", "sync-once", "add", "history", "conflicts", "retry-failed",
	"backup", "backups", "restore", "refresh", "replace", "clear-history",
}

var commands = map[string]command{
	"daemon":        {"Run scheduled sync until stopped", daemonCmd},
	"sync-once":     {"Single sync pass then exit", syncOnceCmd},
	"add":           {"Record an entry", addCmd},
	"history":       {"List recorded entries", historyCmd},
	"conflicts":     {"List or resolve deferred conflicts", conflictsCmd},
	"retry-failed":  {"Push records whose upload failed", retryCmd},
	"backup":        {"Create a remote backup now", backupCmd},
	"backups":       {"List remote backups", backupsCmd},
	"restore":       {"Restore a backup by id", restoreCmd},
	"refresh":       {"Merge the remote history into the cache", refreshCmd},
	"replace":       {"Replace the cache with the remote history", replaceCmd},
	"clear-history": {"Delete local and remote history", clearCmd},
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

// run parses the shared and command flags, opens the app and executes.
func (c command) run(args []string) error {
	fs := newFlagSet("emotionsync")
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	action := c.flags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := openApp(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	return action(ctx, a, fs.Args())
}

// --- Sync --------------------------------------------------------------------

func daemonCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	watch := fs.Bool("watch-config", true, "apply sync settings when the config file changes")
	return func(ctx context.Context, a *app, _ []string) error {
		if err := a.bootstrap(ctx, os.Stdin, os.Stdout); err != nil {
			return err
		}

		a.monitor.OnChange(func(s connectivity.State) {
			a.logger.Info("network changed", "online", s.Online, "preferred", s.Preferred)
			if s.Online {
				a.engine.Trigger("network")
			}
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.engine.Run(ctx) })
		g.Go(func() error { return a.monitor.Run(ctx) })
		g.Go(func() error { return logEvents(ctx, a) })
		if *watch {
			g.Go(func() error {
				return config.Watch(ctx, a.cfgPath, a.logger, func(cfg *config.Config) {
					st, err := a.engine.UpdateSettings(ctx, func(s *settings.Settings) {
						applySyncConfig(s, cfg.Sync)
					})
					if err != nil {
						a.logger.Error("applying reloaded settings", "error", err)
						return
					}
					a.logger.Info("settings reloaded",
						"interval", st.SyncInterval(),
						"strategy", st.ConflictStrategy,
						"wifi_only", st.WifiOnly,
					)
				})
			})
		}

		a.logger.Info("daemon starting", "interval", a.engine.Settings().SyncInterval())
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("daemon: %w", err)
		}
		a.logger.Info("shutdown complete")
		return nil
	}
}

// logEvents mirrors engine notifications into the log until ctx ends.
func logEvents(ctx context.Context, a *app) error {
	ch, unsubscribe := a.bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case events.Progress:
				a.logger.Debug("sync progress", "progress", ev.Progress)
			case events.ConflictDeferred:
				a.logger.Warn("conflict needs a decision", "record_id", ev.RecordID, "case_id", ev.CaseID)
			case events.SyncCompleted, events.BatchCompleted:
				a.logger.Info(string(ev.Kind), "success", ev.Success, "message", ev.Message)
			default:
				a.logger.Debug(string(ev.Kind), "record_id", ev.RecordID, "message", ev.Message)
			}
		}
	}
}

func syncOnceCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, _ []string) error {
		if err := a.bootstrap(ctx, os.Stdin, os.Stdout); err != nil {
			return err
		}
		a.monitor.Check(ctx)

		a.logger.Info("running single sync pass")
		stats, err := a.engine.RunOnce(ctx)
		a.logger.Info("sync complete",
			"pushed", stats.Pushed,
			"push_failed", stats.PushFailed,
			"pulled", stats.Pulled,
			"conflicts", stats.Conflicts,
			"deferred", stats.Deferred,
			"errors", stats.Errors,
		)
		return err
	}
}

func retryCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, _ []string) error {
		a.monitor.Check(ctx)
		stats, err := a.engine.RetryFailed(ctx)
		fmt.Printf("Retried: %d pushed, %d still failing\n", stats.Pushed, stats.PushFailed)
		return err
	}
}

// --- Records -----------------------------------------------------------------

func addCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	category := fs.String("type", string(model.Neutral), "emotion category, e.g. Joy")
	value := fs.Float64("value", 0.5, "value in [0,1]")
	intensity := fs.Float64("intensity", 0.5, "intensity in [0,1]")
	kind := fs.String("event", string(model.EventValueChanged), "event type")
	note := fs.String("note", "", "free-text note")
	tags := fs.String("tags", "", "comma-separated tags")
	syncNow := fs.Bool("sync", false, "run a sync pass after recording")
	return func(ctx context.Context, a *app, _ []string) error {
		r := model.NewRecord(model.Category(*category), model.EventKind(*kind), *value, *intensity, time.Now())
		r.Note = *note
		r.Tags = splitTags(*tags)

		stored, err := a.engine.Append(ctx, r)
		if err != nil && stored.ID == "" {
			return err
		}
		if err != nil {
			a.logger.Warn("record kept in memory only", "error", err)
		}
		fmt.Printf("Recorded %s (%s %.2f)\n", stored.ID, stored.Category, stored.Value)

		if !*syncNow {
			return nil
		}
		a.monitor.Check(ctx)
		stats, err := a.engine.RunOnce(ctx)
		fmt.Printf("Sync: %s\n", stats)
		return err
	}
}

func historyCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	category := fs.String("type", "", "only this category")
	since := fs.Duration("since", 0, "only entries newer than this, e.g. 72h")
	status := fs.String("status", "", "only this sync status, e.g. SyncFailed")
	limit := fs.Int("limit", 50, "maximum entries to print")
	return func(ctx context.Context, a *app, _ []string) error {
		f := cache.Filter{Category: model.Category(*category)}
		if *since > 0 {
			f.Since = time.Now().Add(-*since)
		}
		if *status != "" {
			s, err := model.ParseSyncStatus(*status)
			if err != nil {
				return err
			}
			f.Statuses = []model.SyncStatus{s}
		}
		return printRecords(os.Stdout, a.engine.History(f, *limit))
	}
}

func printRecords(w io.Writer, recs []model.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tVALUE\tINTENSITY\tSTATUS\tID")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
			r.Time().Local().Format("2006-01-02 15:04"), r.Category, r.Value, r.Intensity, r.SyncStatus, r.ID)
	}
	return tw.Flush()
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// --- Conflicts ---------------------------------------------------------------

func conflictsCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	interactive := fs.Bool("i", false, "resolve each case interactively")
	return func(ctx context.Context, a *app, args []string) error {
		// conflicts <case-id> <local|remote|merge>
		if len(args) == 2 {
			r, err := a.engine.SubmitResolution(ctx, args[0], resolve.Choice(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("Resolved %s, kept %s\n", args[0], r.ID)
			return nil
		}

		cases := a.engine.PendingConflicts()
		if len(cases) == 0 {
			fmt.Println("No pending conflicts.")
			return nil
		}
		if !*interactive {
			for _, c := range cases {
				printCase(os.Stdout, c)
			}
			fmt.Println("Resolve with: emotionsync conflicts <case-id> local|remote|merge")
			return nil
		}

		p := setup.NewPrompter(os.Stdin, os.Stdout)
		choices := []resolve.Choice{resolve.ChooseLocal, resolve.ChooseRemote, resolve.ChooseMerge}
		labels := []string{"Keep local", "Keep remote", "Merge", "Skip"}
		for _, c := range cases {
			printCase(os.Stdout, c)
			idx, err := p.Select("Resolution", labels, len(labels)-1)
			if err != nil {
				return err
			}
			if idx == len(labels)-1 {
				continue
			}
			if _, err := a.engine.SubmitResolution(ctx, c.ID, choices[idx]); err != nil {
				return fmt.Errorf("resolving %s: %w", c.ID, err)
			}
			fmt.Println("  Resolved.")
		}
		return nil
	}
}

func printCase(w io.Writer, c resolve.Case) {
	side := func(r model.Record) string {
		return fmt.Sprintf("%s value=%.2f intensity=%.2f at %s",
			r.Category, r.Value, r.Intensity, r.Time().Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "\nCase %s (record %s)\n", c.ID, c.RecordID)
	fmt.Fprintf(w, "  local:  %s\n", side(c.Local))
	fmt.Fprintf(w, "  remote: %s\n", side(c.Remote))
}

// --- Backups & maintenance ---------------------------------------------------

func backupCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, _ []string) error {
		id, err := a.engine.CreateBackup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Backup %s created\n", id)
		return nil
	}
}

func backupsCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, _ []string) error {
		list, err := a.engine.ListBackups(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tRECORDS")
		for _, b := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", b.ID, b.CreatedAt.Local().Format(time.DateTime), b.Records)
		}
		return tw.Flush()
	}
}

func restoreCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	return func(ctx context.Context, a *app, args []string) error {
		if len(args) != 1 {
			return errors.New("usage: emotionsync restore [--yes] <backup-id>")
		}
		if !*yes && !confirm(os.Stdin, os.Stdout, "Restore overwrites the remote history and the local cache. Continue?") {
			return nil
		}
		n, err := a.engine.RestoreBackup(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d records from %s\n", n, args[0])
		return nil
	}
}

func refreshCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, _ []string) error {
		n, err := a.engine.RefreshFromRemote(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Merged %d new records\n", n)
		return nil
	}
}

func replaceCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	return func(ctx context.Context, a *app, _ []string) error {
		if !*yes && !confirm(os.Stdin, os.Stdout, "Discard the local cache, including unsynced records?") {
			return nil
		}
		n, err := a.engine.ReplaceFromRemote(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Cache now holds %d remote records\n", n)
		return nil
	}
}

func clearCmd(fs *flag.FlagSet) func(context.Context, *app, []string) error {
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	return func(ctx context.Context, a *app, _ []string) error {
		if !*yes && !confirm(os.Stdin, os.Stdout, "Delete the whole history locally and remotely?") {
			return nil
		}
		if err := a.engine.ClearHistory(ctx); err != nil {
			return err
		}
		fmt.Println("History cleared.")
		return nil
	}
}

// confirm asks a y/N question on the terminal.
func confirm(r io.Reader, w io.Writer, question string) bool {
	return setup.NewPrompter(r, w).Confirm(question, false)
}
