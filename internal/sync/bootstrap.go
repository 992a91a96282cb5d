package sync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/njoerd114/emotionsync/internal/cache"
	"github.com/njoerd114/emotionsync/internal/model"
)

// Bootstrap performs the first-run seeding of an empty cache from the
// remote history. It prints a per-category summary and, with user
// confirmation, loads the records and moves the watermark past them so the
// first pass does not pull them again.
type Bootstrap struct {
	engine *Engine
	log    *slog.Logger
	reader io.Reader // for confirmation prompt (os.Stdin in production)
	writer io.Writer // for summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap for the given engine.
// reader and writer control the confirmation prompt I/O.
func NewBootstrap(e *Engine, logger *slog.Logger, reader io.Reader, writer io.Writer) *Bootstrap {
	return &Bootstrap{
		engine: e,
		log:    logger,
		reader: reader,
		writer: writer,
	}
}

// Run checks whether the cache is empty and, if so, performs the first-run
// bootstrap. Returns true if bootstrap was executed, false if skipped.
func (b *Bootstrap) Run(ctx context.Context) (bool, error) {
	e := b.engine
	if e.cache.Len() > 0 {
		b.log.Debug("cache is not empty, skipping bootstrap")
		return false, nil
	}
	if !e.acquire() {
		return false, ErrPassInFlight
	}
	defer e.release()

	recs, maxTS, err := e.fetchAll(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching remote history for bootstrap: %w", err)
	}
	if len(recs) == 0 {
		b.log.Debug("remote history is empty, nothing to bootstrap")
		return false, nil
	}

	b.log.Info("empty cache detected, starting first-run bootstrap", "remote_records", len(recs))
	b.printSummary(recs)

	if !b.confirm() {
		b.log.Info("bootstrap cancelled by user")
		return false, nil
	}

	if err := e.cache.ReplaceAll(ctx, recs); err != nil && !errors.Is(err, cache.ErrPersist) {
		return false, fmt.Errorf("seeding cache: %w", err)
	}
	if err := e.setWatermark(ctx, maxTS); err != nil {
		return false, fmt.Errorf("saving watermark: %w", err)
	}

	b.log.Info("bootstrap complete", "records", len(recs))
	return true, nil
}

// printSummary writes a human-readable summary of what will be loaded.
func (b *Bootstrap) printSummary(recs []model.Record) {
	byCat := make(map[model.Category]int)
	var oldest, newest int64
	for _, r := range recs {
		byCat[r.Category]++
		if oldest == 0 || r.Timestamp < oldest {
			oldest = r.Timestamp
		}
		newest = max(newest, r.Timestamp)
	}
	cats := make([]model.Category, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	slices.Sort(cats)

	_, _ = fmt.Fprintf(b.writer, "\n--- First-Run Bootstrap Summary ---\n\n")
	_, _ = fmt.Fprintf(b.writer, "Remote history: %d records\n", len(recs))
	for _, c := range cats {
		_, _ = fmt.Fprintf(b.writer, "  %-14s %d\n", c, byCat[c])
	}
	_, _ = fmt.Fprintln(b.writer)
	_, _ = fmt.Fprintf(b.writer, "Oldest: %s\nNewest: %s\n\n",
		time.UnixMilli(oldest).Format("2006-01-02 15:04"), time.UnixMilli(newest).Format("2006-01-02 15:04"))
}

// confirm reads a y/n response from the reader.
func (b *Bootstrap) confirm() bool {
	_, _ = fmt.Fprintf(b.writer, "Load these records into the local cache? [y/N] ")
	scanner := bufio.NewScanner(b.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}
