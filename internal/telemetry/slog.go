package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
)

// NewLogHandler returns a handler that emits records through provider under
// the given instrumentation scope, dropping anything below level. Pass
// global.GetLoggerProvider() after [Setup] and combine it with the local
// handler through [Tee].
func NewLogHandler(provider otellog.LoggerProvider, scope, version string, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	h := otelslog.NewHandler(scope,
		otelslog.WithLoggerProvider(provider),
		otelslog.WithVersion(version),
	)
	return leveled{Handler: h, level: level}
}

// leveled gates a handler behind a minimum level. The OTel bridge only asks
// the provider, which knows nothing about --verbose.
type leveled struct {
	slog.Handler
	level slog.Leveler
}

func (h leveled) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.Handler.Enabled(ctx, l)
}

func (h leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h leveled) WithGroup(name string) slog.Handler {
	return leveled{Handler: h.Handler.WithGroup(name), level: h.level}
}

// Tee fans records out to every handler that has the level enabled.
func Tee(handlers ...slog.Handler) slog.Handler {
	return tee(handlers)
}

type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
