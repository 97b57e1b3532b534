// Package log builds the process-wide slog logger for bluecore.
//
// Console output is split by severity: errors go to stderr, everything
// below stays on stdout, so piping normal output does not swallow
// failures. With a log file configured the file receives every level
// and the console collapses to stderr only.
package log

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// LevelTrace sits below slog.LevelDebug and carries per-packet noise
// like HCI frame dumps.
const LevelTrace slog.Level = slog.LevelDebug - 4

// ParseLevel maps the --log.level flag value to a slog level. Unknown
// or empty values fall back to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// textHandler builds a text handler that knows how to label the custom
// trace level.
func textHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
}

// band restricts a handler to a half-open severity range [from, to).
type band struct {
	from, to slog.Level
	next     slog.Handler
}

func (b band) within(l slog.Level) bool { return l >= b.from && l < b.to }

func (b band) Enabled(ctx context.Context, l slog.Level) bool {
	return b.within(l) && b.next.Enabled(ctx, l)
}

func (b band) Handle(ctx context.Context, r slog.Record) error {
	if !b.within(r.Level) {
		return nil
	}
	return b.next.Handle(ctx, r)
}

func (b band) WithAttrs(attrs []slog.Attr) slog.Handler {
	return band{from: b.from, to: b.to, next: b.next.WithAttrs(attrs)}
}

func (b band) WithGroup(name string) slog.Handler {
	return band{from: b.from, to: b.to, next: b.next.WithGroup(name)}
}

// tee delivers each record to every handler that wants it.
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
			errs = append(errs, h.Handle(ctx, r))
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

// The sentinel bounds for a band that is open on one side.
const (
	levelFloor slog.Level = -128
	levelCeil  slog.Level = 127
)

// SetupLogger assembles the logger for the given flag values. The
// returned closers own the log file, if one was opened, and are closed
// by the caller on exit.
func SetupLogger(level, file string) (*slog.Logger, []io.Closer, error) {
	lvl := ParseLevel(level)

	var handlers tee
	var closers []io.Closer
	if file == "" {
		handlers = append(handlers,
			band{from: levelFloor, to: slog.LevelError, next: textHandler(os.Stdout, lvl)},
			band{from: slog.LevelError, to: levelCeil, next: textHandler(os.Stderr, slog.LevelError)},
		)
	} else {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, f)
		handlers = append(handlers,
			textHandler(os.Stderr, lvl),
			textHandler(f, lvl),
		)
	}
	return slog.New(handlers), closers, nil
}
