// Package logger wraps log/slog with the level control and handler split
// BetCode's server and CLI processes each need: JSON for daemon/relay,
// text for the CLI.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Format selects the slog handler used to render records.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

var level = new(slog.LevelVar)

// SetLevel adjusts the process-wide minimum log level at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// New builds a *slog.Logger writing to w in the given format, honoring
// whatever level SetLevel last configured (default: Info).
func New(w io.Writer, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// NewDefault builds the process's default logger: JSON for servers
// (daemon/relay), text for interactive CLI usage, both to stderr.
func NewDefault(format Format) *slog.Logger {
	return New(os.Stderr, format)
}

// With returns a logger enriched with a request/session-scoped field set,
// for call sites that want structured context without threading a
// *slog.Logger through every function signature.
func With(base *slog.Logger, args ...any) *slog.Logger {
	return base.With(args...)
}

type ctxKey struct{}

// IntoContext stores a logger in ctx for retrieval by FromContext.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by IntoContext, or slog.Default()
// if none was stored.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
