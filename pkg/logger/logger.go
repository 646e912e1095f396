package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	return slog.New(newJSONHandler(os.Stdout, level)).With("service", service)
}

// NewRateLimited returns a JSON logger whose output passes through a
// RateLimitedHandler. The caller owns the handler lifecycle (Start/Stop).
func NewRateLimited(service string, level slog.Level, opts RateLimitOptions) (*slog.Logger, *RateLimitedHandler) {
	return NewRateLimitedWriter(os.Stdout, service, level, opts)
}

// NewRateLimitedWriter is NewRateLimited with an explicit sink.
func NewRateLimitedWriter(w io.Writer, service string, level slog.Level, opts RateLimitOptions) (*slog.Logger, *RateLimitedHandler) {
	h := NewRateLimitedHandler(newJSONHandler(w, level), opts)
	return slog.New(h).With("service", service), h
}

func newJSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
