// Package logging builds the structured logger used across malipat.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/example/malipat/internal/core/patch"
	"github.com/example/malipat/internal/ctxutil"
)

// Config selects the level, format and destination of log output.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output string // stderr, stdout or a file path
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New creates a logger. The returned closer releases a log file, if one
// was opened.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	return slog.New(NewHandler(out, cfg.Format, level)), closer, nil
}

// NewHandler creates a text or JSON handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// FromContext returns logger annotated with the batch and attempt carried
// by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	var attrs []any
	if id := ctxutil.BatchFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("batch", patch.ShortID(id)))
	}
	if a, ok := ctxutil.AttemptFromContext(ctx); ok {
		attrs = append(attrs, slog.String("patch", patch.ShortID(a.PatchID)), slog.Int("attempt", a.Number))
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
