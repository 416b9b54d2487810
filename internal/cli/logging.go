package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// logRetention is how long daily log files are kept under ~/.smsd/logs.
const logRetention = 7 * 24 * time.Hour

func logDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".smsd", "logs"), nil
}

// logFilePath returns today's log file, ~/.smsd/logs/smsd-YYYYMMDD.log,
// creating the directory if needed. It returns "" when that fails.
func logFilePath() string {
	dir, err := logDir()
	if err != nil {
		return ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("smsd-%s.log", time.Now().Format("20060102")))
}

func cleanOldLogs() {
	if dir, err := logDir(); err == nil {
		pruneLogs(dir, time.Now().Add(-logRetention))
	}
}

// pruneLogs removes smsd-*.log files in dir last written before cutoff.
// Other files are left alone.
func pruneLogs(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "smsd-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		if info, err := e.Info(); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

// teeHandler sends each record to every handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// newLogger builds the server logger. stderr gets the configured level and
// format, adjustable at runtime through the returned LevelVar; the daily file
// always gets debug-level JSON. The returned path is "" when no file could be
// opened.
func newLogger(level, format string) (*slog.Logger, *slog.LevelVar, string, func()) {
	lvl := new(slog.LevelVar)
	lvl.Set(parseSlogLevel(level))

	opts := &slog.HandlerOptions{Level: lvl}
	var stderr slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if format == "text" {
		stderr = slog.NewTextHandler(os.Stderr, opts)
	}

	path := logFilePath()
	if path == "" {
		return slog.New(stderr), lvl, "", func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return slog.New(stderr), lvl, "", func() {}
	}
	go cleanOldLogs()

	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(teeHandler{stderr, file}), lvl, path, func() { f.Close() }
}

// toggleDebug switches lvl to debug, or back to base when already at debug,
// and returns the new level.
func toggleDebug(lvl *slog.LevelVar, base slog.Level) slog.Level {
	if lvl.Level() == slog.LevelDebug {
		lvl.Set(base)
	} else {
		lvl.Set(slog.LevelDebug)
	}
	return lvl.Level()
}

func parseSlogLevel(level string) slog.Level {
	switch level {
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
