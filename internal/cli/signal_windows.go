//go:build windows

package cli

import "log/slog"

// watchDebugToggle is a no-op: Windows has no SIGUSR1.
func watchDebugToggle(*slog.LevelVar, slog.Level, *slog.Logger) (stop func()) {
	return func() {}
}
