//go:build !windows

package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// watchDebugToggle flips the stderr log level between base and debug on every
// SIGUSR1 until stop is called.
func watchDebugToggle(lvl *slog.LevelVar, base slog.Level, logger *slog.Logger) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				logger.Warn("log level changed", "level", toggleDebug(lvl, base).String())
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
