// Package ratelimit counts sends per recipient in fixed windows.
//
// A key may be used at most MaxRequests times per window. The window starts
// on the first increment and is not sliding, so up to twice the limit can
// pass across a window boundary.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults used when a Config field is zero.
const (
	DefaultWindow        = time.Hour
	DefaultMaxRequests   = 5
	DefaultSweepInterval = time.Minute
)

// ErrInvalidConfig is returned by store constructors for non-positive limits.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// Config is fixed for the lifetime of a store.
type Config struct {
	Window      time.Duration
	MaxRequests int
	// SweepInterval is how often the memory store drops expired windows.
	// Negative disables the sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns one hour, five requests, sweep every minute.
func DefaultConfig() Config {
	return Config{
		Window:        DefaultWindow,
		MaxRequests:   DefaultMaxRequests,
		SweepInterval: DefaultSweepInterval,
	}
}

func (c Config) withDefaults() (Config, error) {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Window < 0 {
		return c, fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	if c.MaxRequests < 0 {
		return c, fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	return c, nil
}

// Status is a snapshot of one key's window.
type Status struct {
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	Total     int       `json:"total"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
}

// Allowed reports whether another request fits in the window.
func (s Status) Allowed() bool { return s.Remaining > 0 }

func newStatus(count, total int, resetAt time.Time) Status {
	return Status{
		Count:     count,
		Remaining: max(total-count, 0),
		Total:     total,
		ResetAt:   resetAt,
	}
}

// Store tracks per-key request counts. Implementations are safe for
// concurrent use.
type Store interface {
	// Check reports whether key is strictly below the limit. It never mutates state.
	Check(ctx context.Context, key string) (bool, error)
	// Increment counts one request, opening a fresh window when none is
	// active, and returns the count within the window.
	Increment(ctx context.Context, key string) (int, error)
	// Allow performs Check and Increment as a single step: when key is under
	// the limit it is incremented and true is returned, otherwise nothing changes.
	Allow(ctx context.Context, key string) (bool, Status, error)
	Status(ctx context.Context, key string) (Status, error)
	// Reset forgets key.
	Reset(ctx context.Context, key string) error
	Close() error
}
