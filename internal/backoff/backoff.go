// Package backoff retries a connect function with exponential backoff.
//
// Schedule with the default config (1s initial, 30s cap, 5 retries):
//
//	attempt 1 → 1s, 2 → 2s, 3 → 4s, 4 → 8s, 5 → 16s, then give up
//
// Used by the sensor supervisor (hot-plug) and the GStreamer sink.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrExhausted is returned when every retry failed.
var ErrExhausted = errors.New("backoff: max retries exceeded")

// Config parameterizes the retry loop.
type Config struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// DefaultConfig returns 5 retries starting at 1s, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// State tracks attempts across calls to Run. The zero value is ready.
type State struct {
	// Retries is the number of consecutive failures of the current Run.
	Retries int
	// Total counts every failed attempt since creation.
	Total atomic.Uint64
}

// ConnectFunc makes one attempt.
type ConnectFunc func(ctx context.Context) error

// Run calls fn until it succeeds, the retries are exhausted, or ctx is
// cancelled. name prefixes the log lines.
func Run(ctx context.Context, name string, fn ConnectFunc, cfg Config, st *State) error {
	if st == nil {
		st = &State{}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if st.Retries > 0 {
				slog.Info(name+": connected after retries", "retries", st.Retries)
			}
			st.Retries = 0
			return nil
		}

		st.Retries++
		st.Total.Add(1)
		slog.Warn(name+": connect failed", "error", err, "attempt", st.Retries)

		if st.Retries > cfg.MaxRetries {
			return fmt.Errorf("%w (%s, %d attempts): %w", ErrExhausted, name, cfg.MaxRetries, err)
		}

		delay := Delay(st.Retries, cfg)
		slog.Info(name+": retrying",
			"attempt", st.Retries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Delay returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	d := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if d > cfg.MaxRetryDelay || d <= 0 {
		d = cfg.MaxRetryDelay
	}
	return d
}
