// Package retry is the one bounded retry-with-backoff helper shared by every
// write path that races other cluster writers.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config bounds a retry loop. Zero values fall back to the defaults below.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

const (
	defaultAttempts  = 5
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. attempt is 1-based. A nil retryable treats every error as
// retryable.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(attempt int) error) error {
	cfg = cfg.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.Attempts {
			break
		}
		if err := sleep(ctx, backoff(cfg, attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func backoff(cfg Config, attempt int) time.Duration {
	// attempt is 1-based; double per attempt, capped.
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	d := cfg.BaseDelay * time.Duration(1<<uint(shift))
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return jitter(d)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/- 20%
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
