package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), nil, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), nil, func(int) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected last error back, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(err error) bool {
		return !errors.Is(err, fatal)
	}, func(int) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error must stop after 1 call, got %d", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{Attempts: 10, BaseDelay: 50 * time.Millisecond}, nil, func(int) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cancellation during the first backoff, got %d calls", calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := Config{Attempts: 8, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	within := func(d, base time.Duration) bool {
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		return d >= lo && d <= hi
	}
	if d := backoff(cfg, 1); !within(d, 100*time.Millisecond) {
		t.Fatalf("attempt 1 backoff out of range: %v", d)
	}
	if d := backoff(cfg, 2); !within(d, 200*time.Millisecond) {
		t.Fatalf("attempt 2 backoff out of range: %v", d)
	}
	if d := backoff(cfg, 7); !within(d, 500*time.Millisecond) {
		t.Fatalf("attempt 7 backoff must cap at MaxDelay: %v", d)
	}
}
