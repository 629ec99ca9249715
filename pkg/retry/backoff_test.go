package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	sentinel := errors.New("always fails")
	err := WithRetry(context.Background(), func() error {
		calls++
		return sentinel
	}, fastConfig())
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls (1 + 3 retries), got %d", calls)
	}
}

func TestWithRetryStopError(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(permanent)
	}, fastConfig())
	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for stop error, got %d", calls)
	}
}

func TestExponentialBackoffCapped(t *testing.T) {
	cfg := fastConfig()
	backoff := ExponentialBackoff(cfg)
	if d := backoff(10); d > cfg.MaxInterval {
		t.Errorf("backoff exceeded max interval: %v", d)
	}
}
