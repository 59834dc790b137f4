package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/stevedore/common/retry"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func fastConfig(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected errTransient, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestDo_ShouldRetryStopsEarly(t *testing.T) {
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, errTransient) }

	calls := 0
	err := retry.Do(context.Background(), cfg, func() error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected errPermanent, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error must not be retried: calls = %d", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := retry.Do(ctx, fastConfig(10), func() error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in error chain, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestDo_ZeroAttemptsTreatedAsOne(t *testing.T) {
	calls := 0
	_ = retry.Do(context.Background(), retry.Config{}, func() error {
		calls++
		return errTransient
	})
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}
