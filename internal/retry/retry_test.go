package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSuccess(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond}

	calls := 0
	result := Do(context.Background(), cfg, func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetryThenSuccess(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Factor:       2.0,
	}

	calls := 0
	result := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDoMaxAttempts(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Factor:       2.0,
	}

	calls := 0
	result := Do(context.Background(), cfg, func() error {
		calls++
		return errors.New("always fails")
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoPermanentError(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond}

	calls := 0
	result := Do(context.Background(), cfg, func() error {
		calls++
		return Permanent(errors.New("permanent error"))
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt (no retry for permanent), got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoContextCanceledDuringDelay(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := Do(ctx, cfg, func() error {
		return errors.New("retry")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDoContextCanceledBeforeFirstAttempt(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := Do(ctx, cfg, func() error {
		calls++
		return nil
	})

	if calls != 0 {
		t.Errorf("expected 0 calls, got %d", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDoUnboundedStopsOnCancel(t *testing.T) {
	// MaxAttempts <= 0 retries until ctx is done.
	cfg := Config{
		MaxAttempts:  0,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	result := Do(ctx, cfg, func() error {
		calls++
		return errors.New("still down")
	})

	if calls < 2 {
		t.Errorf("expected multiple attempts before cancel, got %d", calls)
	}
	if !errors.Is(result.Err, context.DeadlineExceeded) && !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context error, got %v", result.Err)
	}
}

func TestDoZeroDelayDefaults(t *testing.T) {
	cfg := Config{MaxAttempts: 3}

	calls := 0
	start := time.Now()
	result := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 2 {
			return errors.New("retry")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	// Default InitialDelay is 1s; one retry should take at least half
	// of it even with jitter.
	if time.Since(start) < 400*time.Millisecond {
		t.Error("expected defaulted delay between attempts")
	}
}

func TestDoWithValue(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond}

	calls := 0
	value, result := DoWithValue(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("retry")
		}
		return 42, nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if value != 42 {
		t.Errorf("expected 42, got %d", value)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestDoWithValueFailure(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond}

	value, result := DoWithValue(context.Background(), cfg, func() (string, error) {
		return "", errors.New("always fails")
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if value != "" {
		t.Errorf("expected empty string on failure, got %q", value)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should return nil")
	}
}

func TestPermanentUnwrap(t *testing.T) {
	original := errors.New("wrapped error")
	perm := Permanent(original)

	if perm.Error() != "wrapped error" {
		t.Errorf("Error() = %q, want %q", perm.Error(), "wrapped error")
	}
	if !errors.Is(perm, original) {
		t.Error("should unwrap to original")
	}
}

func TestIsPermanentNested(t *testing.T) {
	perm := Permanent(errors.New("base error"))
	wrapped := errors.Join(errors.New("wrapper"), perm)

	if !IsPermanent(wrapped) {
		t.Error("IsPermanent should detect wrapped permanent error")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error should not be permanent")
	}
}

func TestProviderPolicy(t *testing.T) {
	cfg := Provider()
	if cfg.MaxAttempts != 6 {
		t.Errorf("MaxAttempts = %d, want 6", cfg.MaxAttempts)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if !cfg.Jitter {
		t.Error("provider policy should jitter")
	}
}

func TestPlatformPolicy(t *testing.T) {
	cfg := Platform()
	if cfg.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0 (unbounded)", cfg.MaxAttempts)
	}
	if cfg.MaxDelay != 2*time.Minute {
		t.Errorf("MaxDelay = %v, want 2m", cfg.MaxDelay)
	}
}
