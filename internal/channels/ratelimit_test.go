package channels

import (
	"context"
	"testing"
	"time"
)

func TestAllowExhaustsBurst(t *testing.T) {
	// Near-zero refill so the burst is all we get.
	rl := NewRateLimiter(0.0001, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("allow %d should pass within burst", i)
		}
	}
	if rl.Allow() {
		t.Error("burst exhausted, allow should fail")
	}
	if tokens := rl.Tokens(); tokens >= 1 {
		t.Errorf("tokens = %f", tokens)
	}
}

func TestAllowRefills(t *testing.T) {
	rl := NewRateLimiter(1000, 1)

	if !rl.Allow() {
		t.Fatal("fresh limiter should allow")
	}
	time.Sleep(10 * time.Millisecond)
	if !rl.Allow() {
		t.Error("token should refill at 1000/s")
	}
}

func TestWaitBlocksThenProceeds(t *testing.T) {
	rl := NewRateLimiter(200, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// Second wait needs a refill (5ms at 200/s) but must succeed well
	// within the deadline.
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	rl := NewRateLimiter(0.0001, 1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	if err == nil {
		t.Fatal("wait should fail once the context expires")
	}
	if ctx.Err() == nil {
		t.Error("context should be done")
	}
}
