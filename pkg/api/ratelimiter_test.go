package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestRateLimiterSequencesPerIP checks that the second request from the same
// address waits for the first permit to be released.
func TestRateLimiterSequencesPerIP(t *testing.T) {
	limiter := NewRateLimiter(0)
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	secondDone := make(chan struct{})
	go func() {
		second, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
		if err == nil {
			second.Release()
		}
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second request ran while the first permit was held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second request never ran after release")
	}
}

// TestRateLimiterIsolatesIPs verifies that different addresses do not queue
// behind each other.
func TestRateLimiterIsolatesIPs(t *testing.T) {
	limiter := NewRateLimiter(0)
	ctx := context.Background()

	held, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	otherCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	other, err := limiter.Acquire(otherCtx, "10.0.0.2", RequestGeneral)
	if err != nil {
		t.Fatalf("other IP blocked: %v", err)
	}
	other.Release()
}

// TestRateLimiterHeavyCooldown confirms the pause between consecutive heavy
// downloads and the wait notice on the delayed permit.
func TestRateLimiterHeavyCooldown(t *testing.T) {
	cooldown := 120 * time.Millisecond
	limiter := NewRateLimiter(cooldown)
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "10.0.0.1", RequestHeavy)
	if err != nil {
		t.Fatalf("first heavy Acquire: %v", err)
	}
	first.Release()

	start := time.Now()
	second, err := limiter.Acquire(ctx, "10.0.0.1", RequestHeavy)
	if err != nil {
		t.Fatalf("second heavy Acquire: %v", err)
	}
	elapsed := time.Since(start)
	second.Release()

	if elapsed < cooldown-20*time.Millisecond {
		t.Fatalf("second heavy permit granted after %v, want ~%v cooldown", elapsed, cooldown)
	}
	if !second.WaitNotice {
		t.Fatal("delayed permit should carry a wait notice")
	}
}

// TestRateLimiterContextCancel covers a caller that gives up while queued
// behind a held permit.
func TestRateLimiterContextCancel(t *testing.T) {
	limiter := NewRateLimiter(0)

	held, err := limiter.Acquire(context.Background(), "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued Acquire error = %v, want deadline exceeded", err)
	}
}

func TestRateLimiterNilAndDoubleRelease(t *testing.T) {
	var limiter *RateLimiter
	permit, err := limiter.Acquire(context.Background(), "10.0.0.1", RequestGeneral)
	if err != nil || permit != nil {
		t.Fatalf("nil limiter = (%v, %v), want (nil, nil)", permit, err)
	}
	permit.Release() // nil permit: no-op

	real := NewRateLimiter(0)
	p, err := real.Acquire(context.Background(), "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release()
	p.Release() // second release must be harmless
}
