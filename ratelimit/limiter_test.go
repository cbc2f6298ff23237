package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowUnlimited(t *testing.T) {
	l := New()
	for range 100 {
		if !l.Allow("ep_1", 0) {
			t.Fatal("unlimited endpoint was throttled")
		}
	}
}

func TestAllowThrottles(t *testing.T) {
	l := New()

	// Burst equals the rate, so the first 2 pass and the 3rd is rejected.
	if !l.Allow("ep_1", 2) {
		t.Fatal("first delivery throttled")
	}
	if !l.Allow("ep_1", 2) {
		t.Fatal("second delivery throttled")
	}
	if l.Allow("ep_1", 2) {
		t.Fatal("third delivery allowed within the same second")
	}
}

func TestAllowPerEndpointIsolation(t *testing.T) {
	l := New()

	for range 5 {
		l.Allow("ep_busy", 1)
	}
	if !l.Allow("ep_quiet", 1) {
		t.Error("quiet endpoint throttled by busy endpoint's bucket")
	}
}

func TestRateChangeRebuildsBucket(t *testing.T) {
	l := New()

	l.Allow("ep_1", 1)
	if l.Allow("ep_1", 1) {
		t.Fatal("second delivery at rate 1 allowed")
	}

	// Raising the configured rate takes effect immediately.
	if !l.Allow("ep_1", 10) {
		t.Error("delivery throttled after rate increase")
	}
}

func TestWaitCancelled(t *testing.T) {
	l := New()
	l.Allow("ep_1", 1) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "ep_1", 1); err == nil {
		t.Error("Wait() should fail when the context expires first")
	}
}

func TestReset(t *testing.T) {
	l := New()
	l.Allow("ep_1", 1)
	l.Reset("ep_1")

	if !l.Allow("ep_1", 1) {
		t.Error("delivery throttled after Reset")
	}
}
