package ratelimit

import (
	"testing"
	"time"

	"grimm.is/egret/internal/clock"
)

func TestAllowBasic(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 3; i++ {
		if !l.Allow("k", 3, time.Minute) {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("k", 3, time.Minute) {
		t.Error("4th request should be denied")
	}
}

func TestAllowIndependentKeys(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 2; i++ {
		if !l.Allow("a", 2, time.Minute) {
			t.Errorf("key a request %d should be allowed", i+1)
		}
		if !l.Allow("b", 2, time.Minute) {
			t.Errorf("key b request %d should be allowed", i+1)
		}
	}
	if l.Allow("a", 2, time.Minute) || l.Allow("b", 2, time.Minute) {
		t.Error("both keys should be at their limit")
	}
}

func TestRefillAfterInterval(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiterWithClock(clk)

	if !l.Allow("k", 1, time.Minute) {
		t.Fatal("first request should pass")
	}
	if l.Allow("k", 1, time.Minute) {
		t.Fatal("second request should be denied")
	}

	clk.Advance(61 * time.Second)
	if !l.Allow("k", 1, time.Minute) {
		t.Error("request after refill should pass")
	}
}

func TestAllowBurstHeadroom(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiterWithClock(clk)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.AllowBurst("k", 3, 2, time.Minute) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("first window allowed = %d, want limit+burst = 5", allowed)
	}

	clk.Advance(61 * time.Second)
	allowed = 0
	for i := 0; i < 10; i++ {
		if l.AllowBurst("k", 3, 2, time.Minute) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("refilled window allowed = %d, want the steady limit of 3", allowed)
	}
}

func TestDrainSuppressed(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiterWithClock(clk)

	// Burst of 10 against a limit of 3: 7 suppressed.
	for i := 0; i < 10; i++ {
		l.Allow("deny", 3, time.Minute)
	}

	if n := l.DrainSuppressed("deny"); n != 7 {
		t.Errorf("DrainSuppressed = %d, want 7", n)
	}
	if n := l.DrainSuppressed("deny"); n != 0 {
		t.Errorf("second drain = %d, want 0", n)
	}
	if l.DrainSuppressed("unknown") != 0 {
		t.Error("unknown key should drain zero")
	}
}

func TestFloodNeverExceedsBudget(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiterWithClock(clk)

	allowed := 0
	for i := 0; i < 1000; i++ {
		if l.Allow("flood", 5, time.Second) {
			allowed++
		}
	}

	if allowed != 5 {
		t.Errorf("allowed = %d, want exactly the burst budget of 5", allowed)
	}
	if n := l.DrainSuppressed("flood"); n != 995 {
		t.Errorf("suppressed = %d, want 995", n)
	}
}

func TestCleanupExpired(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiterWithClock(clk)

	l.Allow("stale", 1, time.Second)
	clk.Advance(time.Hour)
	l.CleanupExpired(time.Minute)

	l.mu.RLock()
	_, ok := l.buckets["stale"]
	l.mu.RUnlock()
	if ok {
		t.Error("stale bucket should have been removed")
	}
}
