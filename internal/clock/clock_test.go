package clock

import (
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	c := &RealClock{}
	before := time.Now()
	now := c.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Error("RealClock.Now() should return current time")
	}
}

func TestMockClock(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewMockClock(base)

	if !c.Now().Equal(base) {
		t.Errorf("Now = %v, want %v", c.Now(), base)
	}

	c.Advance(90 * time.Second)
	if !c.Now().Equal(base.Add(90 * time.Second)) {
		t.Errorf("Advance did not move the clock forward")
	}

	later := base.Add(10 * time.Minute)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("Set did not pin the clock")
	}

	if c.Since(base) != 10*time.Minute {
		t.Errorf("Since = %v, want 10m", c.Since(base))
	}
	if c.Until(later.Add(time.Hour)) != time.Hour {
		t.Errorf("Until = %v, want 1h", c.Until(later.Add(time.Hour)))
	}
}
