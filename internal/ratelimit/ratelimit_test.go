package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestAllowMinimumInterval(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	l := NewPerKey(time.Minute, clk)

	if !l.Allow(1) {
		t.Fatalf("first event must pass")
	}
	if l.Allow(1) {
		t.Fatalf("second event inside the interval must be denied")
	}

	clk.Advance(59 * time.Second)
	if l.Allow(1) {
		t.Fatalf("59s is still inside the interval")
	}
	clk.Advance(time.Second)
	if !l.Allow(1) {
		t.Fatalf("interval elapsed, event must pass")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	l := NewPerKey(time.Minute, clk)

	if !l.Allow(1) || !l.Allow(2) {
		t.Fatalf("fresh keys must pass")
	}
	if l.Allow(1) || l.Allow(2) {
		t.Fatalf("stamped keys must be denied")
	}
}

func TestZeroIntervalAdmitsEverything(t *testing.T) {
	l := NewPerKey(0, clockwork.NewRealClock())
	for i := 0; i < 5; i++ {
		if !l.Allow(1) {
			t.Fatalf("zero interval denied event %d", i)
		}
	}
}

func TestForget(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	l := NewPerKey(time.Minute, clk)

	l.Allow(1)
	l.Forget(1)
	if !l.Allow(1) {
		t.Fatalf("forgotten key must pass immediately")
	}
}
