// Package ratelimit provides a per-key minimum-interval limiter used to pace
// outbound user notifications.
package ratelimit

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
)

// PerKey admits at most one event per key per interval. Keys that stay quiet
// longer than the interval carry no state worth keeping, so admitted stamps
// are overwritten in place and stale ones simply lose.
type PerKey struct {
	interval time.Duration
	clock    clockwork.Clock
	last     *xsync.Map[int64, time.Time]
}

// NewPerKey builds a limiter. A non-positive interval admits everything.
func NewPerKey(interval time.Duration, clk clockwork.Clock) *PerKey {
	return &PerKey{
		interval: interval,
		clock:    clk,
		last:     xsync.NewMap[int64, time.Time](),
	}
}

// Allow reports whether an event for key may proceed now, recording the
// admission when it may. The check-and-stamp is atomic per key.
func (l *PerKey) Allow(key int64) bool {
	if l.interval <= 0 {
		return true
	}
	now := l.clock.Now()
	admitted := false
	l.last.Compute(key, func(prev time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Sub(prev) < l.interval {
			return prev, xsync.CancelOp
		}
		admitted = true
		return now, xsync.UpdateOp
	})
	return admitted
}

// Forget drops the key's stamp so the next Allow admits immediately.
func (l *PerKey) Forget(key int64) {
	l.last.Delete(key)
}
