package state

import (
	"fmt"
	"time"
)

// Advisory-lock keys for single-leader election across replicas.
const (
	SchedulerLockKey = 947382611
	ArbiterLockKey   = 947382612
)

// lockTTL bounds how long a crashed leader can hold a lock. Live leaders
// re-arm the lease on every tick, well inside the TTL.
const lockTTL = 90 * time.Second

// TryAcquireLock takes (or re-arms) the integer-keyed advisory lock for
// owner. It is non-blocking: false means another live owner holds it.
func (s *Store) TryAcquireLock(key int64, owner string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO advisory_locks (key, owner, acquired_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner          = excluded.owner,
			acquired_at_ns = excluded.acquired_at_ns,
			expires_at_ns  = excluded.expires_at_ns
		WHERE advisory_locks.owner = excluded.owner
		   OR advisory_locks.expires_at_ns <= excluded.acquired_at_ns
	`, key, owner, toNs(now), toNs(now.Add(lockTTL)))
	if err != nil {
		return false, fmt.Errorf("acquire lock %d: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLock drops the lock if owner still holds it.
func (s *Store) ReleaseLock(key int64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM advisory_locks WHERE key = ? AND owner = ?", key, owner)
	return err
}
