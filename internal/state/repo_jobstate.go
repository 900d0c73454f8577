package state

import (
	"database/sql"
	"errors"
	"time"
)

// GetJobState reads a job-state value; missing keys return "" without error.
func (s *Store) GetJobState(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM job_state WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetJobState upserts a job-state value.
func (s *Store) SetJobState(key, value string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO job_state (key, value, updated_at_ns) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value         = excluded.value,
			updated_at_ns = excluded.updated_at_ns
	`, key, value, toNs(now))
	return err
}
