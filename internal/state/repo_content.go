package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// ErrTokenExpired is returned when a content token exists but its window
// closed.
var ErrTokenExpired = errors.New("token expired")

// InsertContentRequest stores a new single-use token.
func (s *Store) InsertContentRequest(r model.ContentRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO content_requests (user_id, token, content_url, created_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		r.UserID, r.Token, r.ContentURL, toNs(r.CreatedAt), toNs(r.ExpiresAt))
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert content request: %w", err)
	}
	return res.LastInsertId()
}

// ConsumeContentToken resolves and deletes a token in one transaction,
// giving single-use semantics. Unknown tokens return ErrNotFound, stale ones
// ErrTokenExpired (and are still deleted).
func (s *Store) ConsumeContentToken(token string, now time.Time) (model.ContentRequest, error) {
	var req model.ContentRequest
	err := s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id, user_id, token, content_url, created_at_ns, expires_at_ns
			FROM content_requests WHERE token = ?`, token)
		var createdNs, expiresNs int64
		scanErr := row.Scan(&req.ID, &req.UserID, &req.Token, &req.ContentURL, &createdNs, &expiresNs)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if scanErr != nil {
			return fmt.Errorf("scan content request: %w", scanErr)
		}
		req.CreatedAt = fromNs(createdNs)
		req.ExpiresAt = fromNs(expiresNs)

		_, err := tx.Exec("DELETE FROM content_requests WHERE id = ?", req.ID)
		return err
	})
	if err != nil {
		return model.ContentRequest{}, err
	}
	// The delete committed either way; a stale token is gone AND unusable.
	if !req.ExpiresAt.After(now) {
		return model.ContentRequest{}, ErrTokenExpired
	}
	return req, nil
}

// PruneContentRequests drops tokens that expired before cutoff.
func (s *Store) PruneContentRequests(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM content_requests WHERE expires_at_ns <= ?", toNs(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
