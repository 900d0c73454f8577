package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// GetSubscription loads the subscription window for a user.
func (s *Store) GetSubscription(tgID int64) (model.Subscription, error) {
	row := s.db.QueryRow(`
		SELECT tg_id, start_at_ns, end_at_ns, is_active, status
		FROM subscriptions WHERE tg_id = ?`, tgID)

	var sub model.Subscription
	var startNs, endNs int64
	err := row.Scan(&sub.TgID, &startNs, &endNs, &sub.IsActive, &sub.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	sub.StartAt = fromNs(startNs)
	sub.EndAt = fromNs(endNs)
	return sub, nil
}

// SaveSubscription upserts the window. start_at is preserved on update when
// already set (the window opened once and only its end moves).
func (s *Store) SaveSubscription(sub model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO subscriptions (tg_id, start_at_ns, end_at_ns, is_active, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tg_id) DO UPDATE SET
			end_at_ns = excluded.end_at_ns,
			is_active = excluded.is_active,
			status    = excluded.status
	`, sub.TgID, toNs(sub.StartAt), toNs(sub.EndAt), sub.IsActive, sub.Status)
	return err
}

// ListExpiredActive returns subscriptions whose window closed but are still
// flagged active, oldest end first.
func (s *Store) ListExpiredActive(now time.Time) ([]model.Subscription, error) {
	rows, err := s.db.Query(`
		SELECT tg_id, start_at_ns, end_at_ns, is_active, status
		FROM subscriptions
		WHERE is_active = 1 AND end_at_ns <= ?
		ORDER BY end_at_ns ASC`, toNs(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ActiveUserIDs returns the set of users with a currently active subscription.
func (s *Store) ActiveUserIDs(now time.Time) (map[int64]bool, error) {
	rows, err := s.db.Query(`
		SELECT tg_id FROM subscriptions WHERE is_active = 1 AND end_at_ns > ?`, toNs(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// ListExpiredBefore returns user ids whose subscription ended at or before
// cutoff and is no longer active (used by the region prune job).
func (s *Store) ListExpiredBefore(cutoff time.Time) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT tg_id FROM subscriptions WHERE is_active = 0 AND end_at_ns > 0 AND end_at_ns <= ?`,
		toNs(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireSubscription flips one subscription to expired and revokes its active
// peers in the same transaction. It returns the public keys of the revoked
// peers so the caller can issue best-effort remote removals after commit.
func (s *Store) ExpireSubscription(tgID int64, now time.Time) ([]string, error) {
	var pubKeys []string
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE subscriptions SET is_active = 0, status = ?
			WHERE tg_id = ? AND is_active = 1 AND end_at_ns <= ?`,
			model.SubStatusExpired, tgID, toNs(now))
		if err != nil {
			return fmt.Errorf("expire subscription: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Raced with an extension; nothing to revoke.
			return nil
		}

		rows, err := tx.Query(`
			SELECT client_public_key FROM vpn_peers WHERE tg_id = ? AND is_active = 1`, tgID)
		if err != nil {
			return fmt.Errorf("list active peers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var pk string
			if err := rows.Scan(&pk); err != nil {
				return err
			}
			pubKeys = append(pubKeys, pk)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			UPDATE vpn_peers SET is_active = 0, revoked_at_ns = ?, rotation_reason = 'expired'
			WHERE tg_id = ? AND is_active = 1`, toNs(now), tgID); err != nil {
			return fmt.Errorf("revoke peers: %w", err)
		}
		return nil
	})
	return pubKeys, err
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var result []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var startNs, endNs int64
		if err := rows.Scan(&sub.TgID, &startNs, &endNs, &sub.IsActive, &sub.Status); err != nil {
			return nil, err
		}
		sub.StartAt = fromNs(startNs)
		sub.EndAt = fromNs(endNs)
		result = append(result, sub)
	}
	return result, rows.Err()
}
