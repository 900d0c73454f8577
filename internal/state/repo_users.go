package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// EnsureUser creates the user row on first contact and refreshes the chat
// profile fields on every later call.
func (s *Store) EnsureUser(tgID int64, username, firstName, lastName string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO users (tg_id, created_at_ns, status, tg_username, first_name, last_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tg_id) DO UPDATE SET
			tg_username = excluded.tg_username,
			first_name  = excluded.first_name,
			last_name   = excluded.last_name
	`, tgID, toNs(now), model.UserStatusActive, username, firstName, lastName)
	return err
}

// GetUser loads a user by chat id.
func (s *Store) GetUser(tgID int64) (model.User, error) {
	row := s.db.QueryRow(`
		SELECT tg_id, created_at_ns, status, strikes, ref_code, referred_by_tg_id,
		       referred_at_ns, flow_state, flow_data, tg_username, first_name, last_name
		FROM users WHERE tg_id = ?`, tgID)
	return scanUser(row)
}

// GetUserByRefCode resolves a referral code to its owner.
func (s *Store) GetUserByRefCode(code string) (model.User, error) {
	row := s.db.QueryRow(`
		SELECT tg_id, created_at_ns, status, strikes, ref_code, referred_by_tg_id,
		       referred_at_ns, flow_state, flow_data, tg_username, first_name, last_name
		FROM users WHERE ref_code = ?`, code)
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	var createdNs, referredNs int64
	var refCode sql.NullString
	err := row.Scan(&u.TgID, &createdNs, &u.Status, &u.Strikes, &refCode, &u.ReferredBy,
		&referredNs, &u.FlowState, &u.FlowData, &u.TgUsername, &u.FirstName, &u.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = fromNs(createdNs)
	u.ReferredAt = fromNs(referredNs)
	u.RefCode = refCode.String
	return u, nil
}

// SetRefCode stores a freshly issued referral code. A collision with another
// user's code returns ErrDuplicate so the caller can regenerate.
func (s *Store) SetRefCode(tgID int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE users SET ref_code = ? WHERE tg_id = ?", code, tgID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// SetReferrer records who invited the user. A user can only ever have one
// inviter; later calls are ignored.
func (s *Store) SetReferrer(tgID, referrerTgID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE users SET referred_by_tg_id = ?, referred_at_ns = ?
		WHERE tg_id = ? AND referred_by_tg_id = 0 AND tg_id != ?
	`, referrerTgID, toNs(now), tgID, referrerTgID)
	return err
}

// SetFlow saves the transient multi-step conversation marker.
func (s *Store) SetFlow(tgID int64, flowState, flowData string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE users SET flow_state = ?, flow_data = ? WHERE tg_id = ?",
		flowState, flowData, tgID)
	return err
}

// AddStrike increments the abuse strike counter and returns the new value.
func (s *Store) AddStrike(tgID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("UPDATE users SET strikes = strikes + 1 WHERE tg_id = ?", tgID); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow("SELECT strikes FROM users WHERE tg_id = ?", tgID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ForgiveStrikes zeroes the abuse strike counter.
func (s *Store) ForgiveStrikes(tgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE users SET strikes = 0 WHERE tg_id = ?", tgID)
	return err
}

// ResetUser wipes the mutable user fields and the subscription row, keeping
// the user itself (administrator operation). Peers and ledger rows are
// untouched; revocation runs through the entitlement service first.
func (s *Store) ResetUser(tgID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE users SET status = ?, strikes = 0, flow_state = '', flow_data = '',
			                 ref_code = NULL, referred_by_tg_id = 0, referred_at_ns = 0
			WHERE tg_id = ?`, model.UserStatusActive, tgID); err != nil {
			return fmt.Errorf("reset user: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM subscriptions WHERE tg_id = ?", tgID); err != nil {
			return fmt.Errorf("reset subscription: %w", err)
		}
		return nil
	})
}
