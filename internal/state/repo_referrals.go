package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// ErrInsufficientBalance rejects a payout request larger than the available
// earnings.
var ErrInsufficientBalance = errors.New("insufficient available balance")

// OpenReferral creates the referral row on the referred user's first payment.
// Returns false when the pair is already linked.
func (s *Store) OpenReferral(referrerTgID, referredTgID, firstPaymentID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO referrals (referrer_tg_id, referred_tg_id, status, first_payment_id, activated_at_ns, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(referred_tg_id) DO NOTHING
	`, referrerTgID, referredTgID, model.ReferralStatusActive, firstPaymentID, toNs(now), toNs(now))
	if err != nil {
		return false, fmt.Errorf("open referral: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountActiveReferrals returns how many active referrals an inviter holds.
func (s *Store) CountActiveReferrals(referrerTgID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM referrals WHERE referrer_tg_id = ? AND status = ?",
		referrerTgID, model.ReferralStatusActive).Scan(&n)
	return n, err
}

// nullID maps a zero id to NULL so the row stays outside partial unique
// indexes keyed on the id.
func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// InsertEarning appends one commission line. Idempotency is by the unique
// (payment_id, referrer_tg_id) pair: a replay returns ErrDuplicate.
func (s *Store) InsertEarning(e model.ReferralEarning) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO referral_earnings (referrer_tg_id, referred_tg_id, payment_id,
		       payment_amount_rub, percent, earned_rub, status, available_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ReferrerTgID, e.ReferredTgID, nullID(e.PaymentID), e.PaymentAmount, e.Percent,
		e.Earned, e.Status, toNs(e.AvailableAt))
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert earning: %w", err)
	}
	return res.LastInsertId()
}

// ReleaseDueEarnings flips pending earnings whose hold elapsed to available.
// Returns the number of released lines.
func (s *Store) ReleaseDueEarnings(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE referral_earnings SET status = ?
		WHERE status = ? AND available_at_ns > 0 AND available_at_ns <= ?`,
		model.EarningStatusAvailable, model.EarningStatusPending, toNs(now))
	if err != nil {
		return 0, fmt.Errorf("release earnings: %w", err)
	}
	return res.RowsAffected()
}

// AvailableBalance sums a user's available earnings.
func (s *Store) AvailableBalance(tgID int64) (int64, error) {
	var sum int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(earned_rub), 0) FROM referral_earnings
		WHERE referrer_tg_id = ? AND status = ?`, tgID, model.EarningStatusAvailable).Scan(&sum)
	return sum, err
}

// ReservePayout creates a payout request and greedily reserves available
// earnings in id-ascending order until the requested amount is covered,
// splitting the final line when it overshoots. The reservation accounts for
// exactly the requested amount or the whole operation rolls back.
func (s *Store) ReservePayout(tgID, amount int64, requisites string, now time.Time) (int64, error) {
	var requestID int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO payout_requests (tg_id, amount_rub, status, requisites, created_at_ns)
			VALUES (?, ?, ?, ?, ?)`,
			tgID, amount, model.PayoutStatusPending, requisites, toNs(now))
		if err != nil {
			return fmt.Errorf("insert payout request: %w", err)
		}
		requestID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		rows, err := tx.Query(`
			SELECT id, earned_rub FROM referral_earnings
			WHERE referrer_tg_id = ? AND status = ?
			ORDER BY id ASC`, tgID, model.EarningStatusAvailable)
		if err != nil {
			return err
		}
		type line struct {
			id     int64
			earned int64
		}
		var lines []line
		for rows.Next() {
			var l line
			if err := rows.Scan(&l.id, &l.earned); err != nil {
				rows.Close()
				return err
			}
			lines = append(lines, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		remaining := amount
		for _, l := range lines {
			if remaining == 0 {
				break
			}
			if l.earned <= remaining {
				if _, err := tx.Exec(`
					UPDATE referral_earnings SET status = ?, payout_request_id = ?
					WHERE id = ?`, model.EarningStatusReserved, requestID, l.id); err != nil {
					return err
				}
				remaining -= l.earned
				continue
			}
			// Split: reserve the needed part, leave the residual available.
			residual := l.earned - remaining
			if _, err := tx.Exec(`
				UPDATE referral_earnings SET earned_rub = ?, status = ?, payout_request_id = ?
				WHERE id = ?`, remaining, model.EarningStatusReserved, requestID, l.id); err != nil {
				return err
			}
			// Residuals carry no payment_id so repeated splits for the same
			// referrer never collide on the per-payment uniqueness.
			if _, err := tx.Exec(`
				INSERT INTO referral_earnings (referrer_tg_id, referred_tg_id, payment_id,
				       payment_amount_rub, percent, earned_rub, status, available_at_ns)
				SELECT referrer_tg_id, referred_tg_id, NULL, payment_amount_rub, percent, ?, ?, available_at_ns
				FROM referral_earnings WHERE id = ?`,
				residual, model.EarningStatusAvailable, l.id); err != nil {
				return fmt.Errorf("split earning %d: %w", l.id, err)
			}
			remaining = 0
		}
		if remaining > 0 {
			return ErrInsufficientBalance
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requestID, nil
}

// MarkPayoutPaid settles a payout: reserved lines become paid.
func (s *Store) MarkPayoutPaid(requestID int64, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE payout_requests SET status = ?, processed_at_ns = ?
			WHERE id = ? AND status = ?`,
			model.PayoutStatusPaid, toNs(now), requestID, model.PayoutStatusPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("payout %d: %w", requestID, ErrNotFound)
		}
		_, err = tx.Exec(`
			UPDATE referral_earnings SET status = ?, paid_at_ns = ?
			WHERE payout_request_id = ? AND status = ?`,
			model.EarningStatusPaid, toNs(now), requestID, model.EarningStatusReserved)
		return err
	})
}

// RejectPayout returns reserved lines to available and clears the linkage.
func (s *Store) RejectPayout(requestID int64, note string, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE payout_requests SET status = ?, note = ?, processed_at_ns = ?
			WHERE id = ? AND status = ?`,
			model.PayoutStatusRejected, note, toNs(now), requestID, model.PayoutStatusPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("payout %d: %w", requestID, ErrNotFound)
		}
		_, err = tx.Exec(`
			UPDATE referral_earnings SET status = ?, payout_request_id = 0
			WHERE payout_request_id = ? AND status = ?`,
			model.EarningStatusAvailable, requestID, model.EarningStatusReserved)
		return err
	})
}

// ListEarnings returns all earnings of a referrer, id ascending.
func (s *Store) ListEarnings(tgID int64) ([]model.ReferralEarning, error) {
	rows, err := s.db.Query(`
		SELECT id, referrer_tg_id, referred_tg_id, COALESCE(payment_id, 0), payment_amount_rub,
		       percent, earned_rub, status, available_at_ns, paid_at_ns, payout_request_id
		FROM referral_earnings WHERE referrer_tg_id = ? ORDER BY id ASC`, tgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ReferralEarning
	for rows.Next() {
		var e model.ReferralEarning
		var availNs, paidNs int64
		if err := rows.Scan(&e.ID, &e.ReferrerTgID, &e.ReferredTgID, &e.PaymentID,
			&e.PaymentAmount, &e.Percent, &e.Earned, &e.Status, &availNs, &paidNs,
			&e.PayoutRequestID); err != nil {
			return nil, err
		}
		e.AvailableAt = fromNs(availNs)
		e.PaidAt = fromNs(paidNs)
		result = append(result, e)
	}
	return result, rows.Err()
}
