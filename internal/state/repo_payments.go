package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// InsertPayment appends a ledger row and returns its id. A duplicate
// provider payment id is rejected with ErrDuplicate.
func (s *Store) InsertPayment(p model.Payment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO payments (tg_id, amount, currency, provider, status, paid_at_ns,
		                      period_days, period_months, provider_payment_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.TgID, p.Amount, p.Currency, p.Provider, p.Status, toNs(p.PaidAt),
		p.PeriodDays, p.PeriodMonths, nullStr(p.ProviderPaymentID))
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert payment: %w", err)
	}
	return res.LastInsertId()
}

// SettlePayment flips a pending payment to paid and writes the extended
// subscription window in the same transaction, so a failed extension (say, a
// missing user row) rolls the flip back and the next poll retries the whole
// settlement. extend receives the current window, zero-valued when none
// exists yet. It is idempotent: a row already paid reports flipped=false so
// event replays do not double-extend.
func (s *Store) SettlePayment(id, tgID int64, paidAt time.Time,
	extend func(model.Subscription) model.Subscription) (bool, error) {
	flipped := false
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE payments SET status = ?, paid_at_ns = ?
			WHERE id = ? AND status = ?`,
			model.PaymentStatusPaid, toNs(paidAt), id, model.PaymentStatusPending)
		if err != nil {
			return fmt.Errorf("mark payment paid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		var sub model.Subscription
		var startNs, endNs int64
		err = tx.QueryRow(`
			SELECT tg_id, start_at_ns, end_at_ns, is_active, status
			FROM subscriptions WHERE tg_id = ?`, tgID).
			Scan(&sub.TgID, &startNs, &endNs, &sub.IsActive, &sub.Status)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("scan subscription: %w", err)
		}
		sub.StartAt = fromNs(startNs)
		sub.EndAt = fromNs(endNs)

		next := extend(sub)
		if _, err := tx.Exec(`
			INSERT INTO subscriptions (tg_id, start_at_ns, end_at_ns, is_active, status)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tg_id) DO UPDATE SET
				end_at_ns = excluded.end_at_ns,
				is_active = excluded.is_active,
				status    = excluded.status
		`, next.TgID, toNs(next.StartAt), toNs(next.EndAt), next.IsActive, next.Status); err != nil {
			return fmt.Errorf("extend subscription: %w", err)
		}
		flipped = true
		return nil
	})
	return flipped, err
}

// MarkPaymentFailed records a terminal provider failure.
func (s *Store) MarkPaymentFailed(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE payments SET status = ? WHERE id = ? AND status = ?`,
		status, id, model.PaymentStatusPending)
	return err
}

// GetPayment loads one ledger row.
func (s *Store) GetPayment(id int64) (model.Payment, error) {
	row := s.db.QueryRow(`
		SELECT id, tg_id, amount, currency, provider, status, paid_at_ns,
		       period_days, period_months, provider_payment_id
		FROM payments WHERE id = ?`, id)
	return scanPayment(row)
}

// ListPendingPayments returns payments awaiting provider confirmation.
func (s *Store) ListPendingPayments() ([]model.Payment, error) {
	rows, err := s.db.Query(`
		SELECT id, tg_id, amount, currency, provider, status, paid_at_ns,
		       period_days, period_months, provider_payment_id
		FROM payments WHERE status = ? ORDER BY id ASC`, model.PaymentStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPayment(row rowScanner) (model.Payment, error) {
	var p model.Payment
	var paidNs int64
	var providerID sql.NullString
	err := row.Scan(&p.ID, &p.TgID, &p.Amount, &p.Currency, &p.Provider, &p.Status,
		&paidNs, &p.PeriodDays, &p.PeriodMonths, &providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Payment{}, ErrNotFound
	}
	if err != nil {
		return model.Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	p.PaidAt = fromNs(paidNs)
	p.ProviderPaymentID = providerID.String
	return p, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
