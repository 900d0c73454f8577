package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// Membership notification windows, named after their dedup columns.
const (
	Notify7d = "notified_7d_at_ns"
	Notify3d = "notified_3d_at_ns"
	Notify1d = "notified_1d_at_ns"
)

var notifyColumns = map[string]bool{
	Notify7d: true,
	Notify3d: true,
	Notify1d: true,
}

// UpsertMembership is the write surface the external family collaborator
// uses to publish coverage signals into the core.
func (s *Store) UpsertMembership(m model.Membership) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID != 0 {
		_, err := s.db.Exec(`
			UPDATE memberships SET tg_id = ?, account_login = ?, coverage_end_at_ns = ?, removed_at_ns = ?
			WHERE id = ?`,
			m.TgID, m.AccountLogin, toNs(m.CoverageEndAt), toNs(m.RemovedAt), m.ID)
		return m.ID, err
	}
	res, err := s.db.Exec(`
		INSERT INTO memberships (tg_id, account_login, coverage_end_at_ns, removed_at_ns)
		VALUES (?, ?, ?, ?)`,
		m.TgID, m.AccountLogin, toNs(m.CoverageEndAt), toNs(m.RemovedAt))
	if err != nil {
		return 0, fmt.Errorf("insert membership: %w", err)
	}
	return res.LastInsertId()
}

// ListCoverageCandidates returns memberships with a known coverage end that
// are not removed, for the reminder job.
func (s *Store) ListCoverageCandidates() ([]model.Membership, error) {
	rows, err := s.db.Query(`
		SELECT id, tg_id, account_login, coverage_end_at_ns, removed_at_ns,
		       notified_7d_at_ns, notified_3d_at_ns, notified_1d_at_ns
		FROM memberships
		WHERE removed_at_ns = 0 AND coverage_end_at_ns > 0
		ORDER BY coverage_end_at_ns ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemberships(rows)
}

// ListRotationDue returns memberships whose coverage lapsed while the member
// is still seated, for the rotation job.
func (s *Store) ListRotationDue(now time.Time) ([]model.Membership, error) {
	rows, err := s.db.Query(`
		SELECT id, tg_id, account_login, coverage_end_at_ns, removed_at_ns,
		       notified_7d_at_ns, notified_3d_at_ns, notified_1d_at_ns
		FROM memberships
		WHERE removed_at_ns = 0 AND coverage_end_at_ns > 0 AND coverage_end_at_ns <= ?
		ORDER BY coverage_end_at_ns ASC, id ASC`, toNs(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemberships(rows)
}

// ListKickReport returns memberships whose user subscription lapsed and who
// are still seated, ordered (end_at asc, id asc), capped at limit.
func (s *Store) ListKickReport(now time.Time, limit int) ([]model.Membership, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.tg_id, m.account_login, m.coverage_end_at_ns, m.removed_at_ns,
		       m.notified_7d_at_ns, m.notified_3d_at_ns, m.notified_1d_at_ns
		FROM memberships m
		JOIN subscriptions sub ON sub.tg_id = m.tg_id
		WHERE m.removed_at_ns = 0 AND sub.end_at_ns > 0 AND sub.end_at_ns <= ?
		ORDER BY sub.end_at_ns ASC, m.id ASC
		LIMIT ?`, toNs(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemberships(rows)
}

// NotifyOnce sets the window's dedup flag and runs send inside the same
// transaction. If the flag is already set nothing happens; if send fails the
// transaction rolls back and the flag stays unset, so the next boundary pass
// re-attempts at most once.
func (s *Store) NotifyOnce(membershipID int64, column string, now time.Time, send func() error) (bool, error) {
	if !notifyColumns[column] {
		return false, fmt.Errorf("notify: unknown window column %q", column)
	}
	sent := false
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			fmt.Sprintf("UPDATE memberships SET %s = ? WHERE id = ? AND %s = 0", column, column),
			toNs(now), membershipID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Flag already set: at-most-once proof, skip silently.
			return nil
		}
		if err := send(); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent = true
		return nil
	})
	return sent, err
}

// MarkMembershipRemoved records that the member lost their seat.
func (s *Store) MarkMembershipRemoved(membershipID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE memberships SET removed_at_ns = ? WHERE id = ? AND removed_at_ns = 0",
		toNs(now), membershipID)
	return err
}

// SetMembershipCoverage moves the coverage end after a successful rotation
// and clears the boundary flags for the new cycle.
func (s *Store) SetMembershipCoverage(membershipID int64, coverageEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE memberships SET coverage_end_at_ns = ?,
		       notified_7d_at_ns = 0, notified_3d_at_ns = 0, notified_1d_at_ns = 0
		WHERE id = ?`, toNs(coverageEnd), membershipID)
	return err
}

func scanMemberships(rows *sql.Rows) ([]model.Membership, error) {
	var result []model.Membership
	for rows.Next() {
		var m model.Membership
		var covNs, remNs, n7, n3, n1 int64
		if err := rows.Scan(&m.ID, &m.TgID, &m.AccountLogin, &covNs, &remNs, &n7, &n3, &n1); err != nil {
			return nil, err
		}
		m.CoverageEndAt = fromNs(covNs)
		m.RemovedAt = fromNs(remNs)
		m.Notified7dAt = fromNs(n7)
		m.Notified3dAt = fromNs(n3)
		m.Notified1dAt = fromNs(n1)
		result = append(result, m)
	}
	return result, rows.Err()
}
