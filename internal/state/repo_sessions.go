package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// GetSession loads the region-VPN session for a user.
func (s *Store) GetSession(tgID int64) (model.RegionSession, error) {
	row := s.db.QueryRow(`
		SELECT tg_id, active_ip, last_seen_at_ns, last_switch_at_ns, created_at_ns
		FROM region_vpn_sessions WHERE tg_id = ?`, tgID)
	return scanSession(row)
}

// TouchSession records a sighting of the user's current device. When the
// source IP differs from the stored one, the switch timestamp moves and the
// previous IP is returned with switched=true.
func (s *Store) TouchSession(tgID int64, ip string, seenAt time.Time) (prevIP string, switched bool, err error) {
	err = s.withTx(func(tx *sql.Tx) error {
		var cur sql.NullString
		scanErr := tx.QueryRow(
			"SELECT active_ip FROM region_vpn_sessions WHERE tg_id = ?", tgID).Scan(&cur)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			_, insErr := tx.Exec(`
				INSERT INTO region_vpn_sessions (tg_id, active_ip, last_seen_at_ns, last_switch_at_ns, created_at_ns)
				VALUES (?, ?, ?, ?, ?)`,
				tgID, ip, toNs(seenAt), toNs(seenAt), toNs(seenAt))
			switched = false
			return insErr
		case scanErr != nil:
			return fmt.Errorf("read session: %w", scanErr)
		}

		prevIP = cur.String
		if prevIP == ip {
			_, updErr := tx.Exec(
				"UPDATE region_vpn_sessions SET last_seen_at_ns = ? WHERE tg_id = ?",
				toNs(seenAt), tgID)
			return updErr
		}
		switched = true
		_, updErr := tx.Exec(`
			UPDATE region_vpn_sessions SET active_ip = ?, last_seen_at_ns = ?, last_switch_at_ns = ?
			WHERE tg_id = ?`, ip, toNs(seenAt), toNs(seenAt), tgID)
		return updErr
	})
	return prevIP, switched, err
}

// ActiveIPByUser returns the active_ip map for all known sessions.
func (s *Store) ActiveIPByUser() (map[int64]string, error) {
	rows, err := s.db.Query("SELECT tg_id, active_ip FROM region_vpn_sessions WHERE active_ip != ''")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var ip string
		if err := rows.Scan(&id, &ip); err != nil {
			return nil, err
		}
		out[id] = ip
	}
	return out, rows.Err()
}

// DeleteSession drops the session row (user reset or region prune).
func (s *Store) DeleteSession(tgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM region_vpn_sessions WHERE tg_id = ?", tgID)
	return err
}

func scanSession(row rowScanner) (model.RegionSession, error) {
	var sess model.RegionSession
	var seenNs, switchNs, createdNs int64
	err := row.Scan(&sess.TgID, &sess.ActiveIP, &seenNs, &switchNs, &createdNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RegionSession{}, ErrNotFound
	}
	if err != nil {
		return model.RegionSession{}, fmt.Errorf("scan session: %w", err)
	}
	sess.LastSeenAt = fromNs(seenNs)
	sess.LastSwitchAt = fromNs(switchNs)
	sess.CreatedAt = fromNs(createdNs)
	return sess, nil
}
