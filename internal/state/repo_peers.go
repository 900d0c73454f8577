package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
)

// ActivePeer returns the single active peer for (tg_id, server_code), or
// ErrNotFound.
func (s *Store) ActivePeer(tgID int64, serverCode string) (model.VpnPeer, error) {
	row := s.db.QueryRow(`
		SELECT id, tg_id, client_public_key, client_private_key_enc, client_ip,
		       server_code, is_active, created_at_ns, revoked_at_ns, rotation_reason
		FROM vpn_peers WHERE tg_id = ? AND server_code = ? AND is_active = 1`,
		tgID, serverCode)
	return scanPeer(row)
}

// InsertPeer persists a freshly issued peer, revoking any previous active
// peers for the same (tg_id, server_code) in the same transaction. reason is
// recorded on the revoked rows; pass "" on first issue.
func (s *Store) InsertPeer(p model.VpnPeer, reason string, now time.Time) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE vpn_peers SET is_active = 0, revoked_at_ns = ?, rotation_reason = ?
			WHERE tg_id = ? AND server_code = ? AND is_active = 1`,
			toNs(now), reason, p.TgID, p.ServerCode); err != nil {
			return fmt.Errorf("revoke previous peers: %w", err)
		}
		res, err := tx.Exec(`
			INSERT INTO vpn_peers (tg_id, client_public_key, client_private_key_enc,
			                       client_ip, server_code, is_active, created_at_ns)
			VALUES (?, ?, ?, ?, ?, 1, ?)`,
			p.TgID, p.ClientPublicKey, p.ClientPrivateKeyEnc, p.ClientIP,
			p.ServerCode, toNs(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert peer: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// RevokePeers marks all active peers of a user revoked and returns their
// public keys for best-effort remote removal.
func (s *Store) RevokePeers(tgID int64, reason string, now time.Time) ([]string, error) {
	var pubKeys []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			"SELECT client_public_key FROM vpn_peers WHERE tg_id = ? AND is_active = 1", tgID)
		if err != nil {
			return err
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

		_, err = tx.Exec(`
			UPDATE vpn_peers SET is_active = 0, revoked_at_ns = ?, rotation_reason = ?
			WHERE tg_id = ? AND is_active = 1`, toNs(now), reason, tgID)
		return err
	})
	return pubKeys, err
}

// ActivePeerIPs returns the client IPs currently held by active peers.
func (s *Store) ActivePeerIPs() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT client_ip FROM vpn_peers WHERE is_active = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ips := make(map[string]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips[ip] = true
	}
	return ips, rows.Err()
}

func scanPeer(row rowScanner) (model.VpnPeer, error) {
	var p model.VpnPeer
	var createdNs, revokedNs int64
	err := row.Scan(&p.ID, &p.TgID, &p.ClientPublicKey, &p.ClientPrivateKeyEnc,
		&p.ClientIP, &p.ServerCode, &p.IsActive, &createdNs, &revokedNs, &p.RotationReason)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VpnPeer{}, ErrNotFound
	}
	if err != nil {
		return model.VpnPeer{}, fmt.Errorf("scan peer: %w", err)
	}
	p.CreatedAt = fromNs(createdNs)
	p.RevokedAt = fromNs(revokedNs)
	return p, nil
}
