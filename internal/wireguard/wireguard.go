// Package wireguard drives the shared WireGuard server over SSH and renders
// client configs. The interface peer list is the only remote state; there is
// no remote read path, so every mutation is a single wg command.
package wireguard

import (
	"context"
	"fmt"

	"github.com/outpostvpn/outpost/internal/sshrun"
)

// Adapter mutates peers on a remote WireGuard interface.
type Adapter struct {
	run   sshrun.Runner
	iface string
}

// NewAdapter binds the adapter to a runner and interface name (usually wg0).
func NewAdapter(run sshrun.Runner, iface string) *Adapter {
	return &Adapter{run: run, iface: iface}
}

// AddPeer authorizes a client public key for its /32 address.
func (a *Adapter) AddPeer(ctx context.Context, publicKey, clientIP string) error {
	cmd := fmt.Sprintf("wg set %s peer %s allowed-ips %s/32", a.iface, publicKey, clientIP)
	if _, err := a.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("wireguard: add peer: %w", err)
	}
	return nil
}

// RemovePeer revokes a client public key. Callers treat failures as
// best-effort: the DB row is already revoked and the next sweep retries.
func (a *Adapter) RemovePeer(ctx context.Context, publicKey string) error {
	cmd := fmt.Sprintf("wg set %s peer %s remove", a.iface, publicKey)
	if _, err := a.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("wireguard: remove peer: %w", err)
	}
	return nil
}
