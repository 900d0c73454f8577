// Package entitlement implements the business operations that keep a user's
// provisioned access in lockstep with their subscription: WireGuard peers on
// the shared VPN host and VLESS clients on the region Xray host.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"net/url"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/vault"
	"github.com/outpostvpn/outpost/internal/wireguard"
	"github.com/outpostvpn/outpost/internal/xray"
)

// ErrServerOverloaded is returned by EnsureRegionClient when the configured
// client ceiling is reached.
var ErrServerOverloaded = errors.New("region server overloaded")

// ipHashRange is the width of the deterministic allocation window inside the
// VPN network; offsets 2 .. ipHashRange+1 are assignable.
const ipHashRange = 60000

// WireGuardConfig is the static client-config material from env.
type WireGuardConfig struct {
	ServerPublicKey string
	Endpoint        string
	AllowedIPs      string
	DNS             string
	Network         netip.Prefix
	ServerCode      string
}

// VlessConfig is the static share-link material from env.
type VlessConfig struct {
	Host        string
	Port        int
	SNI         string
	PublicKey   string
	ShortID     string
	Fingerprint string
	Flow        string
	Label       string
	MaxClients  int
}

// Service composes the store, vault and the two remote adapters.
type Service struct {
	store *state.Store
	vault *vault.Vault
	wg    *wireguard.Adapter
	xr    *xray.Adapter
	clock clockwork.Clock

	wgCfg    WireGuardConfig
	vlessCfg VlessConfig
}

// NewService wires the entitlement service.
func NewService(store *state.Store, v *vault.Vault, wg *wireguard.Adapter, xr *xray.Adapter,
	clk clockwork.Clock, wgCfg WireGuardConfig, vlessCfg VlessConfig) *Service {
	return &Service{store: store, vault: v, wg: wg, xr: xr, clock: clk, wgCfg: wgCfg, vlessCfg: vlessCfg}
}

// EnsurePeer returns the user's active peer, issuing a fresh one when none
// exists. The remote authorization happens before the row is persisted; an
// orphaned remote peer from a crash in between is harmless and superseded by
// the next issue.
func (s *Service) EnsurePeer(ctx context.Context, tgID int64) (model.VpnPeer, error) {
	peer, err := s.store.ActivePeer(tgID, s.wgCfg.ServerCode)
	if err == nil {
		return peer, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return model.VpnPeer{}, err
	}
	return s.issuePeer(ctx, tgID, "")
}

// RotatePeer issues a new peer and revokes all previous active peers of the
// user with the given reason.
func (s *Service) RotatePeer(ctx context.Context, tgID int64, reason string) (model.VpnPeer, error) {
	old, err := s.store.ActivePeer(tgID, s.wgCfg.ServerCode)
	hadOld := err == nil
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return model.VpnPeer{}, err
	}

	peer, err := s.issuePeer(ctx, tgID, reason)
	if err != nil {
		return model.VpnPeer{}, err
	}
	if hadOld {
		if err := s.wg.RemovePeer(ctx, old.ClientPublicKey); err != nil {
			log.Printf("[entitlement] rotate %d: best-effort remove of old peer failed: %v", tgID, err)
		}
	}
	return peer, nil
}

// RevokePeers deactivates all active peers of the user. The DB commit comes
// first; remote removal is best-effort and retried by the expiry sweep.
func (s *Service) RevokePeers(ctx context.Context, tgID int64, reason string) error {
	pubKeys, err := s.store.RevokePeers(tgID, reason, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	for _, pk := range pubKeys {
		if err := s.wg.RemovePeer(ctx, pk); err != nil {
			log.Printf("[entitlement] revoke %d: best-effort remove failed: %v", tgID, err)
		}
	}
	return nil
}

// BuildClientConfig renders the importable WireGuard config for a peer.
func (s *Service) BuildClientConfig(peer model.VpnPeer) (string, error) {
	priv, err := s.vault.Open(peer.ClientPrivateKeyEnc)
	if err != nil {
		return "", fmt.Errorf("entitlement: open private key: %w", err)
	}
	cfg := wireguard.ClientConfig{
		PrivateKey:      string(priv),
		Address:         peer.ClientIP,
		DNS:             s.wgCfg.DNS,
		ServerPublicKey: s.wgCfg.ServerPublicKey,
		Endpoint:        s.wgCfg.Endpoint,
		AllowedIPs:      s.wgCfg.AllowedIPs,
	}
	return cfg.Render(), nil
}

func (s *Service) issuePeer(ctx context.Context, tgID int64, reason string) (model.VpnPeer, error) {
	privKey, pubKey, err := vault.GenerateKeypair()
	if err != nil {
		return model.VpnPeer{}, err
	}
	ip, err := s.allocateIP(tgID)
	if err != nil {
		return model.VpnPeer{}, err
	}
	if err := s.wg.AddPeer(ctx, pubKey, ip); err != nil {
		return model.VpnPeer{}, err
	}
	sealed, err := s.vault.Seal([]byte(privKey))
	if err != nil {
		return model.VpnPeer{}, err
	}

	now := s.clock.Now().UTC()
	peer := model.VpnPeer{
		TgID:                tgID,
		ClientPublicKey:     pubKey,
		ClientPrivateKeyEnc: sealed,
		ClientIP:            ip,
		ServerCode:          s.wgCfg.ServerCode,
		IsActive:            true,
		CreatedAt:           now,
	}
	id, err := s.store.InsertPeer(peer, reason, now)
	if err != nil {
		// Roll back the remote authorization so the interface does not
		// accumulate peers the DB never learned about.
		if rmErr := s.wg.RemovePeer(ctx, pubKey); rmErr != nil {
			log.Printf("[entitlement] issue %d: rollback remove failed: %v", tgID, rmErr)
		}
		return model.VpnPeer{}, err
	}
	peer.ID = id
	log.Printf("[entitlement] issued peer for %d at %s", tgID, ip)
	return peer, nil
}

// allocateIP picks the deterministic address network+ (tgID mod 60000) + 2,
// scanning forward through the window on collision. Revoked peers free their
// address for reuse.
func (s *Service) allocateIP(tgID int64) (string, error) {
	used, err := s.store.ActivePeerIPs()
	if err != nil {
		return "", err
	}
	base := s.wgCfg.Network.Masked().Addr()
	start := int(tgID % ipHashRange)
	for i := 0; i < ipHashRange; i++ {
		offset := (start+i)%ipHashRange + 2
		candidate := addOffset(base, offset)
		if !s.wgCfg.Network.Contains(candidate) {
			continue
		}
		if ip := candidate.String(); !used[ip] {
			return ip, nil
		}
	}
	return "", fmt.Errorf("entitlement: address window exhausted in %s", s.wgCfg.Network)
}

func addOffset(addr netip.Addr, offset int) netip.Addr {
	b := addr.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += uint32(offset)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// EnsureRegionClient makes sure the user has a VLESS client on the region
// host and returns the share link. The remote config is authoritative: an
// existing entry (under either email form) is reused as-is.
func (s *Service) EnsureRegionClient(ctx context.Context, tgID int64) (string, error) {
	var link string
	err := s.xr.Mutate(ctx, func(doc *xray.Document) (bool, error) {
		if existing, found, err := doc.FindClient(tgID); err != nil {
			return false, err
		} else if found {
			link = s.ShareLink(existing)
			return false, nil
		}

		clients, err := doc.Clients()
		if err != nil {
			return false, err
		}
		if s.vlessCfg.MaxClients > 0 && len(clients) >= s.vlessCfg.MaxClients {
			return false, fmt.Errorf("%d clients configured: %w", len(clients), ErrServerOverloaded)
		}

		client := xray.Client{
			ID:    uuid.NewString(),
			Email: xray.EmailForUser(tgID),
			Flow:  s.vlessCfg.Flow,
		}
		if _, err := doc.AddClient(client, tgID); err != nil {
			return false, err
		}
		link = s.ShareLink(client)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return link, nil
}

// RevokeRegionClient removes the user's client entry. Missing entries are
// not an error.
func (s *Service) RevokeRegionClient(ctx context.Context, tgID int64) error {
	return s.xr.Mutate(ctx, func(doc *xray.Document) (bool, error) {
		return doc.RemoveClient(tgID)
	})
}

// ShareLink renders the vless:// URL a client app imports.
func (s *Service) ShareLink(c xray.Client) string {
	q := url.Values{}
	q.Set("encryption", "none")
	q.Set("flow", c.Flow)
	q.Set("security", "reality")
	q.Set("sni", s.vlessCfg.SNI)
	q.Set("fp", s.vlessCfg.Fingerprint)
	q.Set("pbk", s.vlessCfg.PublicKey)
	q.Set("sid", s.vlessCfg.ShortID)
	q.Set("type", "tcp")
	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		c.ID, s.vlessCfg.Host, s.vlessCfg.Port, q.Encode(), url.PathEscape(s.vlessCfg.Label))
}
