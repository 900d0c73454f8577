package entitlement

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/testutil"
	"github.com/outpostvpn/outpost/internal/vault"
	"github.com/outpostvpn/outpost/internal/wireguard"
	"github.com/outpostvpn/outpost/internal/xray"
)

const regionConfig = `{
  "inbounds": [
    {"protocol": "vless", "settings": {"clients": [{"id": "aaaa", "email": "tg:7"}]}}
  ],
  "outbounds": [{"protocol": "freedom", "tag": "direct"}]
}`

type fixture struct {
	store *state.Store
	run   *testutil.ScriptRunner
	svc   *Service
}

func newFixture(t *testing.T, maxClients int) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	v, err := vault.New("test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	run := testutil.NewScriptRunner()
	run.RespondTo("cat /etc/xray/config.json", regionConfig)

	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := NewService(store, v,
		wireguard.NewAdapter(run, "wg0"),
		xray.NewAdapter(run, "/etc/xray/config.json", "/var/log/xray/access.log"),
		clk,
		WireGuardConfig{
			ServerPublicKey: "c2VydmVy",
			Endpoint:        "vpn.example.com:51820",
			AllowedIPs:      "0.0.0.0/0",
			DNS:             "1.1.1.1",
			Network:         netip.MustParsePrefix("10.66.0.0/16"),
			ServerCode:      "nl",
		},
		VlessConfig{
			Host: "region.example.com", Port: 443, SNI: "cdn.example.com",
			PublicKey: "pbk-value", ShortID: "ab12", Fingerprint: "chrome",
			Flow: "xtls-rprx-vision", Label: "Outpost NL", MaxClients: maxClients,
		})
	return &fixture{store: store, run: run, svc: svc}
}

func (f *fixture) seedUser(t *testing.T, tgID int64) {
	t.Helper()
	if err := f.store.EnsureUser(tgID, "u", "f", "l", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestEnsurePeerDeterministicAddress(t *testing.T) {
	f := newFixture(t, 0)
	f.seedUser(t, 42)

	peer, err := f.svc.EnsurePeer(context.Background(), 42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if peer.ClientIP != "10.66.0.44" {
		t.Fatalf("address: got %s, want 10.66.0.44", peer.ClientIP)
	}
	if !f.run.Ran("wg set wg0 peer " + peer.ClientPublicKey + " allowed-ips 10.66.0.44/32") {
		t.Fatalf("remote authorization missing: %v", f.run.Commands)
	}

	// Second call returns the same peer without touching the host again.
	before := len(f.run.Commands)
	again, err := f.svc.EnsurePeer(context.Background(), 42)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.ID != peer.ID || again.ClientPublicKey != peer.ClientPublicKey {
		t.Fatalf("idempotence broken: %+v vs %+v", again, peer)
	}
	if len(f.run.Commands) != before {
		t.Fatalf("idempotent ensure issued commands: %v", f.run.Commands[before:])
	}
}

func TestEnsurePeerScansPastCollision(t *testing.T) {
	f := newFixture(t, 0)
	f.seedUser(t, 42)
	f.seedUser(t, 60042) // same slot mod 60000

	occupant, err := f.svc.EnsurePeer(context.Background(), 60042)
	if err != nil {
		t.Fatalf("ensure occupant: %v", err)
	}
	if occupant.ClientIP != "10.66.0.44" {
		t.Fatalf("occupant address: %s", occupant.ClientIP)
	}

	peer, err := f.svc.EnsurePeer(context.Background(), 42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if peer.ClientIP != "10.66.0.45" {
		t.Fatalf("collision scan: got %s, want 10.66.0.45", peer.ClientIP)
	}
}

func TestRotatePeerRevokesOld(t *testing.T) {
	f := newFixture(t, 0)
	f.seedUser(t, 42)

	old, err := f.svc.EnsurePeer(context.Background(), 42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	fresh, err := f.svc.RotatePeer(context.Background(), 42, "compromised")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if fresh.ClientPublicKey == old.ClientPublicKey {
		t.Fatalf("rotation reused the keypair")
	}
	if !f.run.Ran("peer " + old.ClientPublicKey + " remove") {
		t.Fatalf("old peer not removed remotely: %v", f.run.Commands)
	}

	active, err := f.store.ActivePeer(42, "nl")
	if err != nil {
		t.Fatalf("active peer: %v", err)
	}
	if active.ClientPublicKey != fresh.ClientPublicKey {
		t.Fatalf("active peer is not the fresh one: %+v", active)
	}
}

func TestRevokePeersCommitsBeforeRemote(t *testing.T) {
	f := newFixture(t, 0)
	f.seedUser(t, 42)

	peer, err := f.svc.EnsurePeer(context.Background(), 42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	f.run.FailOn("remove", errors.New("host unreachable"))

	// Remote failure is tolerated: the row is already revoked.
	if err := f.svc.RevokePeers(context.Background(), 42, "expired"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.store.ActivePeer(42, "nl"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("peer still active: %v", err)
	}
	if !f.run.Ran("peer " + peer.ClientPublicKey + " remove") {
		t.Fatalf("remote removal not attempted")
	}
}

func TestBuildClientConfig(t *testing.T) {
	f := newFixture(t, 0)
	f.seedUser(t, 42)

	peer, err := f.svc.EnsurePeer(context.Background(), 42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	text, err := f.svc.BuildClientConfig(peer)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cfg, err := wireguard.ParseClientConfig(text)
	if err != nil {
		t.Fatalf("parse rendered config: %v", err)
	}
	if cfg.Address != "10.66.0.44" || cfg.Endpoint != "vpn.example.com:51820" {
		t.Fatalf("config material: %+v", cfg)
	}
	if cfg.PrivateKey == "" || strings.Contains(peer.ClientPrivateKeyEnc, cfg.PrivateKey) {
		t.Fatalf("private key must come from the vault, not the sealed blob")
	}
}

func TestEnsureRegionClientIssuesAndReuses(t *testing.T) {
	f := newFixture(t, 0)

	link, err := f.svc.EnsureRegionClient(context.Background(), 42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !strings.HasPrefix(link, "vless://") {
		t.Fatalf("link: %s", link)
	}
	for _, frag := range []string{
		"@region.example.com:443", "security=reality", "sni=cdn.example.com",
		"pbk=pbk-value", "sid=ab12", "fp=chrome", "flow=xtls-rprx-vision",
		"#Outpost%20NL",
	} {
		if !strings.Contains(link, frag) {
			t.Fatalf("link missing %q: %s", frag, link)
		}
	}
	if !f.run.Ran("systemctl restart xray") {
		t.Fatalf("config not written: %v", f.run.Commands)
	}

	// Existing client is reused without a rewrite.
	before := len(f.run.Commands)
	link2, err := f.svc.EnsureRegionClient(context.Background(), 7)
	if err != nil {
		t.Fatalf("ensure existing: %v", err)
	}
	if !strings.Contains(link2, "vless://aaaa@") {
		t.Fatalf("existing client id not reused: %s", link2)
	}
	for _, cmd := range f.run.Commands[before:] {
		if strings.Contains(cmd, "systemctl restart") {
			t.Fatalf("reuse must not rewrite the config: %v", cmd)
		}
	}
}

func TestEnsureRegionClientOverload(t *testing.T) {
	f := newFixture(t, 1) // one seat, taken by user 7

	_, err := f.svc.EnsureRegionClient(context.Background(), 42)
	if !errors.Is(err, ErrServerOverloaded) {
		t.Fatalf("expected ErrServerOverloaded, got %v", err)
	}

	// The seated user still gets their link.
	if _, err := f.svc.EnsureRegionClient(context.Background(), 7); err != nil {
		t.Fatalf("seated user: %v", err)
	}
}

func TestRevokeRegionClient(t *testing.T) {
	f := newFixture(t, 0)

	if err := f.svc.RevokeRegionClient(context.Background(), 7); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !f.run.Ran("systemctl restart xray") {
		t.Fatalf("removal not written: %v", f.run.Commands)
	}

	// Missing entry is a no-op, not an error.
	before := len(f.run.Commands)
	if err := f.svc.RevokeRegionClient(context.Background(), 999); err != nil {
		t.Fatalf("revoke missing: %v", err)
	}
	for _, cmd := range f.run.Commands[before:] {
		if strings.Contains(cmd, "systemctl restart") {
			t.Fatalf("no-op revoke rewrote the config")
		}
	}
}
