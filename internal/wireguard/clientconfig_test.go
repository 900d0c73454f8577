package wireguard

import (
	"context"
	"strings"
	"testing"

	"github.com/outpostvpn/outpost/internal/testutil"
)

func TestClientConfigRoundTrip(t *testing.T) {
	c := ClientConfig{
		PrivateKey:      "cHJpdmF0ZQ==",
		Address:         "10.66.0.44",
		DNS:             "1.1.1.1",
		ServerPublicKey: "c2VydmVy",
		Endpoint:        "vpn.example.com:51820",
		AllowedIPs:      "0.0.0.0/0",
	}

	text := c.Render()
	if !strings.Contains(text, "Address = 10.66.0.44/32") {
		t.Fatalf("address not rendered as /32:\n%s", text)
	}
	if !strings.Contains(text, "PersistentKeepalive = 25") {
		t.Fatalf("keepalive missing:\n%s", text)
	}

	got, err := ParseClientConfig(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", got, c)
	}
}

func TestParseClientConfigRejectsUnknownKey(t *testing.T) {
	text := "[Interface]\nPrivateKey = k\nAddress = 10.0.0.2/32\nMTU = 1380\n"
	if _, err := ParseClientConfig(text); err == nil {
		t.Fatalf("unknown key must be rejected")
	}
}

func TestParseClientConfigRequiresInterface(t *testing.T) {
	if _, err := ParseClientConfig("[Peer]\nPublicKey = s\n"); err == nil {
		t.Fatalf("config without interface material must be rejected")
	}
}

func TestAdapterPeerCommands(t *testing.T) {
	run := testutil.NewScriptRunner()
	a := NewAdapter(run, "wg0")
	ctx := context.Background()

	if err := a.AddPeer(ctx, "pub-42", "10.66.0.44"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !run.Ran("wg set wg0 peer pub-42 allowed-ips 10.66.0.44/32") {
		t.Fatalf("add command not issued: %v", run.Commands)
	}

	if err := a.RemovePeer(ctx, "pub-42"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !run.Ran("wg set wg0 peer pub-42 remove") {
		t.Fatalf("remove command not issued: %v", run.Commands)
	}
}
