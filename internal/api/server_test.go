package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/content"
	"github.com/outpostvpn/outpost/internal/entitlement"
	"github.com/outpostvpn/outpost/internal/payments"
	"github.com/outpostvpn/outpost/internal/referral"
	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/testutil"
	"github.com/outpostvpn/outpost/internal/vault"
	"github.com/outpostvpn/outpost/internal/wireguard"
	"github.com/outpostvpn/outpost/internal/xray"
)

const testToken = "test-admin-token"

const regionConfig = `{
  "inbounds": [
    {"protocol": "vless", "settings": {"clients": []}}
  ],
  "outbounds": [{"protocol": "freedom", "tag": "direct"}]
}`

type stubProvider struct{}

func (stubProvider) CreateTransaction(context.Context, int64, string, string, string) (payments.Transaction, error) {
	return payments.Transaction{ID: "ext-1", Status: "pending", PayURL: "https://pay.example/ext-1"}, nil
}

func (stubProvider) GetTransaction(context.Context, string) (payments.Transaction, error) {
	return payments.Transaction{ID: "ext-1", Status: "paid"}, nil
}

func newTestServer(t *testing.T) (*Server, *state.Store) {
	t.Helper()
	store := testutil.NewStore(t)
	v, err := vault.New("test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	run := testutil.NewScriptRunner()
	run.RespondTo("cat /etc/xray/config.json", regionConfig)
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	ents := entitlement.NewService(store, v,
		wireguard.NewAdapter(run, "wg0"),
		xray.NewAdapter(run, "/etc/xray/config.json", "/var/log/xray/access.log"),
		clk,
		entitlement.WireGuardConfig{
			ServerPublicKey: "c2VydmVy",
			Endpoint:        "vpn.example.com:51820",
			AllowedIPs:      "0.0.0.0/0",
			DNS:             "1.1.1.1",
			Network:         netip.MustParsePrefix("10.66.0.0/16"),
			ServerCode:      "nl",
		},
		entitlement.VlessConfig{
			Host: "region.example.com", Port: 443, SNI: "cdn.example.com",
			PublicKey: "pbk", ShortID: "ab12", Fingerprint: "chrome",
			Flow: "xtls-rprx-vision", Label: "outpost",
		})
	refs := referral.NewService(store, clk, referral.Config{HoldDays: 14, MinPayout: 100})
	pays := payments.NewService(store, stubProvider{}, refs, clk,
		payments.PriceConfig{Amount: 500, Currency: "RUB", Months: 1})
	tokens, err := content.NewService(store, clk, 15*time.Minute)
	if err != nil {
		t.Fatalf("content: %v", err)
	}

	srv := NewServer(8087, testToken, 1<<20, Deps{
		Store: store, Entitlement: ents, Referral: refs,
		Payments: pays, Content: tokens, Clock: clk,
	})
	return srv, store
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

func TestHealthzIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/users/42", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/users/42", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", w.Code)
	}
}

func TestRegisterAndGetUser(t *testing.T) {
	srv, store := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/users/42",
		`{"username":"alice","first_name":"A","last_name":"B"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	view := decodeMap(t, w)
	if view["tg_id"] != float64(42) || view["username"] != "alice" {
		t.Fatalf("view: %+v", view)
	}

	if _, err := store.GetUser(42); err != nil {
		t.Fatalf("user not persisted: %v", err)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/users/42", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/users/999", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing user: %d", w.Code)
	}
}

func TestRegisterAttachesReferralCode(t *testing.T) {
	srv, store := newTestServer(t)

	if err := store.EnsureUser(10, "inviter", "", "", time.Now()); err != nil {
		t.Fatalf("seed inviter: %v", err)
	}
	if err := store.SetRefCode(10, "INVITE42"); err != nil {
		t.Fatalf("set code: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/v1/users/42",
		`{"username":"alice","ref_code":"INVITE42"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	u, err := store.GetUser(42)
	if err != nil || u.ReferredBy != 10 {
		t.Fatalf("inviter not attached: %+v err=%v", u, err)
	}
}

func TestEnsurePeerRoute(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.EnsureUser(42, "u", "", "", time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/v1/users/42/peer", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ensure peer: %d %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["client_ip"] != "10.66.0.44" {
		t.Fatalf("client ip: %v", resp["client_ip"])
	}
	cfg, _ := resp["config"].(string)
	if !strings.Contains(cfg, "[Interface]") || !strings.Contains(cfg, "Endpoint = vpn.example.com:51820") {
		t.Fatalf("config payload:\n%s", cfg)
	}
}

func TestCheckoutAndConfirmRoute(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.EnsureUser(42, "u", "", "", time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/v1/users/42/checkout", "")
	if w.Code != http.StatusOK {
		t.Fatalf("checkout: %d %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	paymentID := int64(resp["payment_id"].(float64))
	if resp["pay_url"] != "https://pay.example/ext-1" {
		t.Fatalf("checkout response: %+v", resp)
	}

	w = doRequest(t, srv, http.MethodPost,
		"/api/v1/payments/"+strconv.FormatInt(paymentID, 10)+"/actions/confirm", "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}
	sub, err := store.GetSubscription(42)
	if err != nil || !sub.IsActive {
		t.Fatalf("subscription: %+v err=%v", sub, err)
	}
}

func TestRequestPayoutBelowFloor(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.EnsureUser(10, "u", "", "", time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/api/v1/users/10/referral/payouts",
		`{"amount":50,"requisites":"card 1234"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("below-floor payout: %d %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error.Code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("error code: %s", resp.Error.Code)
	}
}

func TestContentTokenRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/content/tokens",
		`{"user_id":42,"content_url":"https://cdn.example/v/1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("issue: %d %s", w.Code, w.Body.String())
	}
	token, _ := decodeMap(t, w)["token"].(string)
	if token == "" {
		t.Fatalf("no token in response: %s", w.Body.String())
	}

	w = doRequest(t, srv, http.MethodPost, "/api/v1/content/tokens/"+token+"/actions/resolve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}
	if decodeMap(t, w)["content_url"] != "https://cdn.example/v/1" {
		t.Fatalf("resolve body: %s", w.Body.String())
	}

	// Single use.
	w = doRequest(t, srv, http.MethodPost, "/api/v1/content/tokens/"+token+"/actions/resolve", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("second resolve: %d", w.Code)
	}
}
