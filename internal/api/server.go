package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/content"
	"github.com/outpostvpn/outpost/internal/entitlement"
	"github.com/outpostvpn/outpost/internal/payments"
	"github.com/outpostvpn/outpost/internal/referral"
	"github.com/outpostvpn/outpost/internal/sched"
	"github.com/outpostvpn/outpost/internal/state"
)

// Deps bundles the services the API exposes. Scheduler may be nil when the
// periodic core runs elsewhere; its routes are then not registered.
type Deps struct {
	Store       *state.Store
	Entitlement *entitlement.Service
	Referral    *referral.Service
	Payments    *payments.Service
	Content     *content.Service
	Scheduler   *sched.Scheduler
	Clock       clockwork.Clock
}

// Server wraps the HTTP server and mux for the broker API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(port int, adminToken string, maxBodyBytes int64, d Deps) *Server {
	return NewServerWithAddress("", port, adminToken, maxBodyBytes, d)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(listenAddress string, port int, adminToken string, maxBodyBytes int64, d Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()

	// Users.
	authed.Handle("POST /api/v1/users/{tg_id}", HandleRegisterUser(d.Store, d.Referral, d.Clock))
	authed.Handle("GET /api/v1/users/{tg_id}", HandleGetUser(d.Store))
	authed.Handle("POST /api/v1/users/{tg_id}/actions/forgive-strikes", HandleForgiveStrikes(d.Store))
	authed.Handle("POST /api/v1/users/{tg_id}/actions/reset", HandleResetUser(d.Store, d.Entitlement))

	// WireGuard entitlements.
	authed.Handle("POST /api/v1/users/{tg_id}/peer", HandleEnsurePeer(d.Entitlement))
	authed.Handle("POST /api/v1/users/{tg_id}/peer/actions/rotate", HandleRotatePeer(d.Entitlement))
	authed.Handle("DELETE /api/v1/users/{tg_id}/peer", HandleRevokePeers(d.Entitlement))

	// Region (VLESS) entitlements.
	authed.Handle("POST /api/v1/users/{tg_id}/region-client", HandleEnsureRegionClient(d.Entitlement))
	authed.Handle("DELETE /api/v1/users/{tg_id}/region-client", HandleRevokeRegionClient(d.Entitlement))

	// Payments.
	authed.Handle("POST /api/v1/users/{tg_id}/checkout", HandleStartCheckout(d.Payments))
	authed.Handle("POST /api/v1/payments/{id}/actions/confirm", HandleConfirmPayment(d.Payments))

	// Referral ledger.
	authed.Handle("GET /api/v1/users/{tg_id}/referral", HandleReferralSummary(d.Referral))
	authed.Handle("POST /api/v1/users/{tg_id}/referral/payouts", HandleRequestPayout(d.Referral))
	authed.Handle("POST /api/v1/payouts/{id}/actions/settle", HandleSettlePayout(d.Referral))
	authed.Handle("POST /api/v1/payouts/{id}/actions/reject", HandleRejectPayout(d.Referral))

	// Content tokens.
	authed.Handle("POST /api/v1/content/tokens", HandleIssueContentToken(d.Content))
	authed.Handle("POST /api/v1/content/tokens/{token}/actions/resolve", HandleResolveContentToken(d.Content))

	// Operator actions.
	if d.Scheduler != nil {
		authed.Handle("POST /api/v1/report/actions/force", HandleForceReport(d.Scheduler))
	}

	limitedAuthed := RequestBodyLimitMiddleware(maxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
