package api

import (
	"net/http"

	"github.com/outpostvpn/outpost/internal/entitlement"
	"github.com/outpostvpn/outpost/internal/state"
)

// HandleEnsurePeer returns the user's WireGuard config, issuing a peer when
// none is active.
func HandleEnsurePeer(ents *entitlement.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		peer, err := ents.EnsurePeer(r.Context(), tgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		cfg, err := ents.BuildClientConfig(peer)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"client_ip":  peer.ClientIP,
			"public_key": peer.ClientPublicKey,
			"config":     cfg,
		})
	})
}

// HandleRotatePeer revokes the current peer and issues a fresh one.
func HandleRotatePeer(ents *entitlement.Service) http.Handler {
	type request struct {
		Reason string `json:"reason"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		var req request
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = "manual"
		}
		peer, err := ents.RotatePeer(r.Context(), tgID, req.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		cfg, err := ents.BuildClientConfig(peer)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"client_ip":  peer.ClientIP,
			"public_key": peer.ClientPublicKey,
			"config":     cfg,
		})
	})
}

// HandleRevokePeers deactivates all the user's peers.
func HandleRevokePeers(ents *entitlement.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		if err := ents.RevokePeers(r.Context(), tgID, "manual"); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tg_id": tgID, "revoked": true})
	})
}

// HandleEnsureRegionClient returns the user's VLESS share link, creating the
// client entry when missing.
func HandleEnsureRegionClient(ents *entitlement.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		link, err := ents.EnsureRegionClient(r.Context(), tgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"share_link": link})
	})
}

// HandleRevokeRegionClient removes the user's VLESS client entry.
func HandleRevokeRegionClient(ents *entitlement.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		if err := ents.RevokeRegionClient(r.Context(), tgID); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tg_id": tgID, "revoked": true})
	})
}

// HandleResetUser wipes the user's mutable state after revoking their
// entitlements, so a re-onboarding starts clean.
func HandleResetUser(store *state.Store, ents *entitlement.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		if err := ents.RevokePeers(r.Context(), tgID, "reset"); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := ents.RevokeRegionClient(r.Context(), tgID); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := store.DeleteSession(tgID); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := store.ResetUser(tgID); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tg_id": tgID, "reset": true})
	})
}
