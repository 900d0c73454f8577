package api

import (
	"errors"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/referral"
	"github.com/outpostvpn/outpost/internal/state"
)

// HandleRegisterUser upserts the user row and optionally attaches an inviter
// by referral code.
func HandleRegisterUser(store *state.Store, refs *referral.Service, clk clockwork.Clock) http.Handler {
	type request struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		RefCode   string `json:"ref_code"`
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
		if err := store.EnsureUser(tgID, req.Username, req.FirstName, req.LastName, clk.Now().UTC()); err != nil {
			writeDomainError(w, err)
			return
		}
		if req.RefCode != "" {
			if err := refs.Attach(tgID, req.RefCode); err != nil {
				writeDomainError(w, err)
				return
			}
		}
		u, err := store.GetUser(tgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, userView(u))
	})
}

// HandleGetUser returns the user row with their subscription window.
func HandleGetUser(store *state.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		u, err := store.GetUser(tgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		view := userView(u)
		sub, err := store.GetSubscription(tgID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			writeDomainError(w, err)
			return
		}
		if err == nil {
			view["subscription"] = map[string]any{
				"start_at":  sub.StartAt,
				"end_at":    sub.EndAt,
				"is_active": sub.IsActive,
				"status":    sub.Status,
			}
		}
		WriteJSON(w, http.StatusOK, view)
	})
}

// HandleForgiveStrikes zeroes the abuse counter.
func HandleForgiveStrikes(store *state.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		if err := store.ForgiveStrikes(tgID); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tg_id": tgID, "strikes": 0})
	})
}

func userView(u model.User) map[string]any {
	return map[string]any{
		"tg_id":       u.TgID,
		"status":      u.Status,
		"strikes":     u.Strikes,
		"ref_code":    u.RefCode,
		"referred_by": u.ReferredBy,
		"username":    u.TgUsername,
	}
}
