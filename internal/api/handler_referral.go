package api

import (
	"net/http"

	"github.com/outpostvpn/outpost/internal/referral"
)

// HandleReferralSummary returns the user's invite code and available balance.
func HandleReferralSummary(refs *referral.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		code, err := refs.EnsureRefCode(tgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		balance, err := refs.Balance(tgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"tg_id":    tgID,
			"ref_code": code,
			"balance":  balance,
		})
	})
}

// HandleRequestPayout reserves available earnings against a new payout.
func HandleRequestPayout(refs *referral.Service) http.Handler {
	type request struct {
		Amount     int64  `json:"amount"`
		Requisites string `json:"requisites"`
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
		id, err := refs.RequestPayout(tgID, req.Amount, req.Requisites)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"payout_id": id})
	})
}

// HandleSettlePayout marks a payout request paid.
func HandleSettlePayout(refs *referral.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt64(w, r, "id")
		if !ok {
			return
		}
		if err := refs.SettlePayout(id); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"payout_id": id, "status": "paid"})
	})
}

// HandleRejectPayout returns a payout's reserved lines to the pool.
func HandleRejectPayout(refs *referral.Service) http.Handler {
	type request struct {
		Note string `json:"note"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt64(w, r, "id")
		if !ok {
			return
		}
		var req request
		if !decodeBody(w, r, &req) {
			return
		}
		if err := refs.RejectPayout(id, req.Note); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"payout_id": id, "status": "rejected"})
	})
}
