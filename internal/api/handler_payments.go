package api

import (
	"net/http"

	"github.com/outpostvpn/outpost/internal/payments"
)

// HandleStartCheckout opens a provider transaction for the user.
func HandleStartCheckout(pays *payments.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tgID, ok := pathInt64(w, r, "tg_id")
		if !ok {
			return
		}
		checkout, err := pays.StartCheckout(r.Context(), tgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"payment_id": checkout.PaymentID,
			"pay_url":    checkout.PayURL,
		})
	})
}

// HandleConfirmPayment polls the provider once and applies the payment when
// settled.
func HandleConfirmPayment(pays *payments.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt64(w, r, "id")
		if !ok {
			return
		}
		paid, err := pays.ConfirmIfPaid(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"payment_id": id, "paid": paid})
	})
}
