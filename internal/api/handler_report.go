package api

import (
	"net/http"

	"github.com/outpostvpn/outpost/internal/sched"
)

// HandleForceReport posts the daily kick report immediately, bypassing the
// noon gate and the once-per-day dedup.
func HandleForceReport(core *sched.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := core.ForceReport(r.Context()); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"posted": true})
	})
}
