package api

import (
	"net/http"

	"github.com/outpostvpn/outpost/internal/buildinfo"
)

// HandleHealthz reports liveness and build info. Unauthenticated.
func HandleHealthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
			"commit":  buildinfo.GitCommit,
		})
	})
}
