package api

import (
	"net/http"

	"github.com/outpostvpn/outpost/internal/content"
)

// HandleIssueContentToken mints a single-use token for a content URL.
func HandleIssueContentToken(tokens *content.Service) http.Handler {
	type request struct {
		UserID     int64  `json:"user_id"`
		ContentURL string `json:"content_url"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == 0 || req.ContentURL == "" {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "user_id and content_url are required")
			return
		}
		token, err := tokens.Issue(req.UserID, req.ContentURL)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"token": token})
	})
}

// HandleResolveContentToken consumes a token and returns its URL.
func HandleResolveContentToken(tokens *content.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		url, err := tokens.Resolve(r.PathValue("token"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"content_url": url})
	})
}
