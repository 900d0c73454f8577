// Package content issues short-lived single-use tokens that gate access to
// protected content URLs.
package content

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/maypok86/otter"

	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/state"
)

const tokenBytes = 24

// Service issues and resolves content tokens. A small in-process cache keeps
// the hot token->URL mapping off the DB for the common issue-then-open-
// immediately flow; the DB row stays authoritative for single-use.
type Service struct {
	store *state.Store
	clock clockwork.Clock
	ttl   time.Duration
	cache otter.Cache[string, string]
}

func NewService(store *state.Store, clk clockwork.Clock, ttl time.Duration) (*Service, error) {
	cache, err := otter.MustBuilder[string, string](1024).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("content: build cache: %w", err)
	}
	return &Service{store: store, clock: clk, ttl: ttl, cache: cache}, nil
}

// Issue mints a token for the URL and persists it.
func (s *Service) Issue(userID int64, contentURL string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("content: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock.Now().UTC()
	_, err := s.store.InsertContentRequest(model.ContentRequest{
		UserID:     userID,
		Token:      token,
		ContentURL: contentURL,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	})
	if err != nil {
		return "", err
	}
	s.cache.Set(token, contentURL)
	return token, nil
}

// Resolve consumes a token and returns its URL. The DB decides validity;
// the cache only short-circuits the URL lookup for tokens it still holds.
func (s *Service) Resolve(token string) (string, error) {
	req, err := s.store.ConsumeContentToken(token, s.clock.Now().UTC())
	if err != nil {
		s.cache.Delete(token)
		return "", err
	}
	if url, ok := s.cache.Get(token); ok {
		s.cache.Delete(token)
		return url, nil
	}
	return req.ContentURL, nil
}

// Prune drops expired rows; wired into the scheduler's housekeeping.
func (s *Service) Prune() (int64, error) {
	return s.store.PruneContentRequests(s.clock.Now().UTC())
}
