package content

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/testutil"
)

func newService(t *testing.T) (*Service, *clockwork.FakeClock) {
	t.Helper()
	store := testutil.NewStore(t)
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, err := NewService(store, clk, 15*time.Minute)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, clk
}

func TestIssueResolveSingleUse(t *testing.T) {
	svc, _ := newService(t)

	token, err := svc.Issue(42, "https://cdn.example/v/1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" {
		t.Fatalf("empty token")
	}

	url, err := svc.Resolve(token)
	if err != nil || url != "https://cdn.example/v/1" {
		t.Fatalf("resolve: url=%q err=%v", url, err)
	}
	if _, err := svc.Resolve(token); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("second resolve must miss: %v", err)
	}
}

func TestResolveExpiredToken(t *testing.T) {
	svc, clk := newService(t)

	token, err := svc.Issue(42, "https://cdn.example/v/1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.Advance(16 * time.Minute)

	if _, err := svc.Resolve(token); !errors.Is(err, state.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	// The stale row is consumed: later attempts just miss.
	if _, err := svc.Resolve(token); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expired token must be gone: %v", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	svc, _ := newService(t)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		token, err := svc.Issue(42, "https://cdn.example/v/1")
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		if seen[token] {
			t.Fatalf("token repeated: %s", token)
		}
		seen[token] = true
	}
}

func TestPruneDropsExpiredRows(t *testing.T) {
	svc, clk := newService(t)

	stale, err := svc.Issue(42, "https://cdn.example/v/1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.Advance(16 * time.Minute)
	fresh, err := svc.Issue(42, "https://cdn.example/v/2")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	n, err := svc.Prune()
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	if _, err := svc.Resolve(stale); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("stale token survived: %v", err)
	}
	if url, err := svc.Resolve(fresh); err != nil || url != "https://cdn.example/v/2" {
		t.Fatalf("fresh token lost: url=%q err=%v", url, err)
	}
}
