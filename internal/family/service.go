// Package family manages externally hosted family-plan seats: boundary
// reminders before coverage lapses and seat rotation when it does. The seat
// itself lives on a third-party account; the broker only sees coverage
// windows published into the memberships table.
package family

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/clock"
	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/notify"
	"github.com/outpostvpn/outpost/internal/state"
)

// Rotator is the external collaborator that actually re-seats a member on
// the family account. It returns the new coverage end on success.
type Rotator interface {
	Rotate(ctx context.Context, m model.Membership) (time.Time, error)
}

// Service drives reminders and rotation over the memberships table.
type Service struct {
	store    *state.Store
	notifier notify.Notifier
	catalog  *notify.Catalog
	rotator  Rotator // nil when no rotation backend is wired
	clock    clockwork.Clock
	windows  []int // reminder boundaries in days, e.g. 7,3,1
}

func NewService(store *state.Store, notifier notify.Notifier, catalog *notify.Catalog,
	rotator Rotator, clk clockwork.Clock, windows []int) *Service {
	ws := append([]int(nil), windows...)
	sort.Sort(sort.Reverse(sort.IntSlice(ws)))
	return &Service{store: store, notifier: notifier, catalog: catalog,
		rotator: rotator, clock: clk, windows: ws}
}

func windowColumn(days int) string {
	switch days {
	case 7:
		return state.Notify7d
	case 3:
		return state.Notify3d
	case 1:
		return state.Notify1d
	default:
		return ""
	}
}

// SendBoundaryNotices walks coverage candidates and fires each due reminder
// window at most once. Only members whose subscription still runs get
// reminders; a lapsed subscriber is the kick report's concern, not a
// reminder's. A member who already paid past the coverage boundary keeps
// quiet at 7 and 3 days (access continues across the rotation) and gets the
// renewal notice at 1 day. When several windows became due at once (broker
// was down), only the most imminent one produces a message; the rest are
// marked silently so they never fire late.
func (s *Service) SendBoundaryNotices(ctx context.Context) error {
	now := s.clock.Now().UTC()
	candidates, err := s.store.ListCoverageCandidates()
	if err != nil {
		return err
	}
	for _, m := range candidates {
		sub, err := s.store.GetSubscription(m.TgID)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !sub.IsActive || !sub.EndAt.After(now) {
			continue
		}
		renewed := sub.EndAt.After(m.CoverageEndAt)

		days := clock.DaysUntil(now, m.CoverageEndAt)
		var due []int
		for _, w := range s.windows {
			if days <= w {
				due = append(due, w)
			}
		}
		if len(due) == 0 {
			continue
		}
		// due is descending; the last entry is the message-bearing window.
		speak := due[len(due)-1]
		if renewed && speak != 1 {
			speak = 0
		}
		for _, w := range due {
			if w == speak {
				continue
			}
			if _, err := s.store.NotifyOnce(m.ID, windowColumn(w), now, func() error { return nil }); err != nil {
				return err
			}
		}
		if speak == 0 {
			continue
		}
		if err := s.sendWindow(ctx, m, speak, renewed, now); err != nil {
			log.Printf("[family] reminder %dd for membership %d: %v", speak, m.ID, err)
		}
	}
	return nil
}

func (s *Service) sendWindow(ctx context.Context, m model.Membership, window int, renewed bool, now time.Time) error {
	name := ""
	switch window {
	case 7:
		name = "reminder_7d"
	case 3:
		name = "reminder_3d"
	case 1:
		name = "reminder_1d"
		// A renewed member's seat rotates, access continues.
		if renewed {
			name = "reminder_1d_renewed"
		}
	default:
		return nil
	}

	text, err := s.catalog.Render(name, map[string]any{
		"EndDate": m.CoverageEndAt.In(clock.MSK).Format("02.01.2006"),
	})
	if err != nil {
		return err
	}
	sent, err := s.store.NotifyOnce(m.ID, windowColumn(window), now, func() error {
		return s.notifier.Notify(ctx, m.TgID, text)
	})
	if err != nil {
		return err
	}
	if sent {
		log.Printf("[family] sent %s to %d (membership %d)", name, m.TgID, m.ID)
	}
	return nil
}

// RotateDue re-seats members whose coverage lapsed while their subscription
// is still paid. Lapsed subscribers stay seated until the operator acts on
// the daily report.
func (s *Service) RotateDue(ctx context.Context) error {
	if s.rotator == nil {
		return nil
	}
	now := s.clock.Now().UTC()
	due, err := s.store.ListRotationDue(now)
	if err != nil {
		return err
	}
	active, err := s.store.ActiveUserIDs(now)
	if err != nil {
		return err
	}
	for _, m := range due {
		if !active[m.TgID] {
			continue
		}
		newEnd, err := s.rotator.Rotate(ctx, m)
		if err != nil {
			log.Printf("[family] rotate membership %d: %v", m.ID, err)
			continue
		}
		if err := s.store.SetMembershipCoverage(m.ID, newEnd); err != nil {
			return err
		}
		log.Printf("[family] rotated membership %d, coverage to %s",
			m.ID, newEnd.Format("2006-01-02"))
	}
	return nil
}

// BuildDailyReport renders the operator kick list for the given day.
func (s *Service) BuildDailyReport(limit int) (string, error) {
	now := s.clock.Now().UTC()
	rows, err := s.store.ListKickReport(now, limit)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(rows))
	for _, m := range rows {
		lines = append(lines, m.AccountLogin)
	}
	return s.catalog.Render("daily_report", map[string]any{
		"Date":  clock.AmsterdamDate(now),
		"Lines": lines,
	})
}
