// Package sched is the broker's periodic core: a single-leader loop that
// sweeps expirations, rotates seats, sends boundary reminders, releases
// referral holds, polls pending payments, and posts the daily operator
// report. Jobs run in a fixed order inside one tick; each job's failures
// are logged and never block the jobs after it.
package sched

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/outpostvpn/outpost/internal/arbiter"
	"github.com/outpostvpn/outpost/internal/clock"
	"github.com/outpostvpn/outpost/internal/family"
	"github.com/outpostvpn/outpost/internal/notify"
	"github.com/outpostvpn/outpost/internal/payments"
	"github.com/outpostvpn/outpost/internal/referral"
	"github.com/outpostvpn/outpost/internal/scanloop"
	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/wireguard"
	"github.com/outpostvpn/outpost/internal/xray"
)

const (
	reportDateKey  = "report.last_date"
	reportLimit    = 200
	regionPruneLag = 24 * time.Hour
)

// ContentPruner is the slice of the content service the scheduler calls.
type ContentPruner interface {
	Prune() (int64, error)
}

// Config carries the scheduler knobs from env.
type Config struct {
	Period time.Duration
	Jitter time.Duration
	Owner  string // lock owner identity, unique per process
	// Report is the daily-report schedule evaluated in Amsterdam time.
	// Nil falls back to the 12:00 rule.
	Report cron.Schedule
}

// Scheduler owns the tick loop and its job set.
type Scheduler struct {
	store    *state.Store
	wg       *wireguard.Adapter
	xr       *xray.Adapter
	notifier notify.Notifier
	catalog  *notify.Catalog
	family   *family.Service
	referral *referral.Service
	payments *payments.Service
	content  ContentPruner
	clock    clockwork.Clock
	cfg      Config

	stopCh chan struct{}
	waitg  sync.WaitGroup
}

func New(store *state.Store, wg *wireguard.Adapter, xr *xray.Adapter,
	notifier notify.Notifier, catalog *notify.Catalog,
	fam *family.Service, ref *referral.Service, pay *payments.Service,
	content ContentPruner, clk clockwork.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		store: store, wg: wg, xr: xr, notifier: notifier, catalog: catalog,
		family: fam, referral: ref, payments: pay, content: content,
		clock: clk, cfg: cfg, stopCh: make(chan struct{}),
	}
}

// Start launches the loop.
func (s *Scheduler) Start() {
	s.waitg.Add(1)
	go func() {
		defer s.waitg.Done()
		scanloop.Run(s.stopCh, s.cfg.Period, s.cfg.Jitter, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Period)
			defer cancel()
			if err := s.Tick(ctx); err != nil {
				log.Printf("[sched] tick: %v", err)
			}
		})
	}()
	log.Printf("[sched] started, period %s", s.cfg.Period)
}

// Stop terminates the loop and releases the lock.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.waitg.Wait()
	if err := s.store.ReleaseLock(state.SchedulerLockKey, s.cfg.Owner); err != nil {
		log.Printf("[sched] release lock: %v", err)
	}
	log.Printf("[sched] stopped")
}

// Tick runs one scheduler pass under the leader lock.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now().UTC()
	held, err := s.store.TryAcquireLock(state.SchedulerLockKey, s.cfg.Owner, now)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}

	expired := s.sweepExpired(ctx, now)
	pruned := s.pruneRegion(now)
	s.applyRegionState(ctx, now, expired, pruned)

	if err := s.family.RotateDue(ctx); err != nil {
		log.Printf("[sched] rotation: %v", err)
	}
	if err := s.family.SendBoundaryNotices(ctx); err != nil {
		log.Printf("[sched] reminders: %v", err)
	}
	if n, err := s.referral.ReleaseDue(); err != nil {
		log.Printf("[sched] referral release: %v", err)
	} else if n > 0 {
		log.Printf("[sched] released %d referral earnings", n)
	}
	if err := s.payments.PollPending(ctx); err != nil {
		log.Printf("[sched] payment poll: %v", err)
	}
	if s.content != nil {
		if n, err := s.content.Prune(); err != nil {
			log.Printf("[sched] content prune: %v", err)
		} else if n > 0 {
			log.Printf("[sched] pruned %d content tokens", n)
		}
	}
	if err := s.maybeDailyReport(ctx, now, false); err != nil {
		log.Printf("[sched] daily report: %v", err)
	}
	return nil
}

// sweepExpired flips lapsed subscriptions, revokes their WireGuard peers and
// returns the user ids whose region traffic must now be black-holed. Region
// client entries stay in place for a day so a quick renewal needs no new
// config. The DB commit in ExpireSubscription happens before any remote call;
// remote failures leave nothing to retry except the idempotent removals
// themselves.
func (s *Scheduler) sweepExpired(ctx context.Context, now time.Time) []int64 {
	expired, err := s.store.ListExpiredActive(now)
	if err != nil {
		log.Printf("[sched] list expired: %v", err)
		return nil
	}
	var regionUsers []int64
	for _, sub := range expired {
		pubKeys, err := s.store.ExpireSubscription(sub.TgID, now)
		if err != nil {
			log.Printf("[sched] expire %d: %v", sub.TgID, err)
			continue
		}
		for _, pk := range pubKeys {
			if err := s.wg.RemovePeer(ctx, pk); err != nil {
				log.Printf("[sched] expire %d: remove peer: %v", sub.TgID, err)
			}
		}
		regionUsers = append(regionUsers, sub.TgID)

		text, err := s.catalog.Render("subscription_expired", nil)
		if err == nil {
			if err := s.notifier.Notify(ctx, sub.TgID, text); err != nil {
				log.Printf("[sched] expire %d: notify: %v", sub.TgID, err)
			}
		}
		log.Printf("[sched] expired subscription of %d", sub.TgID)
	}
	return regionUsers
}

// pruneRegion returns users whose subscription has been lapsed for over a
// day; their region client entries and session rows are dropped.
func (s *Scheduler) pruneRegion(now time.Time) []int64 {
	ids, err := s.store.ListExpiredBefore(now.Add(-regionPruneLag))
	if err != nil {
		log.Printf("[sched] region prune: %v", err)
		return nil
	}
	for _, id := range ids {
		if err := s.store.DeleteSession(id); err != nil {
			log.Printf("[sched] region prune %d: %v", id, err)
		}
	}
	return ids
}

// applyRegionState updates the region config in one write: pruned users lose
// their client entry outright, while freshly expired ones keep it and get
// black-holed by the routing rebuild. The rebuild derives from subscription
// state, so the block survives later rewrites too.
func (s *Scheduler) applyRegionState(ctx context.Context, now time.Time, expired, pruned []int64) {
	if len(expired) == 0 && len(pruned) == 0 {
		return
	}
	err := s.xr.Mutate(ctx, func(doc *xray.Document) (bool, error) {
		for _, id := range pruned {
			if _, err := doc.RemoveClient(id); err != nil {
				return false, err
			}
		}
		desired, err := arbiter.DesiredRouting(s.store, doc, now)
		if err != nil {
			return false, err
		}
		doc.ApplyRouting(desired)
		return true, nil
	})
	if err != nil {
		log.Printf("[sched] region state: %v", err)
	}
}

// maybeDailyReport posts the kick report on the first tick at or after 12:00
// Amsterdam not yet recorded for the current Amsterdam date. force bypasses
// both the clock gate and the dedup.
func (s *Scheduler) maybeDailyReport(ctx context.Context, now time.Time, force bool) error {
	date := clock.AmsterdamDate(now)
	if !force {
		if !s.reportDue(now) {
			return nil
		}
		last, err := s.store.GetJobState(reportDateKey)
		if err != nil {
			return err
		}
		if last == date {
			return nil
		}
	}
	text, err := s.family.BuildDailyReport(reportLimit)
	if err != nil {
		return err
	}
	if err := s.notifier.NotifyAdmin(ctx, text); err != nil {
		return err
	}
	if !force {
		if err := s.store.SetJobState(reportDateKey, date, now); err != nil {
			return err
		}
	}
	log.Printf("[sched] daily report posted for %s (force=%v)", date, force)
	return nil
}

// reportDue reports whether today's scheduled firing has passed. With a cron
// schedule the firing is the first match after Amsterdam midnight; without
// one it is 12:00 Amsterdam.
func (s *Scheduler) reportDue(now time.Time) bool {
	if s.cfg.Report == nil {
		return clock.AfterAmsterdamNoon(now)
	}
	local := now.In(clock.Amsterdam)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, clock.Amsterdam)
	fireAt := s.cfg.Report.Next(midnight)
	return fireAt.Day() == local.Day() && !local.Before(fireAt)
}

// ForceReport posts the report immediately regardless of time or dedup; the
// operator command path uses it.
func (s *Scheduler) ForceReport(ctx context.Context) error {
	return s.maybeDailyReport(ctx, s.clock.Now().UTC(), true)
}
