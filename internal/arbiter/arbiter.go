// Package arbiter enforces one active device per region-VPN user. It tails
// the remote access log, tracks the most recent device per user, and rewrites
// the managed routing rules so that only that device routes while everything
// else from the same account is black-holed.
package arbiter

import (
	"context"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/geoip"
	"github.com/outpostvpn/outpost/internal/notify"
	"github.com/outpostvpn/outpost/internal/scanloop"
	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/xray"
)

// highWaterKey stores the newest processed log timestamp so overlapping tail
// batches never replay old device switches.
const highWaterKey = "arbiter.high_water_ns"

// Shaper optionally applies traffic shaping for the active session IPs.
type Shaper interface {
	Apply(ctx context.Context, activeIPs []string) error
}

// Config carries the arbiter knobs from env.
type Config struct {
	Period    time.Duration
	TailLines int
	Owner     string // lock owner identity, unique per process
}

// Arbiter is the session-enforcement loop.
type Arbiter struct {
	store    *state.Store
	xr       *xray.Adapter
	notifier notify.Notifier
	catalog  *notify.Catalog
	resolver *geoip.Resolver // nil-safe via disabled resolver
	shaper   Shaper          // nil when shaping is off
	clock    clockwork.Clock
	cfg      Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(store *state.Store, xr *xray.Adapter, notifier notify.Notifier,
	catalog *notify.Catalog, resolver *geoip.Resolver, shaper Shaper,
	clk clockwork.Clock, cfg Config) *Arbiter {
	return &Arbiter{
		store: store, xr: xr, notifier: notifier, catalog: catalog,
		resolver: resolver, shaper: shaper, clock: clk, cfg: cfg,
		stopCh: make(chan struct{}),
	}
}

// Start launches the loop.
func (a *Arbiter) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		scanloop.Run(a.stopCh, a.cfg.Period, scanloop.DefaultJitterRange, func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Period)
			defer cancel()
			if err := a.Tick(ctx); err != nil {
				log.Printf("[arbiter] tick: %v", err)
			}
		})
	}()
	log.Printf("[arbiter] started, period %s", a.cfg.Period)
}

// Stop terminates the loop and releases the lock.
func (a *Arbiter) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	if err := a.store.ReleaseLock(state.ArbiterLockKey, a.cfg.Owner); err != nil {
		log.Printf("[arbiter] release lock: %v", err)
	}
	log.Printf("[arbiter] stopped")
}

// Tick runs one arbitration pass. Only the lock holder proceeds; everyone
// else returns immediately so replicas never double-write the remote config.
func (a *Arbiter) Tick(ctx context.Context) error {
	now := a.clock.Now().UTC()
	held, err := a.store.TryAcquireLock(state.ArbiterLockKey, a.cfg.Owner, now)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}

	lines, err := a.xr.TailAccessLog(ctx, a.cfg.TailLines)
	if err != nil {
		return err
	}
	highWater, err := a.loadHighWater()
	if err != nil {
		return err
	}
	events := xray.ParseAccessLines(lines, highWater)

	active, err := a.store.ActiveUserIDs(now)
	if err != nil {
		return err
	}

	maxSeen := highWater
	for tgID, ev := range events {
		if ev.Time.After(maxSeen) {
			maxSeen = ev.Time
		}
		// Lapsed traffic needs no session row: the derived routing below
		// already black-holes every configured client without an active
		// subscription.
		if !active[tgID] {
			continue
		}
		prevIP, switched, err := a.store.TouchSession(tgID, ev.SourceIP, ev.Time)
		if err != nil {
			return err
		}
		if switched {
			a.announceSwitch(ctx, tgID, prevIP, ev.SourceIP)
		}
	}

	var desired xray.RoutingState
	err = a.xr.Mutate(ctx, func(doc *xray.Document) (bool, error) {
		desired, err = DesiredRouting(a.store, doc, now)
		if err != nil {
			return false, err
		}
		doc.ApplyRouting(desired)
		return true, nil
	})
	if err != nil {
		return err
	}

	if a.shaper != nil {
		ips := make([]string, 0, len(desired.ActiveIPByUser))
		for _, ip := range desired.ActiveIPByUser {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		if err := a.shaper.Apply(ctx, ips); err != nil {
			log.Printf("[arbiter] shaper: %v", err)
		}
	}

	// Persist the high-water mark only after routing applied, so a crashed
	// tick replays its batch rather than losing it.
	if maxSeen.After(highWater) {
		if err := a.store.SetJobState(highWaterKey, strconv.FormatInt(maxSeen.UnixNano(), 10), now); err != nil {
			return err
		}
	}
	return nil
}

// DesiredRouting derives the managed routing state from persistent records
// rather than from the current tail batch: every configured client without an
// active subscription is black-holed, and every active user with a recorded
// session IP is pinned to it. Because ApplyRouting rebuilds the managed rules
// from scratch, deriving from the store is what keeps an expired user blocked
// across ticks that see no traffic from them.
func DesiredRouting(store *state.Store, doc *xray.Document, now time.Time) (xray.RoutingState, error) {
	active, err := store.ActiveUserIDs(now)
	if err != nil {
		return xray.RoutingState{}, err
	}
	clients, err := doc.Clients()
	if err != nil {
		return xray.RoutingState{}, err
	}
	var blocked []int64
	for _, c := range clients {
		id, ok := xray.UserForEmail(c.Email)
		if !ok {
			continue
		}
		if !active[id] {
			blocked = append(blocked, id)
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })

	ipByUser, err := store.ActiveIPByUser()
	if err != nil {
		return xray.RoutingState{}, err
	}
	steered := make(map[int64]string, len(ipByUser))
	for id, ip := range ipByUser {
		if active[id] {
			steered[id] = ip
		}
	}
	return xray.RoutingState{BlockedUsers: blocked, ActiveIPByUser: steered}, nil
}

func (a *Arbiter) loadHighWater() (time.Time, error) {
	v, err := a.store.GetJobState(highWaterKey)
	if err != nil {
		return time.Time{}, err
	}
	if v == "" {
		return time.Time{}, nil
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(0, ns).UTC(), nil
}

func (a *Arbiter) announceSwitch(ctx context.Context, tgID int64, prevIP, newIP string) {
	annotated := newIP
	if a.resolver != nil {
		if cc := a.resolver.Country(newIP); cc != "" {
			annotated = newIP + ", " + cc
		}
	}
	text, err := a.catalog.Render("device_switched", map[string]any{
		"NewIP": annotated,
		"OldIP": prevIP,
	})
	if err != nil {
		log.Printf("[arbiter] render switch notice: %v", err)
		return
	}
	if err := a.notifier.Notify(ctx, tgID, text); err != nil {
		log.Printf("[arbiter] notify %d: %v", tgID, err)
	}
	log.Printf("[arbiter] user %d switched device %s -> %s", tgID, prevIP, newIP)
}
