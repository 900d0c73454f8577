package sched

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/outpostvpn/outpost/internal/family"
	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/notify"
	"github.com/outpostvpn/outpost/internal/payments"
	"github.com/outpostvpn/outpost/internal/referral"
	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/testutil"
	"github.com/outpostvpn/outpost/internal/wireguard"
	"github.com/outpostvpn/outpost/internal/xray"
)

const regionConfig = `{
  "inbounds": [
    {"protocol": "vless", "settings": {"clients": [{"id": "aaaa", "email": "tg:42"}]}}
  ],
  "outbounds": [{"protocol": "freedom", "tag": "direct"}]
}`

type recordingNotifier struct {
	user  []string
	admin []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ int64, text string) error {
	n.user = append(n.user, text)
	return nil
}

func (n *recordingNotifier) NotifyAdmin(_ context.Context, text string) error {
	n.admin = append(n.admin, text)
	return nil
}

type idleProvider struct{}

func (idleProvider) CreateTransaction(context.Context, int64, string, string, string) (payments.Transaction, error) {
	return payments.Transaction{}, errors.New("not in use")
}

func (idleProvider) GetTransaction(context.Context, string) (payments.Transaction, error) {
	return payments.Transaction{}, errors.New("not in use")
}

type countingPruner struct{ calls int }

func (p *countingPruner) Prune() (int64, error) {
	p.calls++
	return 0, nil
}

type fixture struct {
	store    *state.Store
	run      *testutil.ScriptRunner
	notifier *recordingNotifier
	pruner   *countingPruner
	core     *Scheduler
	clk      *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	catalog, err := notify.LoadCatalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	run := testutil.NewScriptRunner()
	run.RespondTo("cat /etc/xray/config.json", regionConfig)
	notifier := &recordingNotifier{}
	pruner := &countingPruner{}
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	fam := family.NewService(store, notifier, catalog, nil, clk, []int{7, 3, 1})
	ref := referral.NewService(store, clk, referral.Config{HoldDays: 14, MinPayout: 100})
	pay := payments.NewService(store, idleProvider{}, nil, clk, payments.PriceConfig{Amount: 500, Currency: "RUB", Months: 1})

	report, err := cron.ParseStandard("0 12 * * *")
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	core := New(store,
		wireguard.NewAdapter(run, "wg0"),
		xray.NewAdapter(run, "/etc/xray/config.json", "/var/log/xray/access.log"),
		notifier, catalog, fam, ref, pay, pruner, clk,
		Config{Period: 5 * time.Minute, Owner: "test:1", Report: report})
	return &fixture{store: store, run: run, notifier: notifier, pruner: pruner, core: core, clk: clk}
}

// writtenConfig decodes the config from the most recent remote write command.
func writtenConfig(t *testing.T, run *testutil.ScriptRunner) string {
	t.Helper()
	for i := len(run.Commands) - 1; i >= 0; i-- {
		cmd := run.Commands[i]
		if !strings.Contains(cmd, "base64 -d") {
			continue
		}
		encoded := strings.TrimPrefix(cmd, "echo ")
		encoded, _, _ = strings.Cut(encoded, " |")
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("decode written config: %v", err)
		}
		return string(raw)
	}
	t.Fatalf("no config write found: %v", run.Commands)
	return ""
}

func TestTickSweepsExpiredSubscription(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now().UTC()

	if err := f.store.EnsureUser(42, "u", "f", "l", now); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := f.store.SaveSubscription(model.Subscription{
		TgID: 42, StartAt: now.AddDate(0, -1, 0), EndAt: now.Add(-time.Hour),
		IsActive: true, Status: model.SubStatusActive,
	}); err != nil {
		t.Fatalf("seed sub: %v", err)
	}
	if _, err := f.store.InsertPeer(model.VpnPeer{
		TgID: 42, ClientPublicKey: "pub-42", ClientPrivateKeyEnc: "enc",
		ClientIP: "10.66.0.44", ServerCode: "nl", IsActive: true, CreatedAt: now,
	}, "", now); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	sub, err := f.store.GetSubscription(42)
	if err != nil || sub.IsActive || sub.Status != model.SubStatusExpired {
		t.Fatalf("subscription: %+v err=%v", sub, err)
	}
	if !f.run.Ran("wg set wg0 peer pub-42 remove") {
		t.Fatalf("peer not removed: %v", f.run.Commands)
	}
	if !f.run.Ran("systemctl restart xray") {
		t.Fatalf("region config not rewritten: %v", f.run.Commands)
	}
	// The client entry stays for a day; only its traffic is black-holed.
	cfg := writtenConfig(t, f.run)
	if !strings.Contains(cfg, `"tg:42"`) || !strings.Contains(cfg, `"aaaa"`) {
		t.Fatalf("client entry dropped at expiry:\n%s", cfg)
	}
	if !strings.Contains(cfg, `"outpost:block"`) || !strings.Contains(cfg, `"blackhole"`) {
		t.Fatalf("expired user not black-holed:\n%s", cfg)
	}
	found := false
	for _, text := range f.notifier.user {
		if strings.Contains(text, "expired") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expiry notice missing: %+v", f.notifier.user)
	}
	if f.pruner.calls != 1 {
		t.Fatalf("content prune not invoked: %d", f.pruner.calls)
	}

	// Second tick: nothing left to sweep, no second config write.
	before := len(f.run.Commands)
	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	for _, cmd := range f.run.Commands[before:] {
		if strings.Contains(cmd, "systemctl restart") || strings.Contains(cmd, "wg set") {
			t.Fatalf("idle tick touched the hosts: %v", cmd)
		}
	}
}

func TestTickPrunesRegionClientAfterLag(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now().UTC()

	if err := f.store.EnsureUser(42, "u", "f", "l", now); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := f.store.SaveSubscription(model.Subscription{
		TgID: 42, StartAt: now.AddDate(0, -1, 0), EndAt: now.Add(-time.Hour),
		IsActive: true, Status: model.SubStatusActive,
	}); err != nil {
		t.Fatalf("seed sub: %v", err)
	}

	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("expiry tick: %v", err)
	}
	if cfg := writtenConfig(t, f.run); !strings.Contains(cfg, `"tg:42"`) {
		t.Fatalf("client dropped before the prune lag:\n%s", cfg)
	}

	// A day later the lapsed client entry is dropped for real.
	f.clk.Advance(25 * time.Hour)
	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("prune tick: %v", err)
	}
	cfg := writtenConfig(t, f.run)
	if strings.Contains(cfg, `"tg:42"`) || strings.Contains(cfg, `"aaaa"`) {
		t.Fatalf("client entry survived the prune:\n%s", cfg)
	}
}

func TestDailyReportCapsAtTwoHundredLines(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now().UTC()

	for i := int64(1); i <= 201; i++ {
		if err := f.store.EnsureUser(i, "u", "f", "l", now); err != nil {
			t.Fatalf("seed user %d: %v", i, err)
		}
		if err := f.store.SaveSubscription(model.Subscription{
			TgID: i, StartAt: now.AddDate(0, -1, 0), EndAt: now.Add(-time.Hour),
			IsActive: false, Status: model.SubStatusExpired,
		}); err != nil {
			t.Fatalf("seed sub %d: %v", i, err)
		}
		if _, err := f.store.UpsertMembership(model.Membership{
			TgID: i, AccountLogin: fmt.Sprintf("fam-%d", i), CoverageEndAt: now.Add(time.Hour),
		}); err != nil {
			t.Fatalf("seed membership %d: %v", i, err)
		}
	}

	if err := f.core.ForceReport(context.Background()); err != nil {
		t.Fatalf("force: %v", err)
	}
	if len(f.notifier.admin) != 1 {
		t.Fatalf("report not posted: %+v", f.notifier.admin)
	}
	if n := strings.Count(f.notifier.admin[0], "•"); n != 200 {
		t.Fatalf("report lines: got %d, want 200", n)
	}
}

func TestDailyReportNoonGateAndDedup(t *testing.T) {
	f := newFixture(t)

	// 09:00 UTC is 10:00 Amsterdam: before the scheduled firing.
	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.notifier.admin) != 0 {
		t.Fatalf("report posted before noon: %+v", f.notifier.admin)
	}

	// 11:30 UTC is 12:30 Amsterdam (CET): the firing has passed.
	f.clk.Advance(2*time.Hour + 30*time.Minute)
	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.notifier.admin) != 1 {
		t.Fatalf("report not posted: %+v", f.notifier.admin)
	}
	if !strings.Contains(f.notifier.admin[0], "2026-03-10") {
		t.Fatalf("report date: %q", f.notifier.admin[0])
	}

	// Same day again: deduped.
	f.clk.Advance(time.Hour)
	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.notifier.admin) != 1 {
		t.Fatalf("report duplicated: %+v", f.notifier.admin)
	}

	// Next day after noon: posted again with the new date.
	f.clk.Advance(24 * time.Hour)
	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.notifier.admin) != 2 || !strings.Contains(f.notifier.admin[1], "2026-03-11") {
		t.Fatalf("next-day report: %+v", f.notifier.admin)
	}
}

func TestForceReportBypassesGateAndDedup(t *testing.T) {
	f := newFixture(t)

	// Before noon: the gate would hold a scheduled report back.
	if err := f.core.ForceReport(context.Background()); err != nil {
		t.Fatalf("force: %v", err)
	}
	if len(f.notifier.admin) != 1 {
		t.Fatalf("forced report not posted: %+v", f.notifier.admin)
	}

	// Force does not consume the day: the scheduled report still fires.
	f.clk.Advance(2*time.Hour + 30*time.Minute)
	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.notifier.admin) != 2 {
		t.Fatalf("scheduled report suppressed by force: %+v", f.notifier.admin)
	}

	// Force again after the scheduled one: still posts, dedup ignored.
	if err := f.core.ForceReport(context.Background()); err != nil {
		t.Fatalf("second force: %v", err)
	}
	if len(f.notifier.admin) != 3 {
		t.Fatalf("second force suppressed: %+v", f.notifier.admin)
	}
}

func TestTickRequiresLeadership(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.TryAcquireLock(state.SchedulerLockKey, "other:2", f.clk.Now().UTC()); err != nil {
		t.Fatalf("foreign acquire: %v", err)
	}

	if err := f.core.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.run.Commands) != 0 || f.pruner.calls != 0 {
		t.Fatalf("non-leader ran jobs: %v, prunes=%d", f.run.Commands, f.pruner.calls)
	}
}
