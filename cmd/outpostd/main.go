// Command outpostd runs the subscription access broker: the scheduler core,
// the session arbiter, and their supporting services wired over one SQLite
// database and two remote hosts.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // Amsterdam zone without relying on host tzdata

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/outpostvpn/outpost/internal/api"
	"github.com/outpostvpn/outpost/internal/arbiter"
	"github.com/outpostvpn/outpost/internal/buildinfo"
	"github.com/outpostvpn/outpost/internal/config"
	"github.com/outpostvpn/outpost/internal/content"
	"github.com/outpostvpn/outpost/internal/entitlement"
	"github.com/outpostvpn/outpost/internal/family"
	"github.com/outpostvpn/outpost/internal/geoip"
	"github.com/outpostvpn/outpost/internal/notify"
	"github.com/outpostvpn/outpost/internal/payments"
	"github.com/outpostvpn/outpost/internal/ratelimit"
	"github.com/outpostvpn/outpost/internal/referral"
	"github.com/outpostvpn/outpost/internal/sched"
	"github.com/outpostvpn/outpost/internal/sshrun"
	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/vault"
	"github.com/outpostvpn/outpost/internal/wireguard"
	"github.com/outpostvpn/outpost/internal/xray"
)

// shapeRateKbs caps per-session bandwidth when traffic shaping is enabled.
const shapeRateKbs = 8192

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.Printf("[main] outpostd %s", buildinfo.String())

	if err := run(); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func run() error {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	db, err := state.OpenDB(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := state.Migrate(db); err != nil {
		return err
	}
	store := state.New(db)

	keyVault, err := vault.New(cfg.KeyEncryptSecret)
	if err != nil {
		return err
	}

	vpnRunner, err := sshrun.NewClient(sshrun.Config{
		Host: cfg.VPNSSHHost, Port: cfg.VPNSSHPort, User: cfg.VPNSSHUser,
		Password: cfg.VPNSSHPassword, PrivateKeyPEM: cfg.VPNSSHKeyPEM, Label: "vpn",
	})
	if err != nil {
		return err
	}
	regionRunner, err := sshrun.NewClient(sshrun.Config{
		Host: cfg.RegionSSHHost, Port: cfg.RegionSSHPort, User: cfg.RegionSSHUser,
		Password: cfg.RegionSSHPassword, PrivateKeyPEM: cfg.RegionSSHKeyPEM, Label: "region",
	})
	if err != nil {
		return err
	}

	wgAdapter := wireguard.NewAdapter(vpnRunner, cfg.VPNInterface)
	xrAdapter := xray.NewAdapter(regionRunner, cfg.XrayConfigPath, cfg.XrayAccessLog)

	resolver, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		return err
	}
	defer resolver.Close()

	catalog, err := notify.LoadCatalog()
	if err != nil {
		return err
	}
	clk := clockwork.NewRealClock()

	// The chat transport implements notify.Notifier and is wired by the bot
	// process; standalone the broker logs deliveries.
	var notifier notify.Notifier = notify.LogNotifier{}
	paced := notify.NewPaced(notifier, ratelimit.NewPerKey(cfg.NotifyPace, clk))

	ents := entitlement.NewService(store, keyVault, wgAdapter, xrAdapter, clk,
		entitlement.WireGuardConfig{
			ServerPublicKey: cfg.VPNServerPubKey,
			Endpoint:        cfg.VPNEndpoint,
			AllowedIPs:      cfg.VPNAllowedIPs,
			DNS:             cfg.VPNDNS,
			Network:         cfg.VPNNetwork,
			ServerCode:      "nl",
		},
		entitlement.VlessConfig{
			Host: cfg.VlessHost, Port: cfg.VlessPort, SNI: cfg.VlessSNI,
			PublicKey: cfg.VlessPublicKey, ShortID: cfg.VlessShortID,
			Fingerprint: cfg.VlessFingerprint, Flow: cfg.VlessFlow,
			Label: cfg.VlessLabel, MaxClients: cfg.MaxRegionClients,
		})

	refs := referral.NewService(store, clk, referral.Config{
		HoldDays:  cfg.ReferralHoldDays,
		MinPayout: cfg.ReferralMinPayout,
	})
	provider := payments.NewClient(payments.ProviderConfig{
		BaseURL:    cfg.PaymentsBaseURL,
		MerchantID: cfg.PaymentsMerchantID,
		Secret:     cfg.PaymentsSecret,
		ReturnURL:  cfg.PaymentsReturnURL,
		FailedURL:  cfg.PaymentsFailedURL,
	})
	pays := payments.NewService(store, provider, refs, clk, payments.PriceConfig{
		Amount: cfg.PriceAmount, Currency: cfg.PriceCurrency, Months: cfg.PriceMonths,
	})
	tokens, err := content.NewService(store, clk, cfg.ContentTokenTTL)
	if err != nil {
		return err
	}
	fam := family.NewService(store, notifier, catalog, nil, clk, cfg.NotifyWindowsDays)

	owner := lockOwner()
	reportSchedule, err := cron.ParseStandard(cfg.ReportSchedule)
	if err != nil {
		return err
	}

	var shaper arbiter.Shaper
	if cfg.TrafficShapeEnabled {
		shaper = arbiter.NewTCShaper(regionRunner, "ifb0", shapeRateKbs)
	}

	arb := arbiter.New(store, xrAdapter, paced, catalog, resolver, shaper, clk,
		arbiter.Config{
			Period:    cfg.ArbiterPeriod,
			TailLines: cfg.ArbiterTailLines,
			Owner:     owner,
		})
	core := sched.New(store, wgAdapter, xrAdapter, notifier, catalog,
		fam, refs, pays, tokens, clk, sched.Config{
			Period: cfg.SchedulerPeriod,
			Jitter: cfg.SchedulerPeriod / 4,
			Owner:  owner,
			Report: reportSchedule,
		})

	server := api.NewServer(cfg.APIPort, cfg.APIAdminToken, cfg.APIMaxBodyBytes, api.Deps{
		Store:       store,
		Entitlement: ents,
		Referral:    refs,
		Payments:    pays,
		Content:     tokens,
		Scheduler:   core,
		Clock:       clk,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SchedulerEnabled {
		core.Start()
	} else {
		log.Printf("[main] scheduler disabled by config")
	}
	arb.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[main] operator API listening on :%d", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("[main] shutting down")
	case err := <-serverErr:
		log.Printf("[main] api server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] api shutdown: %v", err)
	}
	arb.Stop()
	if cfg.SchedulerEnabled {
		core.Stop()
	}
	return nil
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
