// Package config handles environment-based configuration loading. All options
// are read once at startup into an immutable EnvConfig; there is no runtime
// reload. Unknown environment variables are ignored, missing required ones
// abort startup.
package config

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Identity / front-end
	BotToken    string
	DatabaseDSN string
	OwnerChatID int64

	// WireGuard host SSH
	VPNSSHHost       string
	VPNSSHPort       int
	VPNSSHUser       string
	VPNSSHPassword   string
	VPNSSHKeyPEM     []byte // decoded from base64; nil when password auth is used
	VPNServerPubKey  string
	VPNEndpoint      string
	VPNAllowedIPs    string
	VPNDNS           string
	VPNNetwork       netip.Prefix
	VPNInterface     string
	KeyEncryptSecret string

	// Region (Xray) host SSH
	RegionSSHHost     string
	RegionSSHPort     int
	RegionSSHUser     string
	RegionSSHPassword string
	RegionSSHKeyPEM   []byte

	// Xray
	XrayConfigPath   string
	XrayAPIPort      int
	XrayAccessLog    string
	MaxRegionClients int
	GeoIPDBPath      string

	// VLESS share-link parts
	VlessHost        string
	VlessPort        int
	VlessSNI         string
	VlessPublicKey   string
	VlessShortID     string
	VlessFingerprint string
	VlessFlow        string
	VlessLabel       string

	// Payments
	PaymentsBaseURL    string
	PaymentsMerchantID string
	PaymentsSecret     string
	PaymentsReturnURL  string
	PaymentsFailedURL  string
	PriceAmount        int64
	PriceCurrency      string
	PriceMonths        int

	// Referral ledger
	ReferralHoldDays  int
	ReferralMinPayout int64

	// Operator API
	APIPort         int
	APIAdminToken   string
	APIMaxBodyBytes int64

	// Loops
	SchedulerEnabled    bool
	SchedulerPeriod     time.Duration
	ArbiterPeriod       time.Duration
	ArbiterTailLines    int
	ReportSchedule      string
	NotifyWindowsDays   []int
	NotifyPace          time.Duration
	// AutoDeleteTimeout is how long sensitive chat messages (rendered VPN
	// configs) live before the chat transport deletes them.
	AutoDeleteTimeout   time.Duration
	ContentTokenTTL     time.Duration
	TrafficShapeEnabled bool
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every problem if any required variable is missing
// or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Identity ---
	cfg.BotToken = requireStr("OUTPOST_BOT_TOKEN", &errs)
	cfg.DatabaseDSN = envStr("OUTPOST_DATABASE_DSN", "/var/lib/outpost/outpost.db")
	cfg.OwnerChatID = envInt64("OUTPOST_OWNER_CHAT_ID", 0, &errs)

	// --- WireGuard host ---
	cfg.VPNSSHHost = requireStr("OUTPOST_VPN_SSH_HOST", &errs)
	cfg.VPNSSHPort = envInt("OUTPOST_VPN_SSH_PORT", 22, &errs)
	cfg.VPNSSHUser = envStr("OUTPOST_VPN_SSH_USER", "root")
	cfg.VPNSSHPassword = envStr("OUTPOST_VPN_SSH_PASSWORD", "")
	cfg.VPNSSHKeyPEM = envBase64("OUTPOST_VPN_SSH_KEY_B64", &errs)
	cfg.VPNServerPubKey = requireStr("OUTPOST_VPN_SERVER_PUBLIC_KEY", &errs)
	cfg.VPNEndpoint = requireStr("OUTPOST_VPN_ENDPOINT", &errs)
	cfg.VPNAllowedIPs = envStr("OUTPOST_VPN_ALLOWED_IPS", "0.0.0.0/0")
	cfg.VPNDNS = envStr("OUTPOST_VPN_DNS", "1.1.1.1")
	cfg.VPNInterface = envStr("OUTPOST_VPN_INTERFACE", "wg0")
	cfg.KeyEncryptSecret = requireStr("OUTPOST_KEY_ENCRYPTION_SECRET", &errs)

	network := envStr("OUTPOST_VPN_NETWORK", "10.66.0.0/16")
	prefix, err := netip.ParsePrefix(network)
	if err != nil {
		errs = append(errs, fmt.Sprintf("OUTPOST_VPN_NETWORK: invalid prefix %q: %v", network, err))
	} else {
		cfg.VPNNetwork = prefix
	}

	// --- Region host ---
	cfg.RegionSSHHost = requireStr("OUTPOST_REGION_SSH_HOST", &errs)
	cfg.RegionSSHPort = envInt("OUTPOST_REGION_SSH_PORT", 22, &errs)
	cfg.RegionSSHUser = envStr("OUTPOST_REGION_SSH_USER", "root")
	cfg.RegionSSHPassword = envStr("OUTPOST_REGION_SSH_PASSWORD", "")
	cfg.RegionSSHKeyPEM = envBase64("OUTPOST_REGION_SSH_KEY_B64", &errs)

	// --- Xray ---
	cfg.XrayConfigPath = envStr("OUTPOST_XRAY_CONFIG_PATH", "/usr/local/etc/xray/config.json")
	cfg.XrayAPIPort = envInt("OUTPOST_XRAY_API_PORT", 10085, &errs)
	cfg.XrayAccessLog = envStr("OUTPOST_REGION_ACCESS_LOG", "/var/log/xray/access.log")
	cfg.MaxRegionClients = envInt("OUTPOST_MAX_REGION_CLIENTS", 50, &errs)
	cfg.GeoIPDBPath = envStr("OUTPOST_GEOIP_DB_PATH", "")

	// --- VLESS link ---
	cfg.VlessHost = requireStr("OUTPOST_VLESS_HOST", &errs)
	cfg.VlessPort = envInt("OUTPOST_VLESS_PORT", 443, &errs)
	cfg.VlessSNI = requireStr("OUTPOST_VLESS_SNI", &errs)
	cfg.VlessPublicKey = requireStr("OUTPOST_VLESS_PUBLIC_KEY", &errs)
	cfg.VlessShortID = requireStr("OUTPOST_VLESS_SHORT_ID", &errs)
	cfg.VlessFingerprint = envStr("OUTPOST_VLESS_FINGERPRINT", "chrome")
	cfg.VlessFlow = envStr("OUTPOST_VLESS_FLOW", "xtls-rprx-vision")
	cfg.VlessLabel = envStr("OUTPOST_VLESS_LABEL", "outpost")

	// --- Payments ---
	cfg.PaymentsBaseURL = envStr("OUTPOST_PAYMENTS_BASE_URL", "")
	cfg.PaymentsMerchantID = envStr("OUTPOST_PAYMENTS_MERCHANT_ID", "")
	cfg.PaymentsSecret = envStr("OUTPOST_PAYMENTS_SECRET", "")
	cfg.PaymentsReturnURL = envStr("OUTPOST_PAYMENTS_RETURN_URL", "")
	cfg.PaymentsFailedURL = envStr("OUTPOST_PAYMENTS_FAILED_URL", "")
	cfg.PriceAmount = envInt64("OUTPOST_PRICE_AMOUNT", 299, &errs)
	cfg.PriceCurrency = envStr("OUTPOST_PRICE_CURRENCY", "RUB")
	cfg.PriceMonths = envInt("OUTPOST_PRICE_MONTHS", 1, &errs)

	// --- Referral ---
	cfg.ReferralHoldDays = envInt("OUTPOST_REFERRAL_HOLD_DAYS", 14, &errs)
	cfg.ReferralMinPayout = envInt64("OUTPOST_REFERRAL_MIN_PAYOUT", 100, &errs)

	// --- Operator API ---
	cfg.APIPort = envInt("OUTPOST_API_PORT", 8087, &errs)
	cfg.APIAdminToken = requireStr("OUTPOST_API_ADMIN_TOKEN", &errs)
	cfg.APIMaxBodyBytes = envInt64("OUTPOST_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Loops ---
	cfg.SchedulerEnabled = envBool("OUTPOST_SCHEDULER_ENABLED", true, &errs)
	cfg.SchedulerPeriod = envDuration("OUTPOST_SCHEDULER_PERIOD", 30*time.Second, &errs)
	cfg.ArbiterPeriod = envDuration("OUTPOST_ARBITER_PERIOD", 20*time.Second, &errs)
	cfg.ArbiterTailLines = envInt("OUTPOST_ARBITER_TAIL_LINES", 500, &errs)
	cfg.ReportSchedule = envStr("OUTPOST_REPORT_SCHEDULE", "0 12 * * *")
	cfg.NotifyWindowsDays = envIntSlice("OUTPOST_NOTIFY_WINDOWS_DAYS", []int{7, 3, 1}, &errs)
	cfg.NotifyPace = envDuration("OUTPOST_NOTIFY_PACE", time.Minute, &errs)
	cfg.AutoDeleteTimeout = envDuration("OUTPOST_AUTO_DELETE_TIMEOUT", 5*time.Minute, &errs)
	cfg.ContentTokenTTL = envDuration("OUTPOST_CONTENT_TOKEN_TTL", 15*time.Minute, &errs)
	cfg.TrafficShapeEnabled = envBool("OUTPOST_TRAFFIC_SHAPE_ENABLED", false, &errs)

	// --- Validation ---
	if cfg.OwnerChatID == 0 {
		errs = append(errs, "OUTPOST_OWNER_CHAT_ID must be set to a non-zero chat id")
	}
	if cfg.VPNSSHPassword == "" && len(cfg.VPNSSHKeyPEM) == 0 {
		errs = append(errs, "one of OUTPOST_VPN_SSH_PASSWORD or OUTPOST_VPN_SSH_KEY_B64 must be set")
	}
	if cfg.RegionSSHPassword == "" && len(cfg.RegionSSHKeyPEM) == 0 {
		errs = append(errs, "one of OUTPOST_REGION_SSH_PASSWORD or OUTPOST_REGION_SSH_KEY_B64 must be set")
	}
	validatePort("OUTPOST_VPN_SSH_PORT", cfg.VPNSSHPort, &errs)
	validatePort("OUTPOST_REGION_SSH_PORT", cfg.RegionSSHPort, &errs)
	validatePort("OUTPOST_XRAY_API_PORT", cfg.XrayAPIPort, &errs)
	validatePort("OUTPOST_API_PORT", cfg.APIPort, &errs)
	validatePort("OUTPOST_VLESS_PORT", cfg.VlessPort, &errs)
	validatePositive("OUTPOST_MAX_REGION_CLIENTS", cfg.MaxRegionClients, &errs)
	validatePositive("OUTPOST_PRICE_MONTHS", cfg.PriceMonths, &errs)
	validatePositive("OUTPOST_ARBITER_TAIL_LINES", cfg.ArbiterTailLines, &errs)
	if cfg.PriceAmount <= 0 {
		errs = append(errs, fmt.Sprintf("OUTPOST_PRICE_AMOUNT: must be positive, got %d", cfg.PriceAmount))
	}
	if cfg.ReferralHoldDays < 0 {
		errs = append(errs, fmt.Sprintf("OUTPOST_REFERRAL_HOLD_DAYS: must not be negative, got %d", cfg.ReferralHoldDays))
	}
	if cfg.ReferralMinPayout <= 0 {
		errs = append(errs, fmt.Sprintf("OUTPOST_REFERRAL_MIN_PAYOUT: must be positive, got %d", cfg.ReferralMinPayout))
	}
	if cfg.SchedulerPeriod <= 0 {
		errs = append(errs, "OUTPOST_SCHEDULER_PERIOD must be positive")
	}
	if cfg.ArbiterPeriod <= 0 {
		errs = append(errs, "OUTPOST_ARBITER_PERIOD must be positive")
	}
	if cfg.NotifyPace <= 0 {
		errs = append(errs, "OUTPOST_NOTIFY_PACE must be positive")
	}
	if _, err := cron.ParseStandard(cfg.ReportSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("OUTPOST_REPORT_SCHEDULE: invalid cron expression %q: %v", cfg.ReportSchedule, err))
	}
	for _, d := range cfg.NotifyWindowsDays {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("OUTPOST_NOTIFY_WINDOWS_DAYS: windows must be positive, got %d", d))
			break
		}
	}
	if cfg.VPNNetwork.IsValid() && cfg.VPNNetwork.Bits() > 24 {
		errs = append(errs, fmt.Sprintf("OUTPOST_VPN_NETWORK: prefix /%d is too small for the allocation range", cfg.VPNNetwork.Bits()))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func requireStr(key string, errs *[]string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		*errs = append(*errs, fmt.Sprintf("%s must be set", key))
	}
	return v
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBase64(key string, errs *[]string) []byte {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid base64: %v", key, err))
		return nil
	}
	return raw
}

func envIntSlice(key string, defaultVal []int, errs *[]string) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer list %q", key, v))
			return defaultVal
		}
		out = append(out, n)
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
