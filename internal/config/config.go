// Package config loads the environment-driven configuration for the
// control plane. Every knob has a production default so a bare environment
// still yields a runnable, conservative setup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ReturnPolicy controls how the risk state machine leaves SAFE mode.
type ReturnPolicy string

const (
	ReturnManual ReturnPolicy = "MANUAL"
	ReturnAuto   ReturnPolicy = "AUTO"
)

// Config is the full runtime configuration.
type Config struct {
	// State store
	RootDir     string
	WriterRole  string
	LastGoodTTL time.Duration

	// Risk mode state machine
	AutoSwitchEnabled        bool
	ReturnPolicy             ReturnPolicy
	ConsecutiveLossTrigger   int
	IntradayDrawdownTrigPct  float64
	HardCutoffDailyLossPct   float64
	OrderFailureCount        int
	OrderFailureWindow       time.Duration
	DataStalenessLimit       time.Duration
	RestTimeoutCount         int
	RestTimeoutWindow        time.Duration
	MinRecoveryHours         int
	RecoveryPnlPct           float64
	RiskProfileFile          string

	// Health aggregator
	FeederFreshLimit    time.Duration
	SignalFreshLimit    time.Duration
	TraderFreshLimit    time.Duration
	PositionFreshLimit  time.Duration
	WriterStallLimit    time.Duration
	SSOTTTL             time.Duration
	MinSnapshotCoverage float64

	// Circuit breaker (global trading breaker)
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	// Oracles
	LiveTTL   time.Duration
	RestTTL   time.Duration
	RedisAddr string

	// Exchange client
	ExchangeBaseURL   string
	ExchangeRPS       float64
	ExchangeAPIKey    string
	ExchangeAPISecret string

	// Live feed
	FeedURL     string
	FeedSymbols []string

	// Ops surface
	HTTPAddr string
	PgDSN    string
}

// FromEnv builds a Config from the environment.
func FromEnv() Config {
	return Config{
		RootDir:     getEnv("GUARDIAN_ROOT", "shared_data"),
		WriterRole:  getEnv("GUARDIAN_ROLE", "monitor"),
		LastGoodTTL: getEnvDuration("GUARDIAN_LAST_GOOD_TTL", 60*time.Second),

		AutoSwitchEnabled:       getEnvBool("SAFE_MODE_AUTO_SWITCH_ENABLED", true),
		ReturnPolicy:            ReturnPolicy(strings.ToUpper(getEnv("SAFE_MODE_RETURN_POLICY", "MANUAL"))),
		ConsecutiveLossTrigger:  getEnvInt("CONSECUTIVE_LOSS_TRIGGER", 3),
		IntradayDrawdownTrigPct: getEnvFloat("INTRADAY_DRAWDOWN_TRIGGER_PCT", 2.0),
		HardCutoffDailyLossPct:  getEnvFloat("HARD_CUTOFF_DAILY_LOSS_PCT", 3.0),
		OrderFailureCount:       getEnvInt("ORDER_FAILURE_COUNT", 3),
		OrderFailureWindow:      getEnvDuration("ORDER_FAILURE_WINDOW", 15*time.Minute),
		DataStalenessLimit:      getEnvDuration("DATA_STALENESS_LIMIT", 3*time.Minute),
		RestTimeoutCount:        getEnvInt("REST_TIMEOUT_COUNT", 5),
		RestTimeoutWindow:       getEnvDuration("REST_TIMEOUT_WINDOW", 10*time.Minute),
		MinRecoveryHours:        getEnvInt("SAFE_MODE_MIN_RECOVERY_HOURS", 12),
		RecoveryPnlPct:          getEnvFloat("SAFE_MODE_RECOVERY_PNL_PCT", 1.0),
		RiskProfileFile:         getEnv("RISK_PROFILE_FILE", ""),

		FeederFreshLimit:    getEnvDuration("FEEDER_FRESH_LIMIT", 60*time.Second),
		SignalFreshLimit:    getEnvDuration("SIGNAL_FRESH_LIMIT", 2*time.Minute),
		TraderFreshLimit:    getEnvDuration("TRADER_FRESH_LIMIT", 2*time.Minute),
		PositionFreshLimit:  getEnvDuration("POSITION_FRESH_LIMIT", 2*time.Minute),
		WriterStallLimit:    getEnvDuration("WRITER_STALL_LIMIT", 90*time.Second),
		SSOTTTL:             getEnvDuration("HEALTH_SSOT_TTL", 60*time.Second),
		MinSnapshotCoverage: getEnvFloat("MIN_SNAPSHOT_COVERAGE_PCT", 60.0),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      getEnvDuration("BREAKER_OPEN_TIMEOUT", 2*time.Minute),

		LiveTTL:   getEnvDuration("ORACLE_LIVE_TTL", 5*time.Second),
		RestTTL:   getEnvDuration("ORACLE_REST_TTL", 30*time.Second),
		RedisAddr: getEnv("REDIS_ADDR", ""),

		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.binance.com"),
		ExchangeRPS:       getEnvFloat("EXCHANGE_RPS", 5.0),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),

		FeedURL:     getEnv("FEED_WS_URL", ""),
		FeedSymbols: splitList(getEnv("FEED_SYMBOLS", "BTCUSDT,ETHUSDT")),

		HTTPAddr: getEnv("GUARDIAN_HTTP_ADDR", "127.0.0.1:8787"),
		PgDSN:    getEnv("GUARDIAN_PG_DSN", ""),
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

// getEnvDuration accepts Go duration strings ("90s") and falls back to
// interpreting a bare number as seconds, which is how the legacy env files
// spell these values.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if sec, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(sec * float64(time.Second))
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}
