package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of the bridge core. Values come from defaults,
// then the optional YAML file named by CONFIG_FILE, then the environment
// (optionally via .env), each layer overriding the previous one.
type Config struct {
	Port     string `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	Language string `yaml:"language"` // "en" or "zh"
	Version  string `yaml:"version"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "console" or "json"

	// Ledgers
	L1URL           string        `yaml:"l1_url"`
	L2URL           string        `yaml:"l2_url"`
	LedgerTimeout   time.Duration `yaml:"ledger_timeout"`
	LedgerRateLimit float64       `yaml:"ledger_rate_limit"`
	LedgerRateBurst int           `yaml:"ledger_rate_burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	SendTimeout     time.Duration `yaml:"send_timeout"`

	// Custody
	VaultIdentity       string        `yaml:"vault_identity"`
	ActiveWindow        time.Duration `yaml:"active_window"`
	InactivityCeiling   time.Duration `yaml:"inactivity_ceiling"`
	LargeValueThreshold int64         `yaml:"large_value_threshold"`

	// Bridge
	JournalDir           string        `yaml:"journal_dir"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
	WithdrawalStallAfter time.Duration `yaml:"withdrawal_stall_after"`

	// Credit
	CreditExpiryWarning time.Duration `yaml:"credit_expiry_warning"`
	CreditWatchInterval time.Duration `yaml:"credit_watch_interval"`

	// Markets
	Markets            []string      `yaml:"markets"`
	QuoteTTL           time.Duration `yaml:"quote_ttl"`
	Slippage           float64       `yaml:"slippage"`
	MarketPollInterval time.Duration `yaml:"market_poll_interval"`

	// Balances and reconciliation
	BalanceSyncInterval time.Duration `yaml:"balance_sync_interval"`
	ReconInterval       time.Duration `yaml:"recon_interval"`
	ReconAutoSync       bool          `yaml:"recon_auto_sync"`

	// Quote cache; empty RedisAddr keeps it in memory
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// API
	JWTSecret      string        `yaml:"jwt_secret"`
	APIRateLimit   float64       `yaml:"api_rate_limit"`
	APIRateBurst   int           `yaml:"api_rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Port:                 "8080",
		DBPath:               "./data/bridge.db",
		Language:             "en",
		Version:              "v0.1-dev",
		LogLevel:             "info",
		LogFormat:            "console",
		LedgerTimeout:        10 * time.Second,
		LedgerRateLimit:      20,
		LedgerRateBurst:      40,
		BreakerFailures:      5,
		BreakerCooldown:      30 * time.Second,
		SendTimeout:          30 * time.Second,
		VaultIdentity:        "default",
		ActiveWindow:         10 * time.Minute,
		InactivityCeiling:    60 * time.Minute,
		JournalDir:           "./data/bridge_journal",
		LockTTL:              15 * time.Minute,
		WithdrawalStallAfter: 30 * time.Minute,
		CreditExpiryWarning:  5 * time.Minute,
		CreditWatchInterval:  30 * time.Second,
		QuoteTTL:             2 * time.Second,
		Slippage:             0.02,
		MarketPollInterval:   5 * time.Minute,
		BalanceSyncInterval:  30 * time.Second,
		ReconInterval:        time.Minute,
		ReconAutoSync:        true,
		JWTSecret:            "dev-secret",
		APIRateLimit:         20,
		APIRateBurst:         50,
		RequestTimeout:       30 * time.Second,
	}
}

// Load reads .env, the optional YAML file and the environment into Config.
// Callers that talk to the ledgers run Validate afterwards.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	c.DBPath = getEnv("DB_PATH", getEnv("DATABASE_PATH", c.DBPath))

	c.Port = getEnv("PORT", c.Port)
	c.Language = getEnv("LANGUAGE", c.Language)
	c.Version = getEnv("APP_VERSION", c.Version)
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", c.LogFormat))

	c.L1URL = getEnv("L1_URL", c.L1URL)
	c.L2URL = getEnv("L2_URL", c.L2URL)
	c.LedgerTimeout = getEnvDuration("LEDGER_TIMEOUT", c.LedgerTimeout)
	c.LedgerRateLimit = getEnvFloat("LEDGER_RATE_LIMIT", c.LedgerRateLimit)
	c.LedgerRateBurst = getEnvInt("LEDGER_RATE_BURST", c.LedgerRateBurst)
	c.BreakerFailures = uint32(getEnvInt("BREAKER_FAILURES", int(c.BreakerFailures)))
	c.BreakerCooldown = getEnvDuration("BREAKER_COOLDOWN", c.BreakerCooldown)
	c.SendTimeout = getEnvDuration("SEND_TIMEOUT", c.SendTimeout)

	c.VaultIdentity = getEnv("VAULT_IDENTITY", c.VaultIdentity)
	c.ActiveWindow = getEnvDuration("ACTIVE_WINDOW", c.ActiveWindow)
	c.InactivityCeiling = getEnvDuration("INACTIVITY_CEILING", c.InactivityCeiling)
	c.LargeValueThreshold = getEnvInt64("LARGE_VALUE_THRESHOLD", c.LargeValueThreshold)

	c.JournalDir = getEnv("JOURNAL_DIR", c.JournalDir)
	c.LockTTL = getEnvDuration("LOCK_TTL", c.LockTTL)
	c.WithdrawalStallAfter = getEnvDuration("WITHDRAWAL_STALL_AFTER", c.WithdrawalStallAfter)

	c.CreditExpiryWarning = getEnvDuration("CREDIT_EXPIRY_WARNING", c.CreditExpiryWarning)
	c.CreditWatchInterval = getEnvDuration("CREDIT_WATCH_INTERVAL", c.CreditWatchInterval)

	if v := os.Getenv("MARKETS"); v != "" {
		c.Markets = splitAndTrim(v)
	}
	c.QuoteTTL = getEnvDuration("QUOTE_TTL", c.QuoteTTL)
	c.Slippage = getEnvFloat("SLIPPAGE", c.Slippage)
	c.MarketPollInterval = getEnvDuration("MARKET_POLL_INTERVAL", c.MarketPollInterval)

	c.BalanceSyncInterval = getEnvDuration("BALANCE_SYNC_INTERVAL", c.BalanceSyncInterval)
	c.ReconInterval = getEnvDuration("RECON_INTERVAL", c.ReconInterval)
	c.ReconAutoSync = getEnvBool("RECON_AUTO_SYNC", c.ReconAutoSync)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.APIRateLimit = getEnvFloat("API_RATE_LIMIT", c.APIRateLimit)
	c.APIRateBurst = getEnvInt("API_RATE_BURST", c.APIRateBurst)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.L1URL == "" {
		errs = append(errs, errors.New("L1_URL is required"))
	}
	if c.L2URL == "" {
		errs = append(errs, errors.New("L2_URL is required"))
	}
	// ACTIVE_WINDOW may exceed INACTIVITY_CEILING; the ceiling then ends
	// the session first.
	if c.ActiveWindow <= 0 || c.InactivityCeiling <= 0 {
		errs = append(errs, errors.New("custody timers must be positive"))
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		errs = append(errs, fmt.Errorf("SLIPPAGE %.4f out of range [0,1)", c.Slippage))
	}
	if c.LargeValueThreshold < 0 {
		errs = append(errs, errors.New("LARGE_VALUE_THRESHOLD must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
