package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env     string `mapstructure:"NVB_ENV"`
	OpsAddr string `mapstructure:"NVB_OPS_ADDR"`

	Signer    SignerConfig    `mapstructure:",squash"`
	Ledger    LedgerConfig    `mapstructure:",squash"`
	Chain     ChainConfig     `mapstructure:",squash"`
	Cache     CacheConfig     `mapstructure:",squash"`
	Minting   MintingConfig   `mapstructure:",squash"`
	Redeem    RedeemConfig    `mapstructure:",squash"`
	Reconcile ReconcileConfig `mapstructure:",squash"`
	Reserve   ReserveConfig   `mapstructure:",squash"`
	Detector  DetectorConfig  `mapstructure:",squash"`
}

type SignerConfig struct {
	URL     string        `mapstructure:"NVB_SIGNER_URL"`
	Timeout time.Duration `mapstructure:"NVB_SIGNER_TIMEOUT"`
}

type LedgerConfig struct {
	URL     string        `mapstructure:"NVB_LEDGER_URL"`
	Timeout time.Duration `mapstructure:"NVB_LEDGER_TIMEOUT"`
}

type ChainConfig struct {
	RPCURL    string        `mapstructure:"NVB_NOVA_RPC_URL"`
	Network   string        `mapstructure:"NVB_NOVA_NETWORK"`
	Timeout   time.Duration `mapstructure:"NVB_NOVA_TIMEOUT"`
	RateLimit float64       `mapstructure:"NVB_NOVA_RATE_LIMIT"` // requests per second
}

type CacheConfig struct {
	RedisAddr string `mapstructure:"NVB_REDIS_ADDR"`
}

type MintingConfig struct {
	TickInterval time.Duration `mapstructure:"NVB_MINT_TICK_INTERVAL"`
	BatchSize    int           `mapstructure:"NVB_MINT_BATCH_SIZE"`
	Concurrency  int           `mapstructure:"NVB_MINT_CONCURRENCY"`
	MaxRetries   int           `mapstructure:"NVB_MINT_MAX_RETRIES"`
	BaseDelay    time.Duration `mapstructure:"NVB_MINT_BASE_DELAY"`
	CapDelay     time.Duration `mapstructure:"NVB_MINT_CAP_DELAY"`
	Retention    time.Duration `mapstructure:"NVB_MINT_RETENTION"`
}

type RedeemConfig struct {
	TickInterval time.Duration `mapstructure:"NVB_REDEEM_TICK_INTERVAL"`
	BatchSize    int           `mapstructure:"NVB_REDEEM_BATCH_SIZE"`
	Concurrency  int           `mapstructure:"NVB_REDEEM_CONCURRENCY"`
	MaxRetries   int           `mapstructure:"NVB_REDEEM_MAX_RETRIES"`
	BaseDelay    time.Duration `mapstructure:"NVB_REDEEM_BASE_DELAY"`
	CapDelay     time.Duration `mapstructure:"NVB_REDEEM_CAP_DELAY"`
	Retention    time.Duration `mapstructure:"NVB_REDEEM_RETENTION"`
	MinAmount    string        `mapstructure:"NVB_REDEEM_MIN_AMOUNT"`
	MaxAmount    string        `mapstructure:"NVB_REDEEM_MAX_AMOUNT"`
}

type ReconcileConfig struct {
	Interval          time.Duration `mapstructure:"NVB_RECONCILE_INTERVAL"`
	Concurrency       int           `mapstructure:"NVB_RECONCILE_CONCURRENCY"`
	AbsoluteThreshold string        `mapstructure:"NVB_RECONCILE_ABS_THRESHOLD"`
}

type ReserveConfig struct {
	Staleness time.Duration `mapstructure:"NVB_RESERVE_STALENESS"`
}

type DetectorConfig struct {
	Enabled bool   `mapstructure:"NVB_DETECTOR_ENABLED"`
	WSURL   string `mapstructure:"NVB_DETECTOR_WS_URL"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("NVB_ENV", "dev")
	viper.SetDefault("NVB_OPS_ADDR", ":8090")

	viper.SetDefault("NVB_SIGNER_URL", "http://localhost:7420")
	viper.SetDefault("NVB_SIGNER_TIMEOUT", "30s")
	viper.SetDefault("NVB_LEDGER_URL", "http://localhost:7410")
	viper.SetDefault("NVB_LEDGER_TIMEOUT", "20s")
	viper.SetDefault("NVB_NOVA_RPC_URL", "http://localhost:8641")
	viper.SetDefault("NVB_NOVA_NETWORK", "testnet")
	viper.SetDefault("NVB_NOVA_TIMEOUT", "15s")
	viper.SetDefault("NVB_NOVA_RATE_LIMIT", 20.0)
	viper.SetDefault("NVB_REDIS_ADDR", "127.0.0.1:6379")

	viper.SetDefault("NVB_MINT_TICK_INTERVAL", "10s")
	viper.SetDefault("NVB_MINT_BATCH_SIZE", 16)
	viper.SetDefault("NVB_MINT_CONCURRENCY", 4)
	viper.SetDefault("NVB_MINT_MAX_RETRIES", 5)
	viper.SetDefault("NVB_MINT_BASE_DELAY", "5s")
	viper.SetDefault("NVB_MINT_CAP_DELAY", "5m")
	viper.SetDefault("NVB_MINT_RETENTION", "24h")

	viper.SetDefault("NVB_REDEEM_TICK_INTERVAL", "10s")
	viper.SetDefault("NVB_REDEEM_BATCH_SIZE", 8)
	viper.SetDefault("NVB_REDEEM_CONCURRENCY", 2)
	viper.SetDefault("NVB_REDEEM_MAX_RETRIES", 3)
	viper.SetDefault("NVB_REDEEM_BASE_DELAY", "10s")
	viper.SetDefault("NVB_REDEEM_CAP_DELAY", "10m")
	viper.SetDefault("NVB_REDEEM_RETENTION", "72h")
	viper.SetDefault("NVB_REDEEM_MIN_AMOUNT", "0.1")
	viper.SetDefault("NVB_REDEEM_MAX_AMOUNT", "10000")

	viper.SetDefault("NVB_RECONCILE_INTERVAL", "60s")
	viper.SetDefault("NVB_RECONCILE_CONCURRENCY", 4)
	viper.SetDefault("NVB_RECONCILE_ABS_THRESHOLD", "0.01")

	viper.SetDefault("NVB_RESERVE_STALENESS", "30s")

	viper.SetDefault("NVB_DETECTOR_ENABLED", false)
	viper.SetDefault("NVB_DETECTOR_WS_URL", "")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Signer.URL == "" {
		return fmt.Errorf("NVB_SIGNER_URL is required")
	}
	if c.Ledger.URL == "" {
		return fmt.Errorf("NVB_LEDGER_URL is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("NVB_NOVA_RPC_URL is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Chain.Network)) {
	case "localnet", "testnet", "mainnet":
	default:
		return fmt.Errorf("invalid NVB_NOVA_NETWORK %q (must be localnet, testnet, or mainnet)", c.Chain.Network)
	}
	if c.Minting.MaxRetries < 1 {
		return fmt.Errorf("NVB_MINT_MAX_RETRIES must be at least 1")
	}
	if c.Redeem.MaxRetries < 1 {
		return fmt.Errorf("NVB_REDEEM_MAX_RETRIES must be at least 1")
	}

	min, err := decimal.NewFromString(c.Redeem.MinAmount)
	if err != nil {
		return fmt.Errorf("invalid NVB_REDEEM_MIN_AMOUNT: %w", err)
	}
	max, err := decimal.NewFromString(c.Redeem.MaxAmount)
	if err != nil {
		return fmt.Errorf("invalid NVB_REDEEM_MAX_AMOUNT: %w", err)
	}
	if max.LessThanOrEqual(min) {
		return fmt.Errorf("NVB_REDEEM_MAX_AMOUNT must exceed NVB_REDEEM_MIN_AMOUNT")
	}
	if _, err := decimal.NewFromString(c.Reconcile.AbsoluteThreshold); err != nil {
		return fmt.Errorf("invalid NVB_RECONCILE_ABS_THRESHOLD: %w", err)
	}

	if c.Detector.Enabled && c.Detector.WSURL == "" {
		return fmt.Errorf("NVB_DETECTOR_WS_URL is required when NVB_DETECTOR_ENABLED is set")
	}

	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// RedeemMinAmount returns the parsed lower redemption bound. validate()
// guarantees it parses.
func (c *Config) RedeemMinAmount() decimal.Decimal {
	return decimal.RequireFromString(c.Redeem.MinAmount)
}

func (c *Config) RedeemMaxAmount() decimal.Decimal {
	return decimal.RequireFromString(c.Redeem.MaxAmount)
}

func (c *Config) ReconcileAbsoluteThreshold() decimal.Decimal {
	return decimal.RequireFromString(c.Reconcile.AbsoluteThreshold)
}
