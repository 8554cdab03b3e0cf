package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Credit modes select which path credits the ledger.
const (
	CreditModeDeposit = "deposit"
	CreditModeSweep   = "sweep"
	CreditModeOff     = "off"
)

// EnvProduction is the CUSTODY_ENV value for deployments holding real funds.
const EnvProduction = "production"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	MnemonicFile string `envconfig:"CUSTODY_MNEMONIC_FILE"`
	DBPath       string `envconfig:"CUSTODY_DB_PATH" default:"./data/custody.sqlite"`
	ListenHost   string `envconfig:"CUSTODY_LISTEN_HOST" default:"127.0.0.1"`
	Port         int    `envconfig:"CUSTODY_PORT" default:"8080"`
	LogLevel     string `envconfig:"CUSTODY_LOG_LEVEL" default:"info"`
	LogDir       string `envconfig:"CUSTODY_LOG_DIR" default:"./logs"`
	Env          string `envconfig:"CUSTODY_ENV" default:"development"`

	// DemoAddresses allows placeholder deposit addresses when no mnemonic is
	// configured. Never allowed in production.
	DemoAddresses bool `envconfig:"CUSTODY_DEMO_ADDRESSES" default:"false"`

	RPCPolygon  string `envconfig:"CUSTODY_RPC_POLYGON"`
	RPCBSC      string `envconfig:"CUSTODY_RPC_BSC"`
	RPCEthereum string `envconfig:"CUSTODY_RPC_ETHEREUM"`

	// Secondary endpoints used only for broadcasting when the primary rejects.
	RPCFallbackPolygon  string `envconfig:"CUSTODY_RPC_FALLBACK_POLYGON"`
	RPCFallbackBSC      string `envconfig:"CUSTODY_RPC_FALLBACK_BSC"`
	RPCFallbackEthereum string `envconfig:"CUSTODY_RPC_FALLBACK_ETHEREUM"`

	RPCTimeout   time.Duration `envconfig:"CUSTODY_RPC_TIMEOUT" default:"15s"`
	RPCRetries   int           `envconfig:"CUSTODY_RPC_RETRIES" default:"2"`
	RPCRateLimit float64       `envconfig:"CUSTODY_RPC_RATE_LIMIT" default:"10"`

	SweepConcurrency int    `envconfig:"CUSTODY_SWEEP_CONCURRENCY" default:"8"`
	GasTopUpEnabled  bool   `envconfig:"CUSTODY_GAS_TOPUP_ENABLED" default:"false"`
	GasTankIndex     uint32 `envconfig:"CUSTODY_GAS_TANK_INDEX" default:"0"`

	CreditMode  string `envconfig:"CUSTODY_CREDIT_MODE" default:"deposit"`
	LedgerURL   string `envconfig:"CUSTODY_LEDGER_URL"`
	LedgerToken string `envconfig:"CUSTODY_LEDGER_TOKEN"`
	LurisPerUSD string `envconfig:"CUSTODY_LURIS_PER_USD" default:"1"`

	DepositConfirmations uint64 `envconfig:"CUSTODY_DEPOSIT_CONFIRMATIONS" default:"12"`
	DepositCheckSchedule string `envconfig:"CUSTODY_DEPOSIT_CHECK_SCHEDULE" default:"@every 1m"`
	SweepSchedule        string `envconfig:"CUSTODY_SWEEP_SCHEDULE"`
	ScheduledHotWallet   string `envconfig:"CUSTODY_SCHEDULED_HOT_WALLET"`
	ScheduledMinAmount   string `envconfig:"CUSTODY_SCHEDULED_MIN_AMOUNT" default:"1"`

	OperatorToken    string `envconfig:"CUSTODY_OPERATOR_TOKEN"`
	PriceFeedEnabled bool   `envconfig:"CUSTODY_PRICE_FEED_ENABLED" default:"false"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// godotenv does not override already-set env vars.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "file", ".env", "error", err)
		} else {
			slog.Info("loaded .env file", "file", ".env")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsProduction reports whether the process runs with real funds at stake.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, EnvProduction)
}

// HasMnemonic reports whether a master seed file is configured.
func (c *Config) HasMnemonic() bool {
	return c.MnemonicFile != ""
}

// RPCOverrides returns the RPC URLs set through the environment, keyed by chain name.
func (c *Config) RPCOverrides() map[string]string {
	out := make(map[string]string)
	if c.RPCPolygon != "" {
		out["polygon"] = c.RPCPolygon
	}
	if c.RPCBSC != "" {
		out["bsc"] = c.RPCBSC
	}
	if c.RPCEthereum != "" {
		out["ethereum"] = c.RPCEthereum
	}
	return out
}

// RPCFallbacks returns the broadcast fallback URLs keyed by chain name.
func (c *Config) RPCFallbacks() map[string]string {
	out := make(map[string]string)
	if c.RPCFallbackPolygon != "" {
		out["polygon"] = c.RPCFallbackPolygon
	}
	if c.RPCFallbackBSC != "" {
		out["bsc"] = c.RPCFallbackBSC
	}
	if c.RPCFallbackEthereum != "" {
		out["ethereum"] = c.RPCFallbackEthereum
	}
	return out
}

// LurisRate parses LurisPerUSD. Validate guarantees it is positive.
func (c *Config) LurisRate() decimal.Decimal {
	d, err := decimal.NewFromString(c.LurisPerUSD)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return d
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Env) {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("%w: env must be development, staging, test or production, got %q", ErrInvalidConfig, c.Env)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.DemoAddresses && c.IsProduction() {
		return fmt.Errorf("%w: demo addresses cannot be enabled in production", ErrInvalidConfig)
	}
	if c.SweepConcurrency < 1 || c.SweepConcurrency > MaxSweepConcurrency {
		return fmt.Errorf("%w: sweep concurrency must be 1-%d, got %d", ErrInvalidConfig, MaxSweepConcurrency, c.SweepConcurrency)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: rpc timeout must be positive, got %s", ErrInvalidConfig, c.RPCTimeout)
	}
	if c.RPCRetries < 0 {
		return fmt.Errorf("%w: rpc retries must not be negative, got %d", ErrInvalidConfig, c.RPCRetries)
	}
	if c.RPCRateLimit <= 0 {
		return fmt.Errorf("%w: rpc rate limit must be positive, got %v", ErrInvalidConfig, c.RPCRateLimit)
	}

	switch c.CreditMode {
	case CreditModeDeposit, CreditModeSweep, CreditModeOff:
	default:
		return fmt.Errorf("%w: credit mode must be deposit, sweep or off, got %q", ErrInvalidConfig, c.CreditMode)
	}

	rate, err := decimal.NewFromString(c.LurisPerUSD)
	if err != nil || !rate.IsPositive() {
		return fmt.Errorf("%w: luris per usd must be a positive decimal, got %q", ErrInvalidConfig, c.LurisPerUSD)
	}

	if c.DepositCheckSchedule != "" {
		if _, err := cron.ParseStandard(c.DepositCheckSchedule); err != nil {
			return fmt.Errorf("%w: deposit check schedule %q: %v", ErrInvalidConfig, c.DepositCheckSchedule, err)
		}
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("%w: sweep schedule %q: %v", ErrInvalidConfig, c.SweepSchedule, err)
		}
		if !common.IsHexAddress(c.ScheduledHotWallet) {
			return fmt.Errorf("%w: scheduled sweep requires a valid hot wallet, got %q", ErrInvalidConfig, c.ScheduledHotWallet)
		}
		if _, err := decimal.NewFromString(c.ScheduledMinAmount); err != nil {
			return fmt.Errorf("%w: scheduled min amount %q", ErrInvalidConfig, c.ScheduledMinAmount)
		}
	}
	return nil
}
