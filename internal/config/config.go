package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env       string `mapstructure:"LQ_ENV"`
	HTTPAddr  string `mapstructure:"LQ_HTTP_ADDR"`
	PublicURL string `mapstructure:"LQ_PUBLIC_ORIGIN"`
	LogLevel  string `mapstructure:"LQ_LOG_LEVEL"`

	Chain    ChainConfig    `mapstructure:",squash"`
	Wallet   WalletConfig   `mapstructure:",squash"`
	Deposit  DepositConfig  `mapstructure:",squash"`
	Ledger   LedgerConfig   `mapstructure:",squash"`
	Database DBConfig       `mapstructure:",squash"`
	Cache    CacheConfig    `mapstructure:",squash"`
	NATS     NATSConfig     `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type ChainConfig struct {
	RPCURL              string        `mapstructure:"LQ_RPC_URL"`
	ChainID             int64         `mapstructure:"LQ_CHAIN_ID"` // 0 asks the node
	PoolAddress         string        `mapstructure:"LQ_POOL_ADDRESS"`
	DefaultToken        string        `mapstructure:"LQ_DEFAULT_TOKEN"`
	TokenDecimals       uint8         `mapstructure:"LQ_TOKEN_DECIMALS"`
	GasLimit            uint64        `mapstructure:"LQ_GAS_LIMIT"` // 0 estimates
	ReceiptPollInterval time.Duration `mapstructure:"LQ_RECEIPT_POLL_INTERVAL"`
}

type WalletConfig struct {
	PrivateKey string `mapstructure:"LQ_WALLET_PRIVATE_KEY"`
	KeyFile    string `mapstructure:"LQ_WALLET_KEY_FILE"`
}

type DepositConfig struct {
	ConfirmationTimeout    time.Duration   `mapstructure:"LQ_CONFIRMATION_TIMEOUT"`
	LateConfirmationWindow time.Duration   `mapstructure:"LQ_LATE_CONFIRMATION_WINDOW"`
	TiersFile              string          `mapstructure:"LQ_APY_TIERS_FILE"`
	MaxDepositRaw          string          `mapstructure:"LQ_MAX_DEPOSIT"`
	LockDurations          []int           `mapstructure:"LQ_LOCK_DURATIONS"`
	MaxDepositIDs          int             `mapstructure:"LQ_MAX_DEPOSIT_IDS"`
	AccrualCadence         time.Duration   `mapstructure:"LQ_ACCRUAL_CADENCE"`
	MaxDeposit             decimal.Decimal `mapstructure:"-"`
}

type LedgerConfig struct {
	URL               string        `mapstructure:"LQ_LEDGER_URL"`
	Token             string        `mapstructure:"LQ_LEDGER_TOKEN"`
	Timeout           time.Duration `mapstructure:"LQ_LEDGER_TIMEOUT"`
	ReconcileInterval time.Duration `mapstructure:"LQ_RECONCILE_INTERVAL"`
	MaxAttempts       int32         `mapstructure:"LQ_RECONCILE_MAX_ATTEMPTS"`
	Backoff           time.Duration `mapstructure:"LQ_RECONCILE_BACKOFF"`
}

type DBConfig struct {
	OutboxBackend string `mapstructure:"LQ_OUTBOX_BACKEND"` // "memory", "postgres"
	PostgresDSN   string `mapstructure:"LQ_POSTGRES_DSN"`
	AutoMigrate   bool   `mapstructure:"LQ_AUTO_MIGRATE"`
}

type CacheConfig struct {
	RedisAddr string `mapstructure:"LQ_REDIS_ADDR"`
}

type NATSConfig struct {
	URL     string `mapstructure:"LQ_NATS_URL"`
	Subject string `mapstructure:"LQ_NATS_SUBJECT"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"LQ_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"LQ_CORS_ALLOWED_ORIGINS"`
	JWTSecret          string   `mapstructure:"LQ_JWT_SECRET"`
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
			_ = gotenv.Load(path) // ignore errors; env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("LQ_ENV", "dev")
	v.SetDefault("LQ_HTTP_ADDR", ":8080")
	v.SetDefault("LQ_PUBLIC_ORIGIN", "")
	v.SetDefault("LQ_LOG_LEVEL", "")
	v.SetDefault("LQ_RPC_URL", "http://localhost:8545")
	v.SetDefault("LQ_CHAIN_ID", 0)
	v.SetDefault("LQ_POOL_ADDRESS", "")
	v.SetDefault("LQ_DEFAULT_TOKEN", "")
	v.SetDefault("LQ_TOKEN_DECIMALS", 18)
	v.SetDefault("LQ_GAS_LIMIT", 0)
	v.SetDefault("LQ_RECEIPT_POLL_INTERVAL", "2s")
	v.SetDefault("LQ_WALLET_PRIVATE_KEY", "")
	v.SetDefault("LQ_WALLET_KEY_FILE", "")
	v.SetDefault("LQ_CONFIRMATION_TIMEOUT", "3m")
	v.SetDefault("LQ_LATE_CONFIRMATION_WINDOW", "30m")
	v.SetDefault("LQ_APY_TIERS_FILE", "")
	v.SetDefault("LQ_MAX_DEPOSIT", "10000000")
	v.SetDefault("LQ_LOCK_DURATIONS", "1,2,3,6")
	v.SetDefault("LQ_MAX_DEPOSIT_IDS", 100)
	v.SetDefault("LQ_ACCRUAL_CADENCE", "1s")
	v.SetDefault("LQ_LEDGER_URL", "")
	v.SetDefault("LQ_LEDGER_TOKEN", "")
	v.SetDefault("LQ_LEDGER_TIMEOUT", "10s")
	v.SetDefault("LQ_RECONCILE_INTERVAL", "30s")
	v.SetDefault("LQ_RECONCILE_MAX_ATTEMPTS", 5)
	v.SetDefault("LQ_RECONCILE_BACKOFF", "15s")
	v.SetDefault("LQ_OUTBOX_BACKEND", "memory")
	v.SetDefault("LQ_POSTGRES_DSN", "")
	v.SetDefault("LQ_AUTO_MIGRATE", false)
	v.SetDefault("LQ_REDIS_ADDR", "")
	v.SetDefault("LQ_NATS_URL", "")
	v.SetDefault("LQ_NATS_SUBJECT", "liquidity.deposits")
	v.SetDefault("LQ_RATE_LIMIT_RPM", 120)
	v.SetDefault("LQ_CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("LQ_JWT_SECRET", "")

	// Handle array parsing for comma-separated values
	v.Set("LQ_CORS_ALLOWED_ORIGINS", splitList(v.GetString("LQ_CORS_ALLOWED_ORIGINS")))
	durations, err := parseInts(v.GetString("LQ_LOCK_DURATIONS"))
	if err != nil {
		return nil, fmt.Errorf("invalid LQ_LOCK_DURATIONS: %w", err)
	}
	v.Set("LQ_LOCK_DURATIONS", durations)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Deposit.MaxDeposit, err = decimal.NewFromString(strings.TrimSpace(cfg.Deposit.MaxDepositRaw))
	if err != nil {
		return nil, fmt.Errorf("invalid LQ_MAX_DEPOSIT %q: %w", cfg.Deposit.MaxDepositRaw, err)
	}
	cfg.Database.OutboxBackend = strings.ToLower(strings.TrimSpace(cfg.Database.OutboxBackend))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Config) validate() error {
	switch c.Env {
	case "dev", "test", "staging", "prod":
	default:
		return fmt.Errorf("invalid LQ_ENV %q (must be dev, test, staging, or prod)", c.Env)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("LQ_RPC_URL is required")
	}
	if !common.IsHexAddress(c.Chain.PoolAddress) {
		return fmt.Errorf("LQ_POOL_ADDRESS must be a hex address, got %q", c.Chain.PoolAddress)
	}
	if c.Chain.DefaultToken != "" && !common.IsHexAddress(c.Chain.DefaultToken) {
		return fmt.Errorf("LQ_DEFAULT_TOKEN must be a hex address, got %q", c.Chain.DefaultToken)
	}
	if c.Chain.ReceiptPollInterval <= 0 {
		return fmt.Errorf("LQ_RECEIPT_POLL_INTERVAL must be positive")
	}

	if c.Deposit.ConfirmationTimeout <= 0 {
		return fmt.Errorf("LQ_CONFIRMATION_TIMEOUT must be positive")
	}
	if c.Deposit.LateConfirmationWindow < 0 {
		return fmt.Errorf("LQ_LATE_CONFIRMATION_WINDOW cannot be negative")
	}
	if !c.Deposit.MaxDeposit.IsPositive() {
		return fmt.Errorf("LQ_MAX_DEPOSIT must be positive")
	}
	if len(c.Deposit.LockDurations) == 0 {
		return fmt.Errorf("LQ_LOCK_DURATIONS must list at least one duration")
	}
	for _, d := range c.Deposit.LockDurations {
		if d <= 0 {
			return fmt.Errorf("LQ_LOCK_DURATIONS entries must be positive, got %d", d)
		}
	}
	if c.Deposit.MaxDepositIDs <= 0 {
		return fmt.Errorf("LQ_MAX_DEPOSIT_IDS must be positive")
	}
	if c.Deposit.AccrualCadence <= 0 {
		return fmt.Errorf("LQ_ACCRUAL_CADENCE must be positive")
	}

	if c.Ledger.MaxAttempts <= 0 {
		return fmt.Errorf("LQ_RECONCILE_MAX_ATTEMPTS must be positive")
	}
	if c.Ledger.ReconcileInterval <= 0 || c.Ledger.Backoff <= 0 || c.Ledger.Timeout <= 0 {
		return fmt.Errorf("LQ_RECONCILE_INTERVAL, LQ_RECONCILE_BACKOFF and LQ_LEDGER_TIMEOUT must be positive")
	}

	switch c.Database.OutboxBackend {
	case "memory":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("LQ_POSTGRES_DSN is required when LQ_OUTBOX_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid LQ_OUTBOX_BACKEND %q (must be memory or postgres)", c.Database.OutboxBackend)
	}

	if c.IsProd() {
		if c.Ledger.URL == "" {
			return fmt.Errorf("LQ_LEDGER_URL is required in prod")
		}
		if c.Security.JWTSecret == "" {
			return fmt.Errorf("LQ_JWT_SECRET is required in prod")
		}
		if c.Database.OutboxBackend != "postgres" {
			return fmt.Errorf("LQ_OUTBOX_BACKEND must be postgres in prod")
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

func (c *Config) PoolAddress() common.Address {
	return common.HexToAddress(c.Chain.PoolAddress)
}

// DefaultToken returns the configured token, or the zero address for the
// chain's native token.
func (c *Config) DefaultToken() common.Address {
	if c.Chain.DefaultToken == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Chain.DefaultToken)
}
