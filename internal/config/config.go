// Package config defines the top-level configuration for the CLMM rebalancer
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CLMMBOT_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Pool      PoolConfig      `toml:"pool"`
	Oracle    OracleConfig    `toml:"oracle"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Paper     PaperConfig     `toml:"paper"`
	Rebalance RebalanceConfig `toml:"rebalance"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	Log       LogConfig       `toml:"log"`

	// LogLevel and LogFile are top-level shorthands for Log.Level and
	// Log.File.
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// WalletConfig holds the signing key. Either PrivateKey or KeystorePath.
type WalletConfig struct {
	PrivateKey   string `toml:"private_key"`
	KeystorePath string `toml:"keystore_path"`
	KeyPassword  string `toml:"key_password"`
}

// PoolConfig identifies the managed pool. On the evm ledger ID is the pool
// contract address, whose slot0 is the price feed, and AssetA and AssetB are
// token addresses. On the paper ledger ID is the Raydium pool id and the
// assets are any labels.
type PoolConfig struct {
	ID     string `toml:"id"`
	AssetA string `toml:"asset_a"`
	AssetB string `toml:"asset_b"`
}

// OracleConfig configures the Raydium price feed.
type OracleConfig struct {
	URL               string   `toml:"url"`
	Timeout           duration `toml:"timeout"`
	RetryCount        int      `toml:"retry_count"`
	RetryWait         duration `toml:"retry_wait"`
	IncludeUnofficial bool     `toml:"include_unofficial"`
}

// LedgerConfig selects and configures the ledger gateway.
type LedgerConfig struct {
	Kind            string   `toml:"kind"` // "paper" or "evm"
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	PositionManager string   `toml:"position_manager"`
	Fee             uint32   `toml:"fee"`
	TickSpacing     int      `toml:"tick_spacing"`
	TxDeadline      duration `toml:"tx_deadline"`
	GasBufferPct    int      `toml:"gas_buffer_pct"`
	ReceiptPoll     duration `toml:"receipt_poll"`
	RetryAttempts   int      `toml:"retry_attempts"`
	RetryBaseDelay  duration `toml:"retry_base_delay"`
	RetryMaxDelay   duration `toml:"retry_max_delay"`
}

// PaperConfig holds the starting balances of the simulated ledger.
type PaperConfig struct {
	BalanceA float64 `toml:"balance_a"`
	BalanceB float64 `toml:"balance_b"`
}

// RebalanceConfig holds the engine parameters.
type RebalanceConfig struct {
	RangeWidthPercent  float64  `toml:"range_width_percent"`
	Interval           duration `toml:"interval"`
	BackoffMultiplier  int      `toml:"backoff_multiplier"`
	CallTimeout        duration `toml:"call_timeout"`
	IdlePolicy         string   `toml:"idle_policy"`
	AllocationA        float64  `toml:"allocation_a"`
	AllocationB        float64  `toml:"allocation_b"`
	BootstrapOnStart   bool     `toml:"bootstrap_on_start"`
	WithdrawOnShutdown bool     `toml:"withdraw_on_shutdown"`
	LeaseTTL           duration `toml:"lease_ttl"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters. Cycle
// history and the audit log are only kept when Enabled.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. The pool lease, price
// mirror, event bus and API rate limiter need it.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the cycle
// archive.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	Prefix           string   `toml:"prefix"`
	ArchiveInterval  duration `toml:"archive_interval"`
	ArchiveRetention duration `toml:"archive_retention"`
	Prune            bool     `toml:"prune"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	// WSReplay is how many recent cycle events a new /ws client receives.
	WSReplay    int      `toml:"ws_replay"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Prefix            string   `toml:"prefix"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Defaults returns a Config populated with sensible default values. Fields
// that are typically provided via environment variables (secrets) are left
// empty.
func Defaults() Config {
	return Config{
		Oracle: OracleConfig{
			URL:        "https://api.raydium.io/v2/sdk/liquidity/mainnet.json",
			Timeout:    duration{10 * time.Second},
			RetryCount: 2,
			RetryWait:  duration{500 * time.Millisecond},
		},
		Ledger: LedgerConfig{
			Kind:           "paper",
			Fee:            3000,
			TickSpacing:    60,
			TxDeadline:     duration{5 * time.Minute},
			GasBufferPct:   20,
			ReceiptPoll:    duration{2 * time.Second},
			RetryAttempts:  3,
			RetryBaseDelay: duration{time.Second},
			RetryMaxDelay:  duration{60 * time.Second},
		},
		Paper: PaperConfig{
			BalanceA: 10,
			BalanceB: 1000,
		},
		Rebalance: RebalanceConfig{
			RangeWidthPercent: 5,
			Interval:          duration{60 * time.Second},
			BackoffMultiplier: 5,
			CallTimeout:       duration{10 * time.Second},
			IdlePolicy:        "recover",
			AllocationA:       0.5,
			AllocationB:       0.5,
			BootstrapOnStart:  true,
			LeaseTTL:          duration{30 * time.Second},
		},
		Supabase: SupabaseConfig{
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "require",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "clmmbot:",
			PriceTTL:     duration{10 * time.Minute},
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Region:           "us-east-1",
			UseSSL:           true,
			Prefix:           "clmmbot/",
			ArchiveInterval:  duration{24 * time.Hour},
			ArchiveRetention: duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
			WSReplay:    20,
		},
		Notify: NotifyConfig{
			Events: []string{
				"rebalance_completed",
				"position_opened",
				"rebalance_skipped",
				"rebalance_failed",
				"position_withdrawn",
			},
			Prefix: "CLMM Bot",
		},
		Mode: "run",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for the log level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validIdlePolicies = map[string]bool{
	"never":   true,
	"recover": true,
	"always":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, archive)", c.Mode))
	}

	// Log
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if c.Mode == "archive" {
		if !c.Supabase.Enabled {
			errs = append(errs, "supabase: must be enabled for mode archive")
		}
		if !c.S3.Enabled {
			errs = append(errs, "s3: must be enabled for mode archive")
		}
	}

	// Pool
	if strings.TrimSpace(c.Pool.ID) == "" {
		errs = append(errs, "pool: id must not be empty")
	}
	if c.Pool.AssetA == "" || c.Pool.AssetB == "" {
		errs = append(errs, "pool: asset_a and asset_b must both be set")
	}

	// Oracle
	if c.Oracle.URL == "" {
		errs = append(errs, "oracle: url must not be empty")
	}
	if c.Oracle.Timeout.Duration <= 0 {
		errs = append(errs, "oracle: timeout must be > 0")
	}

	// Ledger and wallet
	switch c.Ledger.Kind {
	case "paper":
		if c.Paper.BalanceA < 0 || c.Paper.BalanceB < 0 {
			errs = append(errs, "paper: balances must be >= 0")
		}
	case "evm":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url is required for the evm ledger")
		}
		if c.Ledger.PositionManager == "" {
			errs = append(errs, "ledger: position_manager is required for the evm ledger")
		}
		if c.Ledger.TickSpacing <= 0 {
			errs = append(errs, "ledger: tick_spacing must be > 0")
		}
		if c.Pool.ID != "" && !common.IsHexAddress(c.Pool.ID) {
			errs = append(errs, fmt.Sprintf("pool: id %q must be the pool contract address for the evm ledger", c.Pool.ID))
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.KeystorePath == "" {
			errs = append(errs, "wallet: either private_key or keystore_path must be set for the evm ledger")
		}
		if c.Wallet.KeystorePath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when keystore_path is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown kind %q (valid: paper, evm)", c.Ledger.Kind))
	}
	if c.Ledger.RetryAttempts < 1 {
		errs = append(errs, "ledger: retry_attempts must be >= 1")
	}

	// Rebalance
	r := c.Rebalance
	if !(r.RangeWidthPercent > 0 && r.RangeWidthPercent < 100) {
		errs = append(errs, fmt.Sprintf("rebalance: range_width_percent must be in (0, 100), got %v", r.RangeWidthPercent))
	}
	if r.Interval.Duration <= 0 {
		errs = append(errs, "rebalance: interval must be > 0")
	}
	if r.BackoffMultiplier < 1 {
		errs = append(errs, "rebalance: backoff_multiplier must be >= 1")
	}
	if r.CallTimeout.Duration <= 0 {
		errs = append(errs, "rebalance: call_timeout must be > 0")
	}
	if !validIdlePolicies[strings.ToLower(r.IdlePolicy)] {
		errs = append(errs, fmt.Sprintf("rebalance: unknown idle_policy %q (valid: never, recover, always)", r.IdlePolicy))
	}
	if !(r.AllocationA > 0 && r.AllocationA <= 1) {
		errs = append(errs, fmt.Sprintf("rebalance: allocation_a must be in (0, 1], got %v", r.AllocationA))
	}
	if !(r.AllocationB > 0 && r.AllocationB <= 1) {
		errs = append(errs, fmt.Sprintf("rebalance: allocation_b must be in (0, 1], got %v", r.AllocationB))
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			errs = append(errs, "s3: region or endpoint must be set")
		}
		if c.S3.Prune && !c.Supabase.Enabled {
			errs = append(errs, "s3: prune needs supabase enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.WSReplay < 0 {
			errs = append(errs, "server: ws_replay must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
