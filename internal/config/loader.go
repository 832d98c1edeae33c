package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CLMMBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.normalise()

	return &cfg, nil
}

// normalise folds the top-level log shorthands into Log and lowercases
// enumerations.
func (c *Config) normalise() {
	if c.LogLevel != "" {
		c.Log.Level = c.LogLevel
	}
	if c.LogFile != "" {
		c.Log.File = c.LogFile
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Ledger.Kind = strings.ToLower(strings.TrimSpace(c.Ledger.Kind))
	c.Rebalance.IdlePolicy = strings.ToLower(strings.TrimSpace(c.Rebalance.IdlePolicy))
}

// applyEnvOverrides reads well-known CLMMBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "CLMMBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.KeystorePath, "CLMMBOT_WALLET_KEYSTORE_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CLMMBOT_WALLET_KEY_PASSWORD")

	// ── Pool ──
	setStr(&cfg.Pool.ID, "CLMMBOT_POOL_ID")
	setStr(&cfg.Pool.AssetA, "CLMMBOT_POOL_ASSET_A")
	setStr(&cfg.Pool.AssetB, "CLMMBOT_POOL_ASSET_B")

	// ── Oracle ──
	setStr(&cfg.Oracle.URL, "CLMMBOT_ORACLE_URL")
	setDuration(&cfg.Oracle.Timeout, "CLMMBOT_ORACLE_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.Kind, "CLMMBOT_LEDGER_KIND")
	setStr(&cfg.Ledger.RPCURL, "CLMMBOT_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "CLMMBOT_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.PositionManager, "CLMMBOT_LEDGER_POSITION_MANAGER")

	// ── Paper ──
	setFloat64(&cfg.Paper.BalanceA, "CLMMBOT_PAPER_BALANCE_A")
	setFloat64(&cfg.Paper.BalanceB, "CLMMBOT_PAPER_BALANCE_B")

	// ── Rebalance ──
	setFloat64(&cfg.Rebalance.RangeWidthPercent, "CLMMBOT_REBALANCE_RANGE_WIDTH_PERCENT")
	setDuration(&cfg.Rebalance.Interval, "CLMMBOT_REBALANCE_INTERVAL")
	setInt(&cfg.Rebalance.BackoffMultiplier, "CLMMBOT_REBALANCE_BACKOFF_MULTIPLIER")
	setDuration(&cfg.Rebalance.CallTimeout, "CLMMBOT_REBALANCE_CALL_TIMEOUT")
	setStr(&cfg.Rebalance.IdlePolicy, "CLMMBOT_REBALANCE_IDLE_POLICY")
	setBool(&cfg.Rebalance.BootstrapOnStart, "CLMMBOT_REBALANCE_BOOTSTRAP_ON_START")
	setBool(&cfg.Rebalance.WithdrawOnShutdown, "CLMMBOT_REBALANCE_WITHDRAW_ON_SHUTDOWN")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "CLMMBOT_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "CLMMBOT_SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "CLMMBOT_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "CLMMBOT_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "CLMMBOT_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "CLMMBOT_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "CLMMBOT_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "CLMMBOT_SUPABASE_SSL_MODE")
	setBool(&cfg.Supabase.RunMigrations, "CLMMBOT_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CLMMBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CLMMBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CLMMBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CLMMBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "CLMMBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CLMMBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CLMMBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CLMMBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CLMMBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CLMMBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CLMMBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CLMMBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "CLMMBOT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.Prune, "CLMMBOT_S3_PRUNE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CLMMBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CLMMBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CLMMBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CLMMBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CLMMBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CLMMBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CLMMBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CLMMBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CLMMBOT_MODE")
	setStr(&cfg.LogLevel, "CLMMBOT_LOG_LEVEL")
	setStr(&cfg.LogFile, "CLMMBOT_LOG_FILE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
