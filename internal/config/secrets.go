package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: every secret that
// is set becomes "***". RPC and webhook URLs count as secrets because
// providers embed keys in them.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)

	for _, s := range out.secrets() {
		if *s != "" {
			*s = redacted
		}
	}
	return out
}

func (c *Config) secrets() []*string {
	return []*string{
		&c.Wallet.PrivateKey,
		&c.Wallet.KeyPassword,
		&c.Ledger.RPCURL,
		&c.Supabase.DSN,
		&c.Supabase.Password,
		&c.Redis.Password,
		&c.S3.AccessKey,
		&c.S3.SecretKey,
		&c.Server.APIKey,
		&c.Notify.TelegramToken,
		&c.Notify.DiscordWebhookURL,
	}
}
