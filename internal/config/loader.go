package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env when present,
// and applies MARKETSYNC_* overrides. An empty path or a missing file leaves
// the defaults in place. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("config: %s: unknown keys %v", path, undecoded)
			}
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides applies every MARKETSYNC_* variable that is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// Exchange
	setStr(&cfg.Exchange.RESTURL, "MARKETSYNC_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.WSURL, "MARKETSYNC_EXCHANGE_WS_URL")
	setFloat64(&cfg.Exchange.RateLimit, "MARKETSYNC_EXCHANGE_RATE_LIMIT")
	setInt(&cfg.Exchange.RateBurst, "MARKETSYNC_EXCHANGE_RATE_BURST")
	setDuration(&cfg.Exchange.RequestTimeout, "MARKETSYNC_EXCHANGE_REQUEST_TIMEOUT")
	setDuration(&cfg.Exchange.ReconnectDelay, "MARKETSYNC_EXCHANGE_RECONNECT_DELAY")
	setDuration(&cfg.Exchange.ReconnectMaxDelay, "MARKETSYNC_EXCHANGE_RECONNECT_MAX_DELAY")

	// Orderbook
	setStringSlice(&cfg.Orderbook.Instruments, "MARKETSYNC_ORDERBOOK_INSTRUMENTS")
	setInt(&cfg.Orderbook.SnapshotDepth, "MARKETSYNC_ORDERBOOK_SNAPSHOT_DEPTH")
	setInt(&cfg.Orderbook.MaxPending, "MARKETSYNC_ORDERBOOK_MAX_PENDING")
	setDuration(&cfg.Orderbook.ResyncMinBackoff, "MARKETSYNC_ORDERBOOK_RESYNC_MIN_BACKOFF")
	setDuration(&cfg.Orderbook.ResyncMaxBackoff, "MARKETSYNC_ORDERBOOK_RESYNC_MAX_BACKOFF")

	// Ticker
	setBool(&cfg.Ticker.Enabled, "MARKETSYNC_TICKER_ENABLED")
	setInt(&cfg.Ticker.HistoryLimit, "MARKETSYNC_TICKER_HISTORY_LIMIT")
	setDuration(&cfg.Ticker.ResnapshotInterval, "MARKETSYNC_TICKER_RESNAPSHOT_INTERVAL")
	setBool(&cfg.Ticker.WarmStart, "MARKETSYNC_TICKER_WARM_START")

	// Events
	setInt(&cfg.Events.Buffer, "MARKETSYNC_EVENTS_BUFFER")
	setStr(&cfg.Events.Policy, "MARKETSYNC_EVENTS_POLICY")
	setStr(&cfg.Events.RedisChannel, "MARKETSYNC_EVENTS_REDIS_CHANNEL")
	setStr(&cfg.Events.RedisStream, "MARKETSYNC_EVENTS_REDIS_STREAM")
	setInt64(&cfg.Events.StreamMaxLen, "MARKETSYNC_EVENTS_STREAM_MAX_LEN")

	// Redis
	setBool(&cfg.Redis.Enabled, "MARKETSYNC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETSYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETSYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETSYNC_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARKETSYNC_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.TTL, "MARKETSYNC_REDIS_TTL")
	setInt(&cfg.Redis.MirrorDepth, "MARKETSYNC_REDIS_MIRROR_DEPTH")

	// Postgres
	setBool(&cfg.Postgres.Enabled, "MARKETSYNC_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MARKETSYNC_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "MARKETSYNC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETSYNC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETSYNC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETSYNC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETSYNC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETSYNC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETSYNC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETSYNC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETSYNC_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.CheckpointInterval, "MARKETSYNC_POSTGRES_CHECKPOINT_INTERVAL")

	// S3
	setStr(&cfg.S3.Endpoint, "MARKETSYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETSYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETSYNC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETSYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETSYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETSYNC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETSYNC_S3_FORCE_PATH_STYLE")

	// Archive
	setBool(&cfg.Archive.Enabled, "MARKETSYNC_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Prefix, "MARKETSYNC_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.Period, "MARKETSYNC_ARCHIVE_PERIOD")
	setDuration(&cfg.Archive.Interval, "MARKETSYNC_ARCHIVE_INTERVAL")

	// Server
	setInt(&cfg.Server.Port, "MARKETSYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETSYNC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MARKETSYNC_SERVER_API_KEY")
	setFloat64(&cfg.Server.RateLimit, "MARKETSYNC_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "MARKETSYNC_SERVER_RATE_BURST")

	// Metrics
	setBool(&cfg.Metrics.Enabled, "MARKETSYNC_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "MARKETSYNC_METRICS_ADDR")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "MARKETSYNC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETSYNC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramAPIURL, "MARKETSYNC_NOTIFY_TELEGRAM_API_URL")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETSYNC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETSYNC_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "MARKETSYNC_NOTIFY_COOLDOWN")

	// Top-level
	setStr(&cfg.Mode, "MARKETSYNC_MODE")
	setStr(&cfg.LogLevel, "MARKETSYNC_LOG_LEVEL")
	setStr(&cfg.LogFile, "MARKETSYNC_LOG_FILE")
}

// Typed env helpers. Each leaves dst alone when the variable is unset,
// empty or unparsable.

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
