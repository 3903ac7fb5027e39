// Package config defines the marketsync configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/marketsync/internal/candle"
)

// Config is the root configuration. Fields come from a TOML file and are then
// optionally overridden by MARKETSYNC_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Orderbook OrderbookConfig `toml:"orderbook"`
	Ticker    TickerConfig    `toml:"ticker"`
	Events    EventsConfig    `toml:"events"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Notify    NotifyConfig    `toml:"notify"`

	Mode          string `toml:"mode"`
	LogLevel      string `toml:"log_level"`
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
}

// ExchangeConfig holds the exchange endpoints and connection pacing.
type ExchangeConfig struct {
	RESTURL           string   `toml:"rest_url"`
	WSURL             string   `toml:"ws_url"`
	RateLimit         float64  `toml:"rate_limit"`
	RateBurst         int      `toml:"rate_burst"`
	RequestTimeout    duration `toml:"request_timeout"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	ReconnectMaxDelay duration `toml:"reconnect_max_delay"`
}

// OrderbookConfig selects the books to synchronize.
type OrderbookConfig struct {
	Instruments      []string `toml:"instruments"`
	SnapshotDepth    int      `toml:"snapshot_depth"`
	MaxPending       int      `toml:"max_pending"`
	ResyncMinBackoff duration `toml:"resync_min_backoff"`
	ResyncMaxBackoff duration `toml:"resync_max_backoff"`
}

// TickerConfig controls the ticker merger.
type TickerConfig struct {
	Enabled            bool     `toml:"enabled"`
	HistoryLimit       int      `toml:"history_limit"`
	ResnapshotInterval duration `toml:"resnapshot_interval"`
	WarmStart          bool     `toml:"warm_start"`
}

// EventsConfig tunes change fan-out.
type EventsConfig struct {
	Buffer       int    `toml:"buffer"`
	Policy       string `toml:"policy"`
	RedisChannel string `toml:"redis_channel"`
	RedisStream  string `toml:"redis_stream"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// RedisConfig holds Redis connection parameters for the state mirror.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix"`
	TTL         duration `toml:"ttl"`
	MirrorDepth int      `toml:"mirror_depth"`
}

// PostgresConfig holds the checkpoint database parameters.
type PostgresConfig struct {
	Enabled            bool     `toml:"enabled"`
	DSN                string   `toml:"dsn"`
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	Database           string   `toml:"database"`
	User               string   `toml:"user"`
	Password           string   `toml:"password"`
	SSLMode            string   `toml:"ssl_mode"`
	PoolMaxConns       int      `toml:"pool_max_conns"`
	PoolMinConns       int      `toml:"pool_min_conns"`
	RunMigrations      bool     `toml:"run_migrations"`
	CheckpointInterval duration `toml:"checkpoint_interval"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls candle archiving to S3.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Prefix   string   `toml:"prefix"`
	Period   string   `toml:"period"`
	Interval duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
}

// MetricsConfig controls the Prometheus endpoint. In ingest mode, where no
// API server runs, metrics are served on Addr.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration; config.example.toml mirrors it.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			RESTURL:           "https://poloniex.com",
			WSURL:             "wss://api2.poloniex.com",
			RateLimit:         6,
			RateBurst:         6,
			RequestTimeout:    duration{30 * time.Second},
			ReconnectDelay:    duration{2 * time.Second},
			ReconnectMaxDelay: duration{60 * time.Second},
		},
		Orderbook: OrderbookConfig{
			Instruments:      []string{"BTC_ETH"},
			SnapshotDepth:    100,
			MaxPending:       10000,
			ResyncMinBackoff: duration{500 * time.Millisecond},
			ResyncMaxBackoff: duration{30 * time.Second},
		},
		Ticker: TickerConfig{
			Enabled:      true,
			HistoryLimit: 1440,
			WarmStart:    true,
		},
		Events: EventsConfig{
			Buffer:       256,
			Policy:       "drop_oldest",
			RedisChannel: "marketsync:events",
			StreamMaxLen: 10000,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			KeyPrefix:   "marketsync",
			TTL:         duration{10 * time.Minute},
			MirrorDepth: 50,
		},
		Postgres: PostgresConfig{
			Enabled:            false,
			Host:               "localhost",
			Port:               5432,
			Database:           "marketsync",
			User:               "postgres",
			SSLMode:            "disable",
			PoolMaxConns:       5,
			PoolMinConns:       1,
			RunMigrations:      true,
			CheckpointInterval: duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketsync",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Prefix:   "candles",
			Period:   "1m",
			Interval: duration{time.Hour},
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateBurst:   40,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Notify: NotifyConfig{
			Events:   []string{"book_desync", "feed_down", "checkpoint_failed"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:          "full",
		LogLevel:      "info",
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 28,
	}
}

var validModes = map[string]bool{
	"ingest": true,
	"server": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"drop_oldest": true,
	"drop_newest": true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.RESTURL == "" {
		errs = append(errs, "exchange: rest_url must not be empty")
	}
	if c.Exchange.WSURL == "" {
		errs = append(errs, "exchange: ws_url must not be empty")
	}
	if c.Exchange.RateLimit <= 0 {
		errs = append(errs, "exchange: rate_limit must be > 0")
	}
	if c.Exchange.ReconnectDelay.Duration <= 0 || c.Exchange.ReconnectMaxDelay.Duration < c.Exchange.ReconnectDelay.Duration {
		errs = append(errs, "exchange: need 0 < reconnect_delay <= reconnect_max_delay")
	}

	// Orderbook
	seen := make(map[string]bool, len(c.Orderbook.Instruments))
	for _, inst := range c.Orderbook.Instruments {
		if strings.TrimSpace(inst) == "" {
			errs = append(errs, "orderbook: instruments must not contain empty names")
			continue
		}
		if seen[inst] {
			errs = append(errs, fmt.Sprintf("orderbook: instrument %q listed twice", inst))
		}
		seen[inst] = true
	}
	if len(c.Orderbook.Instruments) == 0 && !c.Ticker.Enabled {
		errs = append(errs, "orderbook: no instruments and ticker disabled, nothing to ingest")
	}
	if c.Orderbook.SnapshotDepth < 1 {
		errs = append(errs, "orderbook: snapshot_depth must be >= 1")
	}
	if c.Orderbook.MaxPending < 1 {
		errs = append(errs, "orderbook: max_pending must be >= 1")
	}
	if c.Orderbook.ResyncMinBackoff.Duration <= 0 || c.Orderbook.ResyncMaxBackoff.Duration < c.Orderbook.ResyncMinBackoff.Duration {
		errs = append(errs, "orderbook: need 0 < resync_min_backoff <= resync_max_backoff")
	}

	// Ticker
	if c.Ticker.HistoryLimit < 1 {
		errs = append(errs, "ticker: history_limit must be >= 1")
	}
	if c.Ticker.ResnapshotInterval.Duration < 0 {
		errs = append(errs, "ticker: resnapshot_interval must not be negative")
	}

	// Events
	if c.Events.Buffer < 1 {
		errs = append(errs, "events: buffer must be >= 1")
	}
	if !validPolicies[c.Events.Policy] {
		errs = append(errs, fmt.Sprintf("events: unknown policy %q (valid: drop_oldest, drop_newest)", c.Events.Policy))
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

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Postgres.CheckpointInterval.Duration <= 0 {
			errs = append(errs, "postgres: checkpoint_interval must be > 0")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if _, err := candle.ParsePeriod(c.Archive.Period); err != nil {
			errs = append(errs, fmt.Sprintf("archive: invalid period %q", c.Archive.Period))
		}
	}

	// Server
	if c.Mode != "ingest" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
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
