package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	s3blob "github.com/alanyoungcy/marketsync/internal/blob/s3"
	"github.com/alanyoungcy/marketsync/internal/cache/redis"
	"github.com/alanyoungcy/marketsync/internal/candle"
	"github.com/alanyoungcy/marketsync/internal/config"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/event"
	"github.com/alanyoungcy/marketsync/internal/metrics"
	"github.com/alanyoungcy/marketsync/internal/notify"
	"github.com/alanyoungcy/marketsync/internal/orderbook"
	"github.com/alanyoungcy/marketsync/internal/platform/poloniex"
	"github.com/alanyoungcy/marketsync/internal/service"
	"github.com/alanyoungcy/marketsync/internal/store/postgres"
	"github.com/alanyoungcy/marketsync/internal/ticker"
)

// Dependencies holds every wired component. Optional adapters (Redis,
// Postgres, S3) are nil when their section is disabled.
type Dependencies struct {
	Metrics     *metrics.Metrics
	Broadcaster *event.Broadcaster
	Tickers     *ticker.Registry
	Books       *orderbook.Directory
	REST        *poloniex.RESTClient
	Stream      *poloniex.StreamClient
	Notifier    *notify.Notifier
	MarketData  *service.MarketDataService

	// Redis (optional).
	BookCache   domain.BookCache
	TickerCache domain.TickerCache
	SignalBus   *redis.SignalBus
	LockManager domain.LockManager

	// Postgres (optional).
	TickerStore *postgres.TickerStore

	// S3 (optional).
	BlobWriter domain.BlobWriter
	BlobReader *s3blob.Reader
	Archiver   *s3blob.CandleArchiver
}

// Wire builds the dependency graph from cfg. The returned cleanup function
// releases every opened connection in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Core engine ---
	deps.Metrics = metrics.New()
	deps.Broadcaster = event.NewBroadcaster(deps.Metrics, logger)
	closers = append(closers, deps.Broadcaster.Close)

	deps.Tickers = ticker.NewRegistry(
		ticker.WithHistoryLimit(cfg.Ticker.HistoryLimit),
		ticker.WithPublisher(deps.Broadcaster),
		ticker.WithMetrics(deps.Metrics),
		ticker.WithLogger(logger),
	)

	// --- Exchange transport ---
	deps.REST = poloniex.NewRESTClient(cfg.Exchange.RESTURL,
		poloniex.WithDepth(cfg.Orderbook.SnapshotDepth),
		poloniex.WithRateLimit(cfg.Exchange.RateLimit, cfg.Exchange.RateBurst),
		poloniex.WithHTTPClient(&http.Client{Timeout: cfg.Exchange.RequestTimeout.Duration}),
		poloniex.WithRESTMetrics(deps.Metrics),
		poloniex.WithRESTLogger(logger),
	)
	deps.Stream = poloniex.NewStreamClient(cfg.Exchange.WSURL, logger,
		poloniex.WithStreamMetrics(deps.Metrics),
	)

	deps.Books = orderbook.NewDirectory()
	for _, inst := range cfg.Orderbook.Instruments {
		deps.Books.Add(orderbook.NewSynchronizer(inst, deps.REST,
			orderbook.WithMaxPending(cfg.Orderbook.MaxPending),
			orderbook.WithPublisher(deps.Broadcaster),
			orderbook.WithMetrics(deps.Metrics),
			orderbook.WithLogger(logger),
		))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger,
		notify.WithCooldown(cfg.Notify.Cooldown.Duration),
	)

	// --- Redis mirror ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		ttl := cfg.Redis.TTL.Duration
		deps.BookCache = redis.NewBookCache(redisClient, ttl)
		deps.TickerCache = redis.NewTickerCache(redisClient, ttl)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Events.StreamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
	}

	// --- Postgres checkpoints ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.TickerStore = postgres.NewTickerStore(pgClient.Pool())
	}

	// --- S3 candle archive ---
	var archives domain.ArchiveStore
	if cfg.Archive.Enabled {
		period, err := candle.ParsePeriod(cfg.Archive.Period)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: archive period: %w", err)
		}
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable yet; archiving will retry",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewCandleArchiver(deps.BlobWriter, deps.Tickers, cfg.Archive.Prefix, period, logger)
		archives = deps.BlobReader
	}

	deps.MarketData = service.NewMarketDataService(deps.Tickers, deps.Books, archives, cfg.Archive.Prefix)

	return deps, cleanup, nil
}
