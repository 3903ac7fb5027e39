package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/event"
	"github.com/alanyoungcy/marketsync/internal/feed"
	"github.com/alanyoungcy/marketsync/internal/platform/poloniex"
	"github.com/alanyoungcy/marketsync/internal/server"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/server/ws"
	"github.com/alanyoungcy/marketsync/internal/service"
)

// exchangeTickers joins the REST snapshot and the push stream into the
// source the ticker feed consumes.
type exchangeTickers struct {
	*poloniex.RESTClient
	*poloniex.StreamClient
}

var _ feed.TickerSource = exchangeTickers{}

// IngestMode keeps every configured book and the ticker registry in sync,
// mirrors changes to Redis, checkpoints to Postgres and archives candles.
// Metrics are served on their own listener because no API server runs.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode",
		slog.Int("books", deps.Books.Len()),
		slog.Bool("tickers", a.cfg.Ticker.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startIngest(ctx, g, deps)

	if a.cfg.Metrics.Enabled {
		a.startMetricsServer(ctx, g, deps)
	}

	return g.Wait()
}

// ServerMode runs everything ingest mode does plus the HTTP and websocket
// API. Full mode is the same.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode",
		slog.Int("books", deps.Books.Len()),
		slog.Int("port", a.cfg.Server.Port),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startIngest(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// startIngest adds the feeds and background services to g.
func (a *App) startIngest(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	reconnect := feed.Backoff{
		Base: a.cfg.Exchange.ReconnectDelay.Duration,
		Max:  a.cfg.Exchange.ReconnectMaxDelay.Duration,
	}
	resync := feed.Backoff{
		Base: a.cfg.Orderbook.ResyncMinBackoff.Duration,
		Max:  a.cfg.Orderbook.ResyncMaxBackoff.Duration,
	}

	// One feed per book.
	for _, inst := range deps.Books.Instruments() {
		syncer, ok := deps.Books.Get(inst)
		if !ok {
			continue
		}
		bf := feed.NewBookFeed(syncer, deps.Stream, a.logger,
			feed.WithBackoff(reconnect),
			feed.WithResyncBackoff(resync),
			feed.WithAlerter(deps.Notifier),
			feed.WithBookMetrics(deps.Metrics),
		)
		g.Go(func() error {
			return ignoreCanceled(bf.Run(ctx))
		})
	}

	if a.cfg.Ticker.Enabled {
		opts := []feed.TickerFeedOption{
			feed.WithTickerBackoff(reconnect),
			feed.WithResnapshot(a.cfg.Ticker.ResnapshotInterval.Duration),
			feed.WithTickerAlerter(deps.Notifier),
			feed.WithTickerMetrics(deps.Metrics),
		}
		if a.cfg.Ticker.WarmStart && deps.TickerStore != nil {
			opts = append(opts, feed.WithWarmStart(deps.TickerStore))
		}
		tf := feed.NewTickerFeed(deps.Tickers, exchangeTickers{deps.REST, deps.Stream}, a.logger, opts...)
		g.Go(func() error {
			return ignoreCanceled(tf.Run(ctx))
		})
	}

	// Redis mirror.
	if deps.SignalBus != nil {
		mirrorOpts := []service.MirrorOption{
			service.WithMirrorDepth(a.cfg.Redis.MirrorDepth),
		}
		if a.cfg.Events.RedisChannel != "" {
			mirrorOpts = append(mirrorOpts, service.WithMirrorChannel(a.cfg.Events.RedisChannel))
		}
		if a.cfg.Events.RedisStream != "" {
			mirrorOpts = append(mirrorOpts, service.WithMirrorStream(a.cfg.Events.RedisStream))
		}
		mirror := service.NewMirrorService(
			deps.Tickers, deps.Books, deps.BookCache, deps.TickerCache, deps.SignalBus,
			a.logger, mirrorOpts...,
		)
		sub := deps.Broadcaster.Subscribe("redis-mirror",
			event.WithBuffer(a.cfg.Events.Buffer),
			event.WithPolicy(event.ParsePolicy(a.cfg.Events.Policy)),
		)
		a.closers = append(a.closers, sub.Close)
		g.Go(func() error {
			return ignoreCanceled(mirror.Run(ctx, sub.Events()))
		})
	}

	// Postgres checkpoints. Without Redis every replica writes.
	if deps.TickerStore != nil && a.cfg.Ticker.Enabled {
		cp := service.NewCheckpointService(
			deps.Tickers, deps.TickerStore, deps.LockManager, deps.Notifier,
			a.cfg.Postgres.CheckpointInterval.Duration, a.logger,
		)
		g.Go(func() error {
			return ignoreCanceled(cp.Run(ctx))
		})
	}

	if deps.Archiver != nil {
		as := service.NewArchiveService(deps.Archiver, a.cfg.Archive.Interval.Duration, a.logger)
		g.Go(func() error {
			return ignoreCanceled(as.Run(ctx))
		})
	}
}

// startHTTPServer adds the API server and websocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Broadcaster, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
		Buffer:    a.cfg.Events.Buffer,
		Policy:    event.ParsePolicy(a.cfg.Events.Policy),
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.MarketData, a.cfg.Mode, a.startedAt),
		Market: handler.NewMarketHandler(deps.MarketData, a.logger),
	}
	if a.cfg.Metrics.Enabled {
		handlers.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return ignoreCanceled(hub.Run(ctx))
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startMetricsServer serves /metrics on cfg.Metrics.Addr.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCanceled turns the expected shutdown error into a clean exit so the
// errgroup only reports real failures.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
