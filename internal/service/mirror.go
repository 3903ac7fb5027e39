package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// DefaultEventChannel is the Redis pub/sub channel change events go to.
const DefaultEventChannel = "marketsync:events"

// StreamAppender appends to a durable event log. *redis.SignalBus implements it.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// MirrorService copies every change into Redis so other processes can read
// books and tickers without talking to the exchange.
type MirrorService struct {
	tickers     TickerReader
	books       BookReader
	bookCache   domain.BookCache
	tickerCache domain.TickerCache
	bus         domain.SignalBus
	channel     string
	stream      string
	depth       int
	logger      *slog.Logger
}

// MirrorOption configures a MirrorService.
type MirrorOption func(*MirrorService)

// WithMirrorChannel overrides DefaultEventChannel.
func WithMirrorChannel(ch string) MirrorOption {
	return func(m *MirrorService) { m.channel = ch }
}

// WithMirrorStream also appends each event to the named Redis stream when
// the bus supports it.
func WithMirrorStream(stream string) MirrorOption {
	return func(m *MirrorService) { m.stream = stream }
}

// WithMirrorDepth caps the book levels written per side.
func WithMirrorDepth(depth int) MirrorOption {
	return func(m *MirrorService) { m.depth = depth }
}

// NewMirrorService creates a MirrorService. bus may be nil.
func NewMirrorService(
	tickers TickerReader,
	books BookReader,
	bookCache domain.BookCache,
	tickerCache domain.TickerCache,
	bus domain.SignalBus,
	logger *slog.Logger,
	opts ...MirrorOption,
) *MirrorService {
	m := &MirrorService{
		tickers:     tickers,
		books:       books,
		bookCache:   bookCache,
		tickerCache: tickerCache,
		bus:         bus,
		channel:     DefaultEventChannel,
		depth:       50,
		logger:      logger.With(slog.String("component", "mirror")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run mirrors events until ctx is done or events is closed. Cache errors are
// logged and the next event is processed.
func (m *MirrorService) Run(ctx context.Context, events <-chan domain.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.Handle(ctx, ev); err != nil {
				m.logger.WarnContext(ctx, "mirror event failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("instrument", ev.Instrument),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Handle writes the current state behind ev and republishes ev.
func (m *MirrorService) Handle(ctx context.Context, ev domain.ChangeEvent) error {
	var errs []error
	if err := m.mirrorState(ctx, ev); err != nil {
		errs = append(errs, err)
	}
	if err := m.republish(ctx, ev); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *MirrorService) mirrorState(ctx context.Context, ev domain.ChangeEvent) error {
	switch ev.Kind {
	case domain.EventOrderBookChanged:
		view, err := m.books.View(ev.Instrument, m.depth)
		if err != nil {
			return fmt.Errorf("mirror: view %q: %w", ev.Instrument, err)
		}
		if err := m.bookCache.SetBook(ctx, view); err != nil {
			return fmt.Errorf("mirror: set book %q: %w", ev.Instrument, err)
		}
	case domain.EventTickerAdded, domain.EventTickerChanged:
		snap, err := m.tickers.Get(ev.Instrument)
		if errors.Is(err, domain.ErrNotFound) {
			// Removed before we got to it; the removal event follows.
			return nil
		}
		if err != nil {
			return fmt.Errorf("mirror: get ticker %q: %w", ev.Instrument, err)
		}
		snap.History = nil
		if err := m.tickerCache.SetTicker(ctx, snap); err != nil {
			return fmt.Errorf("mirror: set ticker %q: %w", ev.Instrument, err)
		}
	case domain.EventTickerRemoved:
		if err := m.tickerCache.DeleteTicker(ctx, ev.Instrument); err != nil {
			return fmt.Errorf("mirror: delete ticker %q: %w", ev.Instrument, err)
		}
	}
	return nil
}

func (m *MirrorService) republish(ctx context.Context, ev domain.ChangeEvent) error {
	if m.bus == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mirror: marshal event: %w", err)
	}
	if err := m.bus.Publish(ctx, m.channel, payload); err != nil {
		return fmt.Errorf("mirror: publish: %w", err)
	}
	if m.stream == "" {
		return nil
	}
	if sa, ok := m.bus.(StreamAppender); ok {
		if err := sa.StreamAppend(ctx, m.stream, payload); err != nil {
			return fmt.Errorf("mirror: stream append: %w", err)
		}
	}
	return nil
}
