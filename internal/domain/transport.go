package domain

import "context"

// Subscription is a cancelable, ordered stream of messages from the
// exchange. Stream is closed when the subscription ends for any reason;
// Err then reports why (nil after Unsubscribe).
type Subscription[T any] interface {
	Stream() <-chan T
	Err() error
	// Unsubscribe stops delivery and returns once the producer has exited.
	Unsubscribe()
}

// MarketDataSource is the request/response half of the exchange transport.
type MarketDataSource interface {
	FetchOrderBookSnapshot(ctx context.Context, instrument string) (OrderBookSnapshot, error)
	FetchTickerSnapshot(ctx context.Context) ([]TickerFields, error)
}

// MarketDataStream is the push half of the exchange transport.
type MarketDataStream interface {
	SubscribeOrderBookUpdates(ctx context.Context, instrument string) (Subscription[OrderBookUpdate], error)
	SubscribeTickerUpdates(ctx context.Context) (Subscription[TickerFields], error)
}
