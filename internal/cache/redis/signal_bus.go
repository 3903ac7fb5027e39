package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// DefaultStreamMaxLen is the approximate stream length kept by XADD MAXLEN ~.
const DefaultStreamMaxLen int64 = 10000

const subscribeBuffer = 128

// SignalBus carries serialized change events out of process: pub/sub for
// live listeners, and an optional capped stream for consumers that replay.
type SignalBus struct {
	rdb    *redis.Client
	maxLen int64
	now    func() time.Time
}

func NewSignalBus(c *Client, streamMaxLen int64) *SignalBus {
	if streamMaxLen <= 0 {
		streamMaxLen = DefaultStreamMaxLen
	}
	return &SignalBus{rdb: c.Underlying(), maxLen: streamMaxLen, now: time.Now}
}

func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, or on a pattern when channel contains glob
// characters. The returned channel closes when ctx is done or the
// connection is lost.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = b.rdb.PSubscribe(ctx, channel)
	} else {
		ps = b.rdb.Subscribe(ctx, channel)
	}
	// The first reply confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go pump(ctx, ps, out)
	return out, nil
}

func pump(ctx context.Context, ps *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer ps.Close()

	in := ps.Channel(redis.WithChannelSize(subscribeBuffer))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// StreamAppend adds payload to stream with its publish time in milliseconds,
// trimming the stream to roughly the configured length.
func (b *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: []any{
			"payload", payload,
			"ts", strconv.FormatInt(b.now().UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
