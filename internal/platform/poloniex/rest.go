// Package poloniex implements the exchange transport against a
// Poloniex-style public API: a REST endpoint for snapshots and a websocket
// push feed for order book diffs and ticker changes.
package poloniex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// DefaultDepth is the number of levels per side requested for a snapshot.
const DefaultDepth = 100

// RESTClient fetches order book and ticker snapshots.
type RESTClient struct {
	baseURL    string
	depth      int
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// RESTOption configures a RESTClient.
type RESTOption func(*RESTClient)

// WithDepth sets the snapshot depth.
func WithDepth(n int) RESTOption {
	return func(c *RESTClient) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithRateLimit caps outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) RESTOption {
	return func(c *RESTClient) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = hc }
}

// WithRESTMetrics records request latency on m.
func WithRESTMetrics(m *metrics.Metrics) RESTOption {
	return func(c *RESTClient) { c.metrics = m }
}

// WithRESTLogger sets the logger.
func WithRESTLogger(l *slog.Logger) RESTOption {
	return func(c *RESTClient) { c.logger = l }
}

// NewRESTClient creates a client for the public API rooted at baseURL,
// e.g. "https://poloniex.com".
func NewRESTClient(baseURL string, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL: baseURL,
		depth:   DefaultDepth,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(6), 6),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	c.logger = c.logger.With(slog.String("component", "poloniex-rest"))
	return c
}

// FetchOrderBookSnapshot returns the current book for instrument.
func (c *RESTClient) FetchOrderBookSnapshot(ctx context.Context, instrument string) (domain.OrderBookSnapshot, error) {
	params := url.Values{}
	params.Set("command", "returnOrderBook")
	params.Set("currencyPair", instrument)
	params.Set("depth", strconv.Itoa(c.depth))

	body, err := c.doGet(ctx, "returnOrderBook", params)
	if err != nil {
		return domain.OrderBookSnapshot{}, domain.NewTransportError("fetch order book", instrument, err)
	}

	var book APIOrderBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.OrderBookSnapshot{}, domain.NewTransportError("fetch order book", instrument,
			fmt.Errorf("%w: decode: %v", domain.ErrMalformedUpdate, err))
	}
	if book.Error != "" {
		return domain.OrderBookSnapshot{}, domain.NewTransportError("fetch order book", instrument,
			fmt.Errorf("api error: %s", book.Error))
	}
	return book.ToDomain(instrument), nil
}

// FetchTickerSnapshot returns one entry per listed instrument, sorted by
// instrument. Entries that do not decode are skipped and counted.
func (c *RESTClient) FetchTickerSnapshot(ctx context.Context) ([]domain.TickerFields, error) {
	params := url.Values{}
	params.Set("command", "returnTicker")

	body, err := c.doGet(ctx, "returnTicker", params)
	if err != nil {
		return nil, domain.NewTransportError("fetch tickers", "", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, domain.NewTransportError("fetch tickers", "",
			fmt.Errorf("%w: decode: %v", domain.ErrMalformedUpdate, err))
	}
	if msg, ok := raw["error"]; ok {
		return nil, domain.NewTransportError("fetch tickers", "", fmt.Errorf("api error: %s", msg))
	}

	out := make([]domain.TickerFields, 0, len(raw))
	for pair, data := range raw {
		var t APITicker
		if err := json.Unmarshal(data, &t); err != nil {
			c.malformed(pair, err)
			continue
		}
		f, err := t.ToDomain(pair)
		if err != nil {
			c.malformed(pair, err)
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (c *RESTClient) malformed(pair string, err error) {
	c.metrics.MalformedMessages.WithLabelValues("ticker_snapshot").Inc()
	c.logger.Warn("skipping ticker entry",
		slog.String("instrument", pair),
		slog.String("error", err.Error()),
	)
}

func (c *RESTClient) doGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/public?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RESTLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ domain.MarketDataSource = (*RESTClient)(nil)
