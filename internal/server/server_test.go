package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/event"
	"github.com/alanyoungcy/marketsync/internal/metrics"
	"github.com/alanyoungcy/marketsync/internal/orderbook"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/server/ws"
	"github.com/alanyoungcy/marketsync/internal/service"
	"github.com/alanyoungcy/marketsync/internal/ticker"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type bookSource struct{}

func (bookSource) FetchOrderBookSnapshot(_ context.Context, inst string) (domain.OrderBookSnapshot, error) {
	return domain.OrderBookSnapshot{
		Instrument: inst,
		Bids:       []domain.PriceLevel{{Price: d("100"), Quantity: d("1")}, {Price: d("99"), Quantity: d("5")}},
		Asks:       []domain.PriceLevel{{Price: d("100.5"), Quantity: d("2")}},
		Sequence:   7,
	}, nil
}

type env struct {
	srv   *httptest.Server
	bc    *event.Broadcaster
	hub   *ws.Hub
	stop  context.CancelFunc
	reg   *ticker.Registry
	books *orderbook.Directory
}

func setup(t *testing.T, cfg Config) *env {
	t.Helper()
	m := metrics.New()
	bc := event.NewBroadcaster(m, quiet())
	reg := ticker.NewRegistry(ticker.WithLogger(quiet()))
	reg.ApplySnapshot([]domain.TickerFields{
		{Instrument: "BTC_ETH", Last: d("0.025")},
		{Instrument: "BTC_XRP", Last: d("0.00002")},
	})

	dir := orderbook.NewDirectory()
	s := orderbook.NewSynchronizer("BTC_ETH", bookSource{}, orderbook.WithLogger(quiet()))
	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	dir.Add(s)
	dir.Add(orderbook.NewSynchronizer("BTC_XRP", bookSource{}, orderbook.WithLogger(quiet())))

	svc := service.NewMarketDataService(reg, dir, nil, "")
	hub := ws.NewHub(bc, quiet(), ws.Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	api := NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler(svc, "full", time.Now()),
		Market:  handler.NewMarketHandler(svc, quiet()),
		Metrics: m.Handler(),
	}, hub, quiet())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		bc.Close()
	})
	return &env{srv: srv, bc: bc, hub: hub, stop: cancel, reg: reg, books: dir}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRoutes(t *testing.T) {
	e := setup(t, Config{})
	base := e.srv.URL

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/health", &health))
	assert.Equal(t, "degraded", health["status"])

	var inst service.Instruments
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/instruments", &inst))
	assert.Equal(t, []string{"BTC_ETH", "BTC_XRP"}, inst.Books)

	var tickers struct {
		Total int `json:"total"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/tickers", &tickers))
	assert.Equal(t, 2, tickers.Total)

	var snap domain.TickerSnapshot
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/tickers/BTC_ETH", &snap))
	assert.True(t, snap.Last.Equal(d("0.025")))
	assert.Equal(t, http.StatusNotFound, getJSON(t, base+"/api/tickers/NOPE", nil))

	var candles struct {
		Candles []domain.Candle `json:"candles"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/tickers/BTC_ETH/candles?period=5m", &candles))
	assert.Len(t, candles.Candles, 1)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/tickers/BTC_ETH/candles?period=soon", nil))

	var book struct {
		domain.BookView
		Spread string `json:"spread"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/books/BTC_ETH?depth=1", &book))
	assert.Len(t, book.Bids, 1)
	assert.Equal(t, "0.5", book.Spread)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/books/BTC_ETH?depth=-1", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, base+"/api/books/NOPE", nil))

	assert.Equal(t, http.StatusNotImplemented, getJSON(t, base+"/api/archives/BTC_ETH", nil))
	assert.Equal(t, http.StatusNotImplemented, getJSON(t, base+"/api/archives/BTC_ETH/latest", nil))

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "marketsync_")
}

func TestAuthAndCORS(t *testing.T) {
	e := setup(t, Config{APIKey: "secret", CORSOrigins: []string{"https://ok.example"}})

	assert.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/api/health", nil))
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, e.srv.URL+"/api/tickers", nil))

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/tickers", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Origin", "https://ok.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://ok.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	e := setup(t, Config{RateLimit: 1, RateBurst: 2})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, getJSON(t, e.srv.URL+"/api/instruments", nil))
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func dial(t *testing.T, e *env, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocket_JSONWithFilter(t *testing.T) {
	e := setup(t, Config{})
	conn := dial(t, e, "?instruments=BTC_XRP")
	assert.Equal(t, "status", readFrame(t, conn).Type)

	e.bc.Publish(domain.ChangeEvent{Kind: domain.EventTickerChanged, Instrument: "BTC_ETH"})
	e.bc.Publish(domain.ChangeEvent{Kind: domain.EventTickerChanged, Instrument: "BTC_XRP"})

	f := readFrame(t, conn)
	require.Equal(t, "event", f.Type)
	var ev domain.ChangeEvent
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, "BTC_XRP", ev.Instrument)
	assert.NotEmpty(t, ev.ID)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "instruments": []string{"*"}, "kinds": []string{"orderbook_changed"}}))
	assert.Equal(t, "subscribed", readFrame(t, conn).Type)

	e.bc.Publish(domain.ChangeEvent{Kind: domain.EventTickerChanged, Instrument: "BTC_ETH"})
	e.bc.Publish(domain.ChangeEvent{Kind: domain.EventOrderBookChanged, Instrument: "BTC_ETH", Sequence: 8})
	f = readFrame(t, conn)
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, domain.EventOrderBookChanged, ev.Kind)
	assert.Equal(t, int64(8), ev.Sequence)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, "error", readFrame(t, conn).Type)
}

func TestWebSocket_Proto(t *testing.T) {
	e := setup(t, Config{})
	conn := dial(t, e, "?format=proto")

	readStruct := func() *structpb.Struct {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mt)
		var st structpb.Struct
		require.NoError(t, proto.Unmarshal(data, &st))
		return &st
	}

	assert.Equal(t, "status", readStruct().Fields["type"].GetStringValue())

	e.bc.Publish(domain.ChangeEvent{Kind: domain.EventTickerAdded, Instrument: "BTC_LTC"})
	st := readStruct()
	assert.Equal(t, "event", st.Fields["type"].GetStringValue())
	payload := st.Fields["payload"].GetStructValue()
	require.NotNil(t, payload)
	assert.Equal(t, "BTC_LTC", payload.Fields["instrument"].GetStringValue())
	assert.Equal(t, "ticker_added", payload.Fields["kind"].GetStringValue())
}

func TestWebSocket_BadFormat(t *testing.T) {
	e := setup(t, Config{})
	assert.Equal(t, http.StatusBadRequest, getJSON(t, e.srv.URL+"/ws?format=xml", nil))
}
