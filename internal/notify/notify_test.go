package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "rec" }

func TestNotifier_FiltersEvents(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"book_desync", " "}, quiet())

	require.NoError(t, n.Notify(context.Background(), "feed_down", "down", ""))
	require.NoError(t, n.Notify(context.Background(), "book_desync", "gap", ""))
	assert.Equal(t, []string{"gap"}, rec.titles)
}

func TestNotifier_Cooldown(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, nil, quiet(), WithCooldown(time.Minute))
	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, "book_desync", "BTC_ETH", ""))
	require.NoError(t, n.Notify(ctx, "book_desync", "BTC_ETH", ""))
	require.NoError(t, n.Notify(ctx, "book_desync", "BTC_XRP", ""))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, "book_desync", "BTC_ETH", ""))

	assert.Equal(t, []string{"BTC_ETH", "BTC_XRP", "BTC_ETH"}, rec.titles)
}

func TestNotifier_CollectsSenderErrors(t *testing.T) {
	ok := &recordingSender{}
	bad := &recordingSender{err: assert.AnError}
	n := NewNotifier([]Sender{bad, ok}, nil, quiet())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, ok.titles, 1)
	assert.True(t, n.Enabled())
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Book desync", "BTC_ETH <gap>"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Book desync</b>\nBTC_ETH &lt;gap&gt;", got["text"])
}

func TestDiscordSender_Embed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Feed down", "ticker stream"))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Feed down", got.Embeds[0].Title)
	assert.Equal(t, "ticker stream", got.Embeds[0].Description)
}

func TestDiscordSender_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
