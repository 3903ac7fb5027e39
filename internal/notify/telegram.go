package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegramSender creates a TelegramSender. An empty apiURL uses the
// public Bot API endpoint.
func NewTelegramSender(apiURL, token, chatID string) *TelegramSender {
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}
	return &TelegramSender{
		endpoint: strings.TrimRight(apiURL, "/") + "/bot" + token + "/sendMessage",
		chatID:   chatID,
		client:   newHTTPClient(),
	}
}

// Send formats the alert as HTML. Instrument names such as BTC_ETH would
// otherwise be read as Markdown emphasis.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "<b>" + html.EscapeString(title) + "</b>"
	if message != "" {
		text += "\n" + html.EscapeString(message)
	}
	payload := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if err := postJSON(ctx, t.client, t.endpoint, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
