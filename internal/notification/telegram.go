package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Telegram sends alerts through the Bot API sendMessage endpoint.
type Telegram struct {
	token  string
	chatID string
	base   string
	client *http.Client
}

// NewTelegram builds a notifier for the given bot token and target chat.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		base:   "https://api.telegram.org",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	marker := "ℹ️"
	switch alert.Level {
	case LevelWarning:
		marker = "⚠️"
	case LevelCritical:
		marker = "🚨"
	}
	text := marker + " *" + escapeV2(alert.Title) + "*\n\n" + escapeV2(alert.Message)

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("telegram marshal: %w", err)
	}

	url := t.base + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}

// tgSpecials are the characters MarkdownV2 requires escaped.
const tgSpecials = `_*[]()~` + "`" + `>#+-=|{}.!`

func escapeV2(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(tgSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
