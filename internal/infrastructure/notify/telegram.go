package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stockwatch/internal/domain"
)

const telegramTimeout = 10 * time.Second

// Telegram sends alerts through the Bot API to the user's chat.
type Telegram struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewTelegram(token string) *Telegram {
	return &Telegram{
		baseURL: "https://api.telegram.org",
		token:   token,
		http:    &http.Client{Timeout: telegramTimeout},
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, e domain.AlertEvent, m *domain.UserMessaging) error {
	if m == nil || m.TelegramChatID == "" {
		return fmt.Errorf("telegram: no chat id for user %s", e.UserID)
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": m.TelegramChatID,
		"text":    FormatMessage(e),
	})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
