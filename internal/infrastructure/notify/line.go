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

const lineTimeout = 10 * time.Second

// Line pushes alerts through the LINE Messaging API to the user's
// LINE account.
type Line struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewLine(channelToken string) *Line {
	return &Line{
		baseURL: "https://api.line.me",
		token:   channelToken,
		http:    &http.Client{Timeout: lineTimeout},
	}
}

func (l *Line) Name() string { return "line" }

func (l *Line) Deliver(ctx context.Context, e domain.AlertEvent, m *domain.UserMessaging) error {
	if m == nil || m.LineUserID == "" {
		return fmt.Errorf("line: no line user id for user %s", e.UserID)
	}
	payload, err := json.Marshal(map[string]any{
		"to": m.LineUserID,
		"messages": []map[string]string{
			{"type": "text", "text": FormatMessage(e)},
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v2/bot/message/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.token)

	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("line: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("line: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
