package notify

import (
	"context"

	"github.com/rs/zerolog"

	"stockwatch/internal/domain"
)

// Log writes every alert to the structured log. It always succeeds, so
// an alert is never completely silent even with all outbound channels
// down.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("channel", "alert").Logger()}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Deliver(_ context.Context, e domain.AlertEvent, _ *domain.UserMessaging) error {
	l.log.Info().Str("user", e.UserID).Str("ticker", e.Ticker).
		Str("kind", string(e.Kind)).Float64("trigger", e.TriggerPrice).
		Float64("price", e.CurrentPrice).Msg(FormatMessage(e))
	return nil
}
