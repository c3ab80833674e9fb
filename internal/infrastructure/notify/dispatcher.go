// Package notify fans a decided alert out to the user's channels.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"stockwatch/internal/application/port"
	"stockwatch/internal/domain"
)

// Channel delivers one alert to one medium. m may be nil when the user
// has no messaging row; channels that need an address should fail then.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, e domain.AlertEvent, m *domain.UserMessaging) error
}

// Dispatcher implements port.Notifier over a set of channels. Each
// channel succeeds or fails on its own; one down channel never blocks
// the others.
type Dispatcher struct {
	messaging port.MessagingRepository
	channels  []Channel
	log       zerolog.Logger
}

func NewDispatcher(messaging port.MessagingRepository, log zerolog.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		messaging: messaging,
		channels:  channels,
		log:       log.With().Str("component", "notify").Logger(),
	}
}

func (d *Dispatcher) Send(ctx context.Context, e domain.AlertEvent) []string {
	m, err := d.messaging.GetUserMessaging(ctx, e.UserID)
	if err != nil {
		d.log.Warn().Err(err).Str("user", e.UserID).Msg("messaging lookup failed")
	}

	var via []string
	for _, ch := range d.channels {
		if m != nil && !m.ChannelEnabled(ch.Name()) {
			continue
		}
		if err := ch.Deliver(ctx, e, m); err != nil {
			d.log.Warn().Err(err).Str("channel", ch.Name()).
				Str("ticker", e.Ticker).Msg("delivery failed")
			continue
		}
		via = append(via, ch.Name())
	}
	return via
}

// FormatMessage renders the human-readable alert text shared by the
// outbound channels.
func FormatMessage(e domain.AlertEvent) string {
	name := e.DisplayName()
	var body string
	switch e.Kind {
	case domain.AlertDefenseBreach:
		body = fmt.Sprintf("⚠️ %s fell to %.2f, breaching the defense price %.2f", name, e.CurrentPrice, e.TriggerPrice)
	case domain.AlertMinTarget:
		body = fmt.Sprintf("🎯 %s reached %.2f, inside the minimum target zone (from %.2f)", name, e.CurrentPrice, e.TriggerPrice)
	case domain.AlertReasonableTarget:
		body = fmt.Sprintf("🎯 %s reached %.2f, inside the reasonable target zone (from %.2f)", name, e.CurrentPrice, e.TriggerPrice)
	case domain.AlertTakeProfit:
		body = fmt.Sprintf("📈 %s hit %.2f, above the take-profit level %.2f", name, e.CurrentPrice, e.TriggerPrice)
	case domain.AlertStopLoss:
		body = fmt.Sprintf("📉 %s fell to %.2f, at or below the stop-loss level %.2f", name, e.CurrentPrice, e.TriggerPrice)
	default:
		body = fmt.Sprintf("%s at %.2f (trigger %.2f)", name, e.CurrentPrice, e.TriggerPrice)
	}
	if e.Notes != "" {
		body += "\n" + e.Notes
	}
	return body
}
