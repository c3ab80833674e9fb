package port

import (
	"context"

	"stockwatch/internal/domain"
)

// Notifier pushes a decided alert to the user's channels and returns the
// names of the channels that reported success. Delivery is fire-and-forget
// per channel; an empty result is not an error.
type Notifier interface {
	Send(ctx context.Context, alert domain.AlertEvent) []string
}
