package port

import (
	"context"
	"time"

	"stockwatch/internal/domain"
)

// MarketRepository is the quote store: latest price per ticker, last write
// wins. Every write is a full-row upsert from a provider's own snapshot.
type MarketRepository interface {
	// UpsertQuote stores the latest quote for q.Ticker.
	UpsertQuote(ctx context.Context, q domain.Quote) error

	// ListQuotes returns all rows for a region.
	ListQuotes(ctx context.Context, region domain.Region) ([]domain.Quote, error)

	// MarkSessionClose promotes current_price to close_price and clears
	// realtime_price for every row in the region (end-of-day update).
	MarkSessionClose(ctx context.Context, region domain.Region, at time.Time) error
}

// PortfolioRepository reads the two sources of truth for the watch set and
// for alert evaluation. The core only writes high watermarks here.
type PortfolioRepository interface {
	ListLots(ctx context.Context) ([]domain.Lot, error)
	ListHoldingTickers(ctx context.Context, region domain.Region) ([]string, error)

	// ListLatestTargets returns advisory targets with is_latest = true.
	ListLatestTargets(ctx context.Context) ([]domain.PriceTarget, error)
	ListTargetTickers(ctx context.Context) ([]string, error)

	// RaiseHighWatermark bumps the stored watermark for every lot of
	// (user, ticker) whose watermark is below price. Never lowers it.
	RaiseHighWatermark(ctx context.Context, userID, ticker string, price float64) error
}

// AlertRepository persists dispatched alerts; recent rows double as the
// dedup history.
type AlertRepository interface {
	RecordAlert(ctx context.Context, rec domain.AlertRecord) error
	RecentAlerts(ctx context.Context, since time.Time) ([]domain.AlertRecord, error)
}

// MessagingRepository looks up a user's notification channel addresses.
type MessagingRepository interface {
	GetUserMessaging(ctx context.Context, userID string) (*domain.UserMessaging, error)
}
