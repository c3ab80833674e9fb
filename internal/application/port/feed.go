package port

import (
	"context"
	"time"

	"stockwatch/internal/domain"
)

// PriceUpdate is the normalized tuple every upstream protocol reduces to.
// Optional snapshot fields (prev close, OHLCV) are zero when the provider
// does not supply them.
type PriceUpdate struct {
	Ticker    string
	Region    domain.Region
	Price     float64
	Volume    int64
	PrevClose float64
	DayOpen   float64
	DayHigh   float64
	DayLow    float64
	Ts        time.Time
	Source    string
}

// FeedHealth is one provider's slice of the /api/monitor/status payload.
type FeedHealth struct {
	Source          string     `json:"source"`
	Region          string     `json:"region"`
	Connected       bool       `json:"connected"`
	SubscribedCount int        `json:"subscribed_count"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	TotalMessages   int64      `json:"total_messages"`
	SymbolsCovered  int        `json:"symbols_covered,omitempty"`
}

// QuoteFeed is one persistent connection to an upstream quote source.
//
// Connect starts the client's own read/reconnect loop and returns
// immediately; the loop ends when ctx is cancelled or Disconnect is called.
// Subscribe/Unsubscribe edit the desired set at any time; while disconnected
// the set is queued and replayed in full on the next successful connection.
// Disconnect is idempotent.
type QuoteFeed interface {
	Name() string
	Region() domain.Region
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(tickers []string) error
	Unsubscribe(tickers []string) error
	Connected() bool
	Subscribed() []string
	Updates() <-chan PriceUpdate
	Health() FeedHealth
}
