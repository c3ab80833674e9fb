package domain

import "time"

// Quote is one row of the quote store, keyed by ticker.
//
// CurrentPrice always holds the most recent non-null write from any source.
// RealtimePrice is populated only by live feeds during trading hours and is
// cleared by the daily close jobs so readers can tell "live" from "closed".
type Quote struct {
	Ticker        string
	Region        Region
	Name          string
	CurrentPrice  float64
	RealtimePrice *float64
	ClosePrice    *float64
	PrevClose     *float64
	DayOpen       *float64
	DayHigh       *float64
	DayLow        *float64
	Volume        *int64
	UpdateSource  string
	UpdatedAt     time.Time
}

// Float returns a pointer to v, for optional quote fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional quote fields.
func Int(v int64) *int64 { return &v }
