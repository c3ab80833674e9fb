package domain

// StrategyMode selects how take-profit / stop-loss levels are derived.
type StrategyMode string

const (
	StrategyAuto   StrategyMode = "auto"
	StrategyManual StrategyMode = "manual"
)

// Lot is a single purchase of a holding. A user may hold several lots of the
// same ticker; alert evaluation works on the aggregated Position.
type Lot struct {
	ID            string
	UserID        string
	Ticker        string
	Name          string
	Region        Region
	Shares        float64
	CostPrice     float64
	StrategyMode  StrategyMode
	ManualTP      *float64
	ManualSL      *float64
	HighWatermark *float64
}

// Position is the per-(user, ticker) aggregate of one or more lots.
type Position struct {
	UserID        string
	Ticker        string
	Name          string
	Region        Region
	TotalShares   float64
	AvgCost       float64
	StrategyMode  StrategyMode
	ManualTP      *float64
	ManualSL      *float64
	HighWatermark float64
}

// AggregateLots groups lots by (user, ticker) into positions with weighted
// average cost. The highest watermark across lots wins; a position that never
// saw a price above cost carries the cost as its watermark.
func AggregateLots(lots []Lot) []Position {
	type key struct{ user, ticker string }
	order := make([]key, 0, len(lots))
	agg := make(map[key]*Position, len(lots))
	cost := make(map[key]float64, len(lots))

	for _, l := range lots {
		if l.Shares <= 0 {
			continue
		}
		k := key{l.UserID, l.Ticker}
		p, ok := agg[k]
		if !ok {
			p = &Position{
				UserID:       l.UserID,
				Ticker:       l.Ticker,
				Name:         l.Name,
				Region:       l.Region,
				StrategyMode: l.StrategyMode,
				ManualTP:     l.ManualTP,
				ManualSL:     l.ManualSL,
			}
			agg[k] = p
			order = append(order, k)
		}
		p.TotalShares += l.Shares
		cost[k] += l.Shares * l.CostPrice
		if l.HighWatermark != nil && *l.HighWatermark > p.HighWatermark {
			p.HighWatermark = *l.HighWatermark
		}
	}

	out := make([]Position, 0, len(order))
	for _, k := range order {
		p := agg[k]
		p.AvgCost = cost[k] / p.TotalShares
		if p.HighWatermark < p.AvgCost {
			p.HighWatermark = p.AvgCost
		}
		out = append(out, *p)
	}
	return out
}

// TakeProfitStopLoss returns the TP/SL levels for the position.
//
// Manual mode uses the user-set levels, falling back to the auto defaults
// when unset. Auto mode trails the watermark:
//
//	TP = max(avg_cost * 1.1, high_watermark * 0.9)
//	SL = avg_cost (breakeven)
func (p Position) TakeProfitStopLoss() (tp, sl float64) {
	if p.StrategyMode == StrategyManual {
		tp = p.AvgCost * 1.1
		if p.ManualTP != nil && *p.ManualTP > 0 {
			tp = *p.ManualTP
		}
		sl = p.AvgCost
		if p.ManualSL != nil && *p.ManualSL > 0 {
			sl = *p.ManualSL
		}
		return tp, sl
	}

	hwm := p.HighWatermark
	if hwm <= 0 {
		hwm = p.AvgCost
	}
	tp = p.AvgCost * 1.1
	if trailing := hwm * 0.9; trailing > tp {
		tp = trailing
	}
	return tp, p.AvgCost
}

// PriceTarget is one advisory threshold row. Exactly one row per
// (user, ticker) is "latest" at a time; superseding retires the old row.
type PriceTarget struct {
	ID                   string
	UserID               string
	Ticker               string
	Name                 string
	DefensePrice         *float64
	MinTargetLow         *float64
	MinTargetHigh        *float64
	ReasonableTargetLow  *float64
	ReasonableTargetHigh *float64
	StrategyNotes        string
	IsLatest             bool
}

// UserMessaging holds a user's notification channel addresses and
// per-alert-kind preferences.
type UserMessaging struct {
	UserID         string
	TelegramChatID string
	LineUserID     string
	Prefs          map[string]bool
}

// ChannelEnabled reports whether the named channel is enabled for the user.
// Unset preferences default to enabled.
func (m UserMessaging) ChannelEnabled(channel string) bool {
	if m.Prefs == nil {
		return true
	}
	v, ok := m.Prefs[channel+"_enabled"]
	return !ok || v
}

// KindEnabled reports whether alerts of the given kind are enabled.
func (m UserMessaging) KindEnabled(kind AlertKind) bool {
	if m.Prefs == nil {
		return true
	}
	v, ok := m.Prefs[kind.PrefKey()]
	return !ok || v
}
