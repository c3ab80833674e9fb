package domain

import (
	"fmt"
	"time"
)

// AlertKind classifies a triggered price condition.
type AlertKind string

const (
	AlertDefenseBreach    AlertKind = "defense_breach"
	AlertMinTarget        AlertKind = "min_target_reached"
	AlertReasonableTarget AlertKind = "reasonable_target_reached"
	AlertTakeProfit       AlertKind = "tp_triggered"
	AlertStopLoss         AlertKind = "sl_triggered"
)

// PrefKey maps the kind to its user-preference toggle.
func (k AlertKind) PrefKey() string {
	switch k {
	case AlertDefenseBreach:
		return "defense_alert"
	case AlertMinTarget:
		return "min_target_alert"
	case AlertReasonableTarget:
		return "reasonable_target_alert"
	case AlertTakeProfit, AlertStopLoss:
		return "tp_sl_alert"
	default:
		return "defense_alert"
	}
}

// AlertEvent is one triggered condition, produced by an evaluation cycle.
// It becomes the notification payload and, once recorded, the dedup history.
type AlertEvent struct {
	ID           string
	UserID       string
	Ticker       string
	Name         string
	Kind         AlertKind
	TriggerPrice float64
	CurrentPrice float64
	Notes        string
	TriggeredAt  time.Time
}

// DedupKey identifies the alert for cooldown suppression. Two events with
// the same key within the cooldown window collapse into one dispatch.
func (e AlertEvent) DedupKey() string {
	return e.UserID + "|" + e.Ticker + "|" + string(e.Kind)
}

// DisplayName renders "Name(Ticker)" or just the ticker when no name is known.
func (e AlertEvent) DisplayName() string {
	if e.Name != "" {
		return fmt.Sprintf("%s(%s)", e.Name, e.Ticker)
	}
	return e.Ticker
}

// AlertRecord is the persisted form of a dispatched alert, including which
// channels reported success. Recorded once the alert is decided to fire,
// whether or not any channel delivered.
type AlertRecord struct {
	ID           string
	UserID       string
	Ticker       string
	Kind         AlertKind
	TriggerPrice float64
	CurrentPrice float64
	NotifiedVia  []string
	TriggeredAt  time.Time
}

// EvaluateTargets compares current prices against advisory thresholds and
// returns one event per satisfied condition. Targets that are not "latest"
// or have no current price are skipped.
func EvaluateTargets(prices map[string]float64, targets []PriceTarget, now time.Time) []AlertEvent {
	var events []AlertEvent
	for _, t := range targets {
		if !t.IsLatest {
			continue
		}
		price, ok := prices[t.Ticker]
		if !ok || price <= 0 {
			continue
		}

		if t.DefensePrice != nil && price <= *t.DefensePrice {
			events = append(events, AlertEvent{
				UserID:       t.UserID,
				Ticker:       t.Ticker,
				Name:         t.Name,
				Kind:         AlertDefenseBreach,
				TriggerPrice: *t.DefensePrice,
				CurrentPrice: price,
				Notes:        t.StrategyNotes,
				TriggeredAt:  now,
			})
		}
		if t.MinTargetLow != nil && t.MinTargetHigh != nil &&
			*t.MinTargetLow <= price && price <= *t.MinTargetHigh {
			events = append(events, AlertEvent{
				UserID:       t.UserID,
				Ticker:       t.Ticker,
				Name:         t.Name,
				Kind:         AlertMinTarget,
				TriggerPrice: *t.MinTargetLow,
				CurrentPrice: price,
				Notes:        t.StrategyNotes,
				TriggeredAt:  now,
			})
		}
		if t.ReasonableTargetLow != nil && t.ReasonableTargetHigh != nil &&
			*t.ReasonableTargetLow <= price && price <= *t.ReasonableTargetHigh {
			events = append(events, AlertEvent{
				UserID:       t.UserID,
				Ticker:       t.Ticker,
				Name:         t.Name,
				Kind:         AlertReasonableTarget,
				TriggerPrice: *t.ReasonableTargetLow,
				CurrentPrice: price,
				Notes:        t.StrategyNotes,
				TriggeredAt:  now,
			})
		}
	}
	return events
}

// EvaluatePositions compares current prices against per-position TP/SL
// levels. Callers must raise watermarks before evaluating so a fresh high
// tightens the trailing stop in the same cycle.
func EvaluatePositions(prices map[string]float64, positions []Position, now time.Time) []AlertEvent {
	var events []AlertEvent
	for _, p := range positions {
		price, ok := prices[p.Ticker]
		if !ok || price <= 0 || p.TotalShares <= 0 {
			continue
		}

		tp, sl := p.TakeProfitStopLoss()

		if price >= tp {
			events = append(events, AlertEvent{
				UserID:       p.UserID,
				Ticker:       p.Ticker,
				Name:         p.Name,
				Kind:         AlertTakeProfit,
				TriggerPrice: tp,
				CurrentPrice: price,
				TriggeredAt:  now,
			})
		}
		if sl > 0 && price <= sl {
			events = append(events, AlertEvent{
				UserID:       p.UserID,
				Ticker:       p.Ticker,
				Name:         p.Name,
				Kind:         AlertStopLoss,
				TriggerPrice: sl,
				CurrentPrice: price,
				TriggeredAt:  now,
			})
		}
	}
	return events
}
