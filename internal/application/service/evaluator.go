package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockwatch/internal/application/port"
	"stockwatch/internal/domain"
	"stockwatch/internal/infrastructure/metrics"
)

// DedupCooldown suppresses repeats of the same (user, ticker, kind)
// alert within the window.
const DedupCooldown = 60 * time.Minute

// Evaluator runs alert cycles: advisory target rules plus per-position
// take-profit / stop-loss, deduplicated against recent alert history.
type Evaluator struct {
	market    port.MarketRepository
	portfolio port.PortfolioRepository
	alerts    port.AlertRepository
	messaging port.MessagingRepository
	notifier  port.Notifier
	log       zerolog.Logger

	inflight atomic.Bool
	cooldown time.Duration
	now      func() time.Time
	newID    func() string
}

func NewEvaluator(
	market port.MarketRepository,
	portfolio port.PortfolioRepository,
	alerts port.AlertRepository,
	messaging port.MessagingRepository,
	notifier port.Notifier,
	log zerolog.Logger,
) *Evaluator {
	return &Evaluator{
		market:    market,
		portfolio: portfolio,
		alerts:    alerts,
		messaging: messaging,
		notifier:  notifier,
		log:       log.With().Str("component", "evaluator").Logger(),
		cooldown:  DedupCooldown,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// RunCycle evaluates every rule once. Overlapping calls collapse: if a
// cycle is already running the new one returns immediately. force skips
// the market-hours gate, for the manual check endpoint.
func (e *Evaluator) RunCycle(ctx context.Context, force bool) error {
	if !e.inflight.CompareAndSwap(false, true) {
		e.log.Debug().Msg("evaluation already in flight, skipping")
		return nil
	}
	defer e.inflight.Store(false)

	now := e.now()
	open := map[domain.Region]bool{
		domain.RegionTW: domain.IsMarketOpen(domain.RegionTW, now),
		domain.RegionUS: domain.IsMarketOpen(domain.RegionUS, now),
	}
	if !force && !open[domain.RegionTW] && !open[domain.RegionUS] {
		return nil
	}

	prices := e.livePrices(ctx, open, force)
	if len(prices) == 0 {
		return nil
	}

	events := e.collectEvents(ctx, prices, now)
	if len(events) == 0 {
		return nil
	}

	recent, err := e.alerts.RecentAlerts(ctx, now.Add(-e.cooldown))
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(recent))
	for _, rec := range recent {
		ev := domain.AlertEvent{UserID: rec.UserID, Ticker: rec.Ticker, Kind: rec.Kind}
		seen[ev.DedupKey()] = struct{}{}
	}

	for _, ev := range events {
		key := ev.DedupKey()
		if _, dup := seen[key]; dup {
			metrics.AlertsSuppressed.WithLabelValues(string(ev.Kind)).Inc()
			continue
		}
		seen[key] = struct{}{}

		if muted, err := e.kindMuted(ctx, ev); err != nil {
			e.log.Warn().Err(err).Str("user", ev.UserID).Msg("preference lookup failed, alerting anyway")
		} else if muted {
			continue
		}

		ev.ID = e.newID()
		via := e.notifier.Send(ctx, ev)

		// Recorded once the alert is decided, whether or not a channel
		// delivered. The record is also the dedup history, so a flapping
		// channel cannot re-fire the same alert every cycle.
		rec := domain.AlertRecord{
			ID:           ev.ID,
			UserID:       ev.UserID,
			Ticker:       ev.Ticker,
			Kind:         ev.Kind,
			TriggerPrice: ev.TriggerPrice,
			CurrentPrice: ev.CurrentPrice,
			NotifiedVia:  via,
			TriggeredAt:  ev.TriggeredAt,
		}
		if err := e.alerts.RecordAlert(ctx, rec); err != nil {
			e.log.Error().Err(err).Str("ticker", ev.Ticker).Msg("alert record failed")
		}
		metrics.AlertsFired.WithLabelValues(string(ev.Kind)).Inc()
		e.log.Info().Str("user", ev.UserID).Str("ticker", ev.Ticker).
			Str("kind", string(ev.Kind)).Float64("price", ev.CurrentPrice).
			Strs("via", via).Msg("alert fired")
	}
	return nil
}

// livePrices collects realtime prices for regions in session. Rows with
// no realtime price are stale (market closed or feed gap) and must not
// trigger alerts. A region whose quotes cannot be read contributes
// nothing this cycle; the other region still evaluates.
func (e *Evaluator) livePrices(ctx context.Context, open map[domain.Region]bool, force bool) map[string]float64 {
	prices := make(map[string]float64)
	for _, region := range []domain.Region{domain.RegionTW, domain.RegionUS} {
		if !force && !open[region] {
			continue
		}
		quotes, err := e.market.ListQuotes(ctx, region)
		if err != nil {
			e.log.Warn().Err(err).Str("region", string(region)).
				Msg("quotes unreadable, skipping region this cycle")
			continue
		}
		for _, q := range quotes {
			if q.RealtimePrice != nil && *q.RealtimePrice > 0 {
				prices[q.Ticker] = *q.RealtimePrice
			}
		}
	}
	return prices
}

// collectEvents builds the cycle's alert events. The target and lot
// sources fail independently: unreadable targets must not silence TP/SL
// and vice versa.
func (e *Evaluator) collectEvents(ctx context.Context, prices map[string]float64, now time.Time) []domain.AlertEvent {
	targets, err := e.portfolio.ListLatestTargets(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("targets unreadable, skipping advisory rules this cycle")
		targets = nil
	}
	events := domain.EvaluateTargets(prices, targets, now)

	lots, err := e.portfolio.ListLots(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("lots unreadable, skipping position rules this cycle")
		return events
	}
	positions := domain.AggregateLots(lots)

	// Watermarks rise before TP/SL is computed so a new high tightens
	// the trailing stop within the same cycle.
	for i, p := range positions {
		price, ok := prices[p.Ticker]
		if !ok || price <= p.HighWatermark {
			continue
		}
		if err := e.portfolio.RaiseHighWatermark(ctx, p.UserID, p.Ticker, price); err != nil {
			e.log.Warn().Err(err).Str("ticker", p.Ticker).Msg("watermark update failed")
			continue
		}
		positions[i].HighWatermark = price
	}

	return append(events, domain.EvaluatePositions(prices, positions, now)...)
}

// kindMuted reports whether the user switched this alert kind off.
// Missing messaging rows default to enabled.
func (e *Evaluator) kindMuted(ctx context.Context, ev domain.AlertEvent) (bool, error) {
	m, err := e.messaging.GetUserMessaging(ctx, ev.UserID)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	return !m.KindEnabled(ev.Kind), nil
}
