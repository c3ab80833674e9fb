// Package service holds the periodic application services: watch-set
// reconciliation and alert evaluation.
package service

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"stockwatch/internal/application/port"
	"stockwatch/internal/domain"
	"stockwatch/internal/infrastructure/metrics"
)

// SubscriptionSink receives watch-set deltas. Feed clients implement it;
// they keep their own desired set and replay it on reconnect, so a delta
// lost to a transient error heals itself on the next cycle.
type SubscriptionSink interface {
	Name() string
	Subscribe(tickers []string) error
	Unsubscribe(tickers []string) error
}

// Reconciler keeps every feed's subscription set equal to the union of
// held and targeted tickers. Only deltas are pushed; a full resubscribe
// would thrash provider-side limits.
type Reconciler struct {
	portfolio port.PortfolioRepository
	sinks     map[domain.Region][]SubscriptionSink
	fallback  func([]string) // US fallback poller watch set
	log       zerolog.Logger

	mu      sync.Mutex // guards current: Watching is called from the http handler
	current map[domain.Region]map[string]struct{}
}

func NewReconciler(portfolio port.PortfolioRepository, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		portfolio: portfolio,
		sinks:     make(map[domain.Region][]SubscriptionSink),
		log:       log.With().Str("component", "reconciler").Logger(),
		current:   make(map[domain.Region]map[string]struct{}),
	}
}

// AddSink registers a feed for a region's deltas.
func (r *Reconciler) AddSink(region domain.Region, s SubscriptionSink) {
	r.sinks[region] = append(r.sinks[region], s)
}

// SetFallback registers the receiver for the full US watch set.
func (r *Reconciler) SetFallback(fn func([]string)) { r.fallback = fn }

// Reconcile recomputes the desired set per region and pushes the delta
// to each sink. Failures stay local: a source of truth that cannot be
// read contributes nothing this cycle, a failing sink is logged and
// skipped, and one region never blocks the other. While any source is
// unreadable only additions are applied, so a transient query failure
// cannot mass-unsubscribe the tickers that source was carrying.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	targets, targetsErr := r.portfolio.ListTargetTickers(ctx)
	if targetsErr != nil {
		r.log.Warn().Err(targetsErr).Msg("target tickers unreadable, treating as empty this cycle")
		targets = nil
	}

	for _, region := range []domain.Region{domain.RegionTW, domain.RegionUS} {
		desired := make(map[string]struct{})
		holdings, holdingsErr := r.portfolio.ListHoldingTickers(ctx, region)
		if holdingsErr != nil {
			r.log.Warn().Err(holdingsErr).Str("region", string(region)).
				Msg("holding tickers unreadable, treating as empty this cycle")
			holdings = nil
		}
		for _, t := range holdings {
			desired[t] = struct{}{}
		}
		for _, t := range targets {
			if domain.InferRegion(t) == region {
				desired[t] = struct{}{}
			}
		}

		r.mu.Lock()
		cur := r.current[region]
		r.mu.Unlock()

		if targetsErr != nil || holdingsErr != nil {
			// Half a union is not the truth; keep everything currently
			// subscribed until both sources read cleanly again.
			for t := range cur {
				desired[t] = struct{}{}
			}
		}
		var add, remove []string
		for t := range desired {
			if _, ok := cur[t]; !ok {
				add = append(add, t)
			}
		}
		for t := range cur {
			if _, ok := desired[t]; !ok {
				remove = append(remove, t)
			}
		}
		sort.Strings(add)
		sort.Strings(remove)

		for _, s := range r.sinks[region] {
			if len(add) > 0 {
				if err := s.Subscribe(add); err != nil {
					r.log.Warn().Err(err).Str("feed", s.Name()).Msg("subscribe delta failed")
				}
			}
			if len(remove) > 0 {
				if err := s.Unsubscribe(remove); err != nil {
					r.log.Warn().Err(err).Str("feed", s.Name()).Msg("unsubscribe delta failed")
				}
			}
		}

		if region == domain.RegionUS && r.fallback != nil {
			all := make([]string, 0, len(desired))
			for t := range desired {
				all = append(all, t)
			}
			sort.Strings(all)
			r.fallback(all)
		}

		r.mu.Lock()
		r.current[region] = desired
		r.mu.Unlock()
		metrics.WatchSetSize.WithLabelValues(string(region)).Set(float64(len(desired)))
		if len(add) > 0 || len(remove) > 0 {
			r.log.Info().Str("region", string(region)).
				Strs("added", add).Strs("removed", remove).
				Int("watching", len(desired)).Msg("watch set reconciled")
		}
	}
	return nil
}

// Watching returns the reconciled set for a region, sorted. Safe to
// call from the status handler while a reconcile cycle runs.
func (r *Reconciler) Watching(region domain.Region) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.current[region]))
	for t := range r.current[region] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
