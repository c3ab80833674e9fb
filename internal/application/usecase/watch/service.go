// Package watch wires the feeds, the store and the periodic services
// into the long-running monitor.
package watch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"stockwatch/internal/application/port"
	"stockwatch/internal/application/service"
	"stockwatch/internal/domain"
	"stockwatch/internal/infrastructure/feed/polygon"
	"stockwatch/internal/infrastructure/metrics"
)

const (
	// DefaultReconcileEvery is the watch-set scan interval.
	DefaultReconcileEvery = 5 * time.Minute
	// DefaultCheckEvery is the alert evaluation interval.
	DefaultCheckEvery = time.Minute
)

// Session close times, Taipei wall clock. TW closes 13:30 with a buffer
// for late prints; the US close job runs the next Taipei morning after
// 16:00 Eastern has passed in every season.
const (
	twCloseHour, twCloseMin = 14, 5
	usCloseHour, usCloseMin = 6, 30
)

type Options struct {
	Market    port.MarketRepository
	Portfolio port.PortfolioRepository

	// TWFeeds in priority order: index 0 outranks the rest while
	// connected.
	TWFeeds []port.QuoteFeed
	USFeed  port.QuoteFeed
	Poller  *polygon.Poller

	Evaluator *service.Evaluator

	ReconcileEvery time.Duration
	CheckEvery     time.Duration
}

// Status is the /api/monitor/status payload.
type Status struct {
	Status         string              `json:"status"` // ok | degraded
	FallbackActive bool                `json:"fallback_active"`
	Feeds          []port.FeedHealth   `json:"feeds"`
	Watching       map[string][]string `json:"watching"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// Service owns the streaming path. Its run loop is the only writer of
// quote rows from feed updates, so per-ticker ordering needs no locks.
type Service struct {
	market     port.MarketRepository
	feeds      []port.QuoteFeed
	twPriority map[string]int
	usFeedName string
	poller     *polygon.Poller
	reconciler *service.Reconciler
	evaluator  *service.Evaluator
	sched      *Scheduler
	log        zerolog.Logger
	now        func() time.Time

	reconcileEvery time.Duration
	checkEvery     time.Duration
}

func NewService(opts Options, log zerolog.Logger) *Service {
	s := &Service{
		market:         opts.Market,
		twPriority:     make(map[string]int),
		poller:         opts.Poller,
		evaluator:      opts.Evaluator,
		sched:          NewScheduler(log),
		log:            log.With().Str("component", "watch").Logger(),
		now:            time.Now,
		reconcileEvery: opts.ReconcileEvery,
		checkEvery:     opts.CheckEvery,
	}
	if s.reconcileEvery <= 0 {
		s.reconcileEvery = DefaultReconcileEvery
	}
	if s.checkEvery <= 0 {
		s.checkEvery = DefaultCheckEvery
	}

	s.reconciler = service.NewReconciler(opts.Portfolio, log)
	for i, f := range opts.TWFeeds {
		s.feeds = append(s.feeds, f)
		s.twPriority[f.Name()] = i
		s.reconciler.AddSink(domain.RegionTW, f)
	}
	if opts.USFeed != nil {
		s.feeds = append(s.feeds, opts.USFeed)
		s.usFeedName = opts.USFeed.Name()
		s.reconciler.AddSink(domain.RegionUS, opts.USFeed)
	}
	if s.poller != nil {
		s.reconciler.SetFallback(s.poller.UpdateTickers)
		if opts.USFeed != nil {
			s.poller.SetConnected(opts.USFeed.Connected)
		}
	}
	return s
}

// Run connects everything and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for _, f := range s.feeds {
		if err := f.Connect(ctx); err != nil {
			return err
		}
	}
	defer func() {
		// Reverse of connect order.
		for i := len(s.feeds) - 1; i >= 0; i-- {
			_ = s.feeds[i].Disconnect()
		}
	}()

	if s.poller != nil {
		go s.poller.Run(ctx)
	}

	merged := make(chan port.PriceUpdate, 1024)
	for _, f := range s.feeds {
		go forward(ctx, f.Updates(), merged)
	}
	if s.poller != nil {
		go forward(ctx, s.poller.Updates(), merged)
	}

	s.sched.Every("reconcile_watchset", s.reconcileEvery, true, s.reconciler.Reconcile)
	s.sched.Every("alert_cycle", s.checkEvery, false, func(ctx context.Context) error {
		return s.evaluator.RunCycle(ctx, false)
	})
	s.sched.Daily("tw_session_close", twCloseHour, twCloseMin, domain.TaipeiTZ(), func(ctx context.Context) error {
		return s.closeSession(ctx, domain.RegionTW)
	})
	s.sched.Daily("us_session_close", usCloseHour, usCloseMin, domain.TaipeiTZ(), func(ctx context.Context) error {
		return s.closeSession(ctx, domain.RegionUS)
	})
	go s.sched.Run(ctx)

	s.log.Info().Int("feeds", len(s.feeds)).Msg("monitor running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-merged:
			s.handleUpdate(ctx, u)
		}
	}
}

func forward(ctx context.Context, in <-chan port.PriceUpdate, out chan<- port.PriceUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-in:
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Service) handleUpdate(ctx context.Context, u port.PriceUpdate) {
	// A live message from the US stream pushes the fallback window out.
	if s.poller != nil && u.Source == s.usFeedName && s.usFeedName != "" {
		s.poller.MarkStreamAlive(s.now())
	}

	if s.outranked(u) {
		metrics.FeedDropped.WithLabelValues(u.Source, "outranked").Inc()
		return
	}

	q := domain.Quote{
		Ticker:        u.Ticker,
		Region:        u.Region,
		CurrentPrice:  u.Price,
		RealtimePrice: domain.Float(u.Price),
		UpdateSource:  u.Source,
		UpdatedAt:     s.now(),
	}
	if u.PrevClose > 0 {
		q.PrevClose = domain.Float(u.PrevClose)
	}
	if u.DayOpen > 0 {
		q.DayOpen = domain.Float(u.DayOpen)
	}
	if u.DayHigh > 0 {
		q.DayHigh = domain.Float(u.DayHigh)
	}
	if u.DayLow > 0 {
		q.DayLow = domain.Float(u.DayLow)
	}
	if u.Volume > 0 {
		q.Volume = domain.Int(u.Volume)
	}
	if err := s.market.UpsertQuote(ctx, q); err != nil {
		metrics.StoreWriteErrors.Inc()
		s.log.Error().Err(err).Str("ticker", u.Ticker).Msg("quote write failed")
	}
}

// outranked reports whether a higher-priority TW feed is connected and
// therefore owns this ticker's stream. The broker feed outranks the
// free tier; when it drops, the free tier takes over without any
// explicit switch.
func (s *Service) outranked(u port.PriceUpdate) bool {
	if u.Region != domain.RegionTW {
		return false
	}
	prio, ok := s.twPriority[u.Source]
	if !ok || prio == 0 {
		return false
	}
	for _, f := range s.feeds {
		p, isTW := s.twPriority[f.Name()]
		if isTW && p < prio && f.Connected() {
			return true
		}
	}
	return false
}

func (s *Service) closeSession(ctx context.Context, region domain.Region) error {
	now := s.now()
	if err := s.market.MarkSessionClose(ctx, region, now); err != nil {
		return err
	}
	s.log.Info().Str("region", string(region)).Msg("session close recorded")
	return nil
}

// ForcePoll triggers one fallback snapshot poll immediately.
func (s *Service) ForcePoll(ctx context.Context) error {
	if s.poller == nil {
		return nil
	}
	return s.poller.PollOnce(ctx)
}

// ForceCheck runs one alert cycle, bypassing the market-hours gate.
func (s *Service) ForceCheck(ctx context.Context) error {
	return s.evaluator.RunCycle(ctx, true)
}

// Health aggregates per-feed health into the monitor status. A region
// with no live source (and no active fallback for US) marks the whole
// monitor degraded.
func (s *Service) Health() Status {
	st := Status{
		Status:      "ok",
		Watching:    make(map[string][]string),
		GeneratedAt: s.now(),
	}
	twConnected, usConnected, hasTW, hasUS := false, false, false, false
	for _, f := range s.feeds {
		h := f.Health()
		st.Feeds = append(st.Feeds, h)
		switch f.Region() {
		case domain.RegionTW:
			hasTW = true
			twConnected = twConnected || h.Connected
		case domain.RegionUS:
			hasUS = true
			usConnected = usConnected || h.Connected
		}
	}
	if s.poller != nil {
		st.FallbackActive = s.poller.Active()
		usConnected = usConnected || st.FallbackActive
	}
	for _, region := range []domain.Region{domain.RegionTW, domain.RegionUS} {
		st.Watching[string(region)] = s.reconciler.Watching(region)
	}
	if (hasTW && !twConnected) || (hasUS && !usConnected) {
		st.Status = "degraded"
	}
	return st
}
