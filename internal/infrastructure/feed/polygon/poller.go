// Package polygon polls the Polygon snapshot REST API as a fallback
// when the US streaming feed goes quiet.
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"stockwatch/internal/application/port"
	"stockwatch/internal/domain"
	"stockwatch/internal/infrastructure/metrics"
)

const (
	sourceName = "polygon_rest"

	// ActivationAfter is how long the streaming feed must stay silent
	// before the poller takes over.
	ActivationAfter = 120 * time.Second

	// PollInterval spaces snapshot polls while active.
	PollInterval = 60 * time.Second

	checkInterval = 15 * time.Second
	httpTimeout   = 15 * time.Second
)

type Config struct {
	BaseURL string // defaults to https://api.polygon.io
	APIKey  string
}

// Poller fetches grouped snapshots for the current US watch set. It is
// deliberately not a QuoteFeed: it has no connection of its own, only
// the companion client's connected flag and a staleness window to watch.
type Poller struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	updates chan port.PriceUpdate

	mu         sync.Mutex
	tickers    []string
	lastStream time.Time
	lastPoll   time.Time
	active     bool

	now        func() time.Time
	marketOpen func(time.Time) bool
	connected  func() bool
}

func New(cfg Config, log zerolog.Logger) *Poller {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.polygon.io"
	}
	return &Poller{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: httpTimeout},
		// Free tier allows 5 requests per minute; burst 1 keeps polls
		// evenly spaced even when forced manually.
		limiter:    rate.NewLimiter(rate.Every(12*time.Second), 1),
		log:        log.With().Str("feed", sourceName).Logger(),
		updates:    make(chan port.PriceUpdate, 256),
		now:        time.Now,
		marketOpen: domain.IsUSMarketOpen,
	}
}

func (p *Poller) Updates() <-chan port.PriceUpdate { return p.updates }

// UpdateTickers replaces the fallback watch set. Called by the
// reconciler with the current US holdings and targets.
func (p *Poller) UpdateTickers(tickers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickers = append([]string(nil), tickers...)
}

// SetConnected wires the streaming client's connected flag. While it
// reports true the poller stands down regardless of message staleness:
// a quiet-but-connected socket is not an outage. Must be set before Run.
func (p *Poller) SetConnected(fn func() bool) { p.connected = fn }

// MarkStreamAlive records a heartbeat from the streaming feed, pushing
// the activation window out.
func (p *Poller) MarkStreamAlive(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastStream = at
	p.deactivateLocked()
}

func (p *Poller) deactivateLocked() {
	if p.active {
		p.active = false
		metrics.FallbackActive.Set(0)
		p.log.Info().Msg("streaming feed recovered, fallback deactivated")
	}
}

// Active reports whether the poller is currently standing in for the
// streaming feed.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Run watches for staleness until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	now := p.now()
	if !p.marketOpen(now) {
		return
	}
	if !p.shouldPoll(now) {
		return
	}
	if err := p.PollOnce(ctx); err != nil {
		p.log.Warn().Err(err).Msg("snapshot poll failed")
	}
}

// shouldPoll decides whether a poll is due at now and, if so, records
// it. A connected streaming client vetoes everything. Otherwise the
// stream must be silent past the activation window and the previous
// poll at least PollInterval ago.
func (p *Poller) shouldPoll(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected != nil && p.connected() {
		p.lastStream = now
		p.deactivateLocked()
		return false
	}
	if len(p.tickers) == 0 {
		return false
	}
	if p.lastStream.IsZero() {
		// Never heard from the stream; start the window at first sight.
		p.lastStream = now
		return false
	}
	if now.Sub(p.lastStream) < ActivationAfter {
		return false
	}
	if !p.active {
		p.active = true
		metrics.FallbackActive.Set(1)
		p.log.Warn().Dur("silent_for", now.Sub(p.lastStream)).Msg("streaming feed stale, fallback activated")
	}
	if !p.lastPoll.IsZero() && now.Sub(p.lastPoll) < PollInterval {
		return false
	}
	p.lastPoll = now
	return true
}

// PollOnce fetches one snapshot batch for the current watch set and
// emits whatever tickers the response actually covers. Also used by
// the manual poll endpoint.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.mu.Lock()
	tickers := append([]string(nil), p.tickers...)
	p.mu.Unlock()
	if len(tickers) == 0 {
		return nil
	}
	if p.apiKey == "" {
		return fmt.Errorf("polygon: api key not configured")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	metrics.FallbackPolls.Inc()
	endpoint := fmt.Sprintf("%s/v2/snapshot/locale/us/markets/stocks/tickers?tickers=%s&apiKey=%s",
		p.baseURL, url.QueryEscape(strings.Join(tickers, ",")), url.QueryEscape(p.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("polygon: snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("polygon: snapshot: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("polygon: decode snapshot: %w", err)
	}

	now := p.now()
	emitted := 0
	for _, s := range sr.Tickers {
		if s.Ticker == "" || s.LastTrade.Price <= 0 {
			continue
		}
		ts := now
		if s.LastTrade.TsNs > 0 {
			ts = time.Unix(0, s.LastTrade.TsNs)
		}
		u := port.PriceUpdate{
			Ticker:    s.Ticker,
			Region:    domain.RegionUS,
			Price:     s.LastTrade.Price,
			Volume:    s.Day.Volume,
			DayOpen:   s.Day.Open,
			DayHigh:   s.Day.High,
			DayLow:    s.Day.Low,
			PrevClose: s.PrevDay.Close,
			Ts:        ts,
			Source:    sourceName,
		}
		select {
		case p.updates <- u:
			emitted++
		default:
			p.log.Warn().Str("ticker", s.Ticker).Msg("updates channel full, snapshot entry dropped")
		}
	}
	// A partial batch still counts: missing tickers keep their previous
	// stored price rather than failing the whole poll.
	if emitted < len(tickers) {
		p.log.Debug().Int("requested", len(tickers)).Int("returned", emitted).Msg("partial snapshot batch")
	}
	return nil
}

type snapshotResponse struct {
	Tickers []snapshotTicker `json:"tickers"`
}

type snapshotTicker struct {
	Ticker    string `json:"ticker"`
	LastTrade struct {
		Price float64 `json:"p"`
		TsNs  int64   `json:"t"`
	} `json:"lastTrade"`
	Day struct {
		Open   float64 `json:"o"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Volume int64   `json:"v"`
	} `json:"day"`
	PrevDay struct {
		Close float64 `json:"c"`
	} `json:"prevDay"`
}
