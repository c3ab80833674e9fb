// Package fugle streams Taiwan market quotes from the Fugle websocket API.
package fugle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"stockwatch/internal/application/port"
	"stockwatch/internal/domain"
	"stockwatch/internal/infrastructure/feed"
	"stockwatch/internal/infrastructure/metrics"
)

const (
	feedName    = "fugle_ws"
	dialTimeout = 10 * time.Second

	backoffBase    = 1 * time.Second
	backoffCeiling = 120 * time.Second
)

type Config struct {
	URL    string // defaults to wss://api.fugle.tw/marketdata/v1.0/stock/streaming
	APIKey string
}

// Client is the free-tier streaming feed for TPE tickers. Fugle caps
// concurrent connections per key, so a rejected handshake backs off at
// the ceiling instead of hammering the limit.
type Client struct {
	wsURL  string
	apiKey string
	log    zerolog.Logger

	backoff *feed.Backoff
	subs    *feed.SubSet
	stats   *feed.Stats

	updates chan port.PriceUpdate
	ctrl    chan feed.Control

	running   atomic.Bool
	connected atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now        func() time.Time
	marketOpen func(time.Time) bool
}

func New(cfg Config, log zerolog.Logger) *Client {
	wsURL := cfg.URL
	if wsURL == "" {
		wsURL = "wss://api.fugle.tw/marketdata/v1.0/stock/streaming"
	}
	return &Client{
		wsURL:      wsURL,
		apiKey:     cfg.APIKey,
		log:        log.With().Str("feed", feedName).Logger(),
		backoff:    feed.NewBackoff(backoffBase, backoffCeiling),
		subs:       feed.NewSubSet(),
		stats:      feed.NewStats(),
		updates:    make(chan port.PriceUpdate, 1024),
		ctrl:       make(chan feed.Control, 64),
		now:        time.Now,
		marketOpen: domain.IsTWMarketOpen,
	}
}

func (c *Client) Name() string          { return feedName }
func (c *Client) Region() domain.Region { return domain.RegionTW }
func (c *Client) Connected() bool       { return c.connected.Load() }
func (c *Client) Subscribed() []string  { return c.subs.Snapshot() }

func (c *Client) Updates() <-chan port.PriceUpdate { return c.updates }

func (c *Client) Connect(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("fugle: api key not configured")
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	go func() {
		defer close(done)
		c.run(runCtx)
	}()
	return nil
}

func (c *Client) Disconnect() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (c *Client) Subscribe(tickers []string) error {
	added := c.subs.Add(tickers)
	if len(added) == 0 {
		return nil
	}
	c.pushCtrl(feed.Control{Op: "subscribe", Tickers: added})
	return nil
}

func (c *Client) Unsubscribe(tickers []string) error {
	removed := c.subs.Remove(tickers)
	if len(removed) == 0 {
		return nil
	}
	c.pushCtrl(feed.Control{Op: "unsubscribe", Tickers: removed})
	return nil
}

func (c *Client) pushCtrl(ct feed.Control) {
	if !c.connected.Load() {
		return
	}
	select {
	case c.ctrl <- ct:
	default:
		c.log.Warn().Str("op", ct.Op).Msg("control queue full, deferring to reconnect replay")
	}
}

func (c *Client) Health() port.FeedHealth {
	last, total, covered := c.stats.Snapshot()
	return port.FeedHealth{
		Source:          feedName,
		Region:          string(domain.RegionTW),
		Connected:       c.connected.Load(),
		SubscribedCount: c.subs.Len(),
		LastMessageAt:   last,
		TotalMessages:   total,
		SymbolsCovered:  covered,
	}
}

func (c *Client) run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.FeedReconnects.WithLabelValues(feedName).Inc()
			c.log.Warn().Err(err).Msg("dial failed")
			if !feed.Wait(ctx, c.backoff.Next()) {
				return
			}
			continue
		}

		c.connected.Store(true)
		if err := conn.WriteJSON(map[string]any{
			"event": "auth",
			"data":  map[string]string{"apikey": c.apiKey},
		}); err != nil {
			c.log.Warn().Err(err).Msg("auth write failed")
			c.teardown(conn)
			continue
		}
		c.log.Info().Int("symbols", c.subs.Len()).Msg("connected, awaiting auth")

		// Subscription replay waits for the authenticated event; the
		// handler queues it through the control channel.
		err = feed.ReadLoop(ctx, conn, c.ctrl, c.handleMessage, writeControl)
		c.teardown(conn)
		if ctx.Err() != nil {
			return
		}
		metrics.FeedReconnects.WithLabelValues(feedName).Inc()
		c.log.Warn().Err(err).Msg("connection lost, reconnecting")
		if !feed.Wait(ctx, c.backoff.Next()) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fugle: dial: %w", err)
	}
	return conn, nil
}

func (c *Client) teardown(conn *websocket.Conn) {
	c.connected.Store(false)
	_ = conn.Close()
	for {
		select {
		case <-c.ctrl:
		default:
			return
		}
	}
}

func writeControl(conn *websocket.Conn, ct feed.Control) error {
	if len(ct.Tickers) == 0 {
		return nil
	}
	return conn.WriteJSON(map[string]any{
		"event": ct.Op,
		"data": map[string]any{
			"channel": "trades",
			"symbols": ct.Tickers,
		},
	})
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type tick struct {
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	LastPrice *float64 `json:"lastPrice"`
	Close     *float64 `json:"closePrice"`
	LastTrade *struct {
		Price *float64 `json:"price"`
	} `json:"lastTrade"`
	Bid         *float64 `json:"bid"`
	Ask         *float64 `json:"ask"`
	Volume      *int64   `json:"tradeVolume"`
	LastUpdated int64    `json:"lastUpdated"` // microseconds
}

type errPayload struct {
	Message string `json:"message"`
}

func (c *Client) handleMessage(b []byte) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		metrics.FeedDropped.WithLabelValues(feedName, "malformed").Inc()
		return
	}
	switch env.Event {
	case "authenticated":
		c.log.Info().Msg("authenticated")
		if snap := c.subs.Snapshot(); len(snap) > 0 {
			c.pushCtrl(feed.Control{Op: "subscribe", Tickers: snap})
		}
		return
	case "subscribed", "unsubscribed", "heartbeat":
		return
	case "error":
		var ep errPayload
		_ = json.Unmarshal(env.Data, &ep)
		if strings.Contains(strings.ToLower(ep.Message), "maximum number of connections") {
			// Another process holds the connection slot; waiting the full
			// ceiling gives it time to release.
			c.backoff.ForceCeiling()
		}
		c.log.Warn().Str("msg", ep.Message).Msg("upstream error frame")
		return
	case "data":
	default:
		return
	}

	var tk tick
	if err := json.Unmarshal(env.Data, &tk); err != nil || tk.Symbol == "" {
		metrics.FeedDropped.WithLabelValues(feedName, "malformed").Inc()
		return
	}

	now := c.now()
	c.stats.MarkMessage(now)
	metrics.FeedMessages.WithLabelValues(feedName).Inc()

	if !c.marketOpen(now) {
		metrics.FeedDropped.WithLabelValues(feedName, "off_hours").Inc()
		return
	}

	price, ok := extractPrice(tk)
	if !ok {
		metrics.FeedDropped.WithLabelValues(feedName, "no_price").Inc()
		return
	}

	// Only a tick carrying a usable price resets the reconnect delay.
	c.backoff.Reset()
	c.stats.MarkSymbol(tk.Symbol)

	ts := now
	if tk.LastUpdated > 0 {
		ts = time.UnixMicro(tk.LastUpdated)
	}
	u := port.PriceUpdate{
		Ticker: tk.Symbol,
		Region: domain.RegionTW,
		Price:  price,
		Ts:     ts,
		Source: feedName,
	}
	if tk.Volume != nil {
		u.Volume = *tk.Volume
	}
	c.emit(u)
}

// extractPrice tries the traded-price fields in order of trust. Bid/ask
// never substitute for a trade: a midpoint is a guess, not a price, and
// a guess must not trigger alerts.
func extractPrice(tk tick) (float64, bool) {
	if tk.LastTrade != nil && tk.LastTrade.Price != nil && *tk.LastTrade.Price > 0 {
		return *tk.LastTrade.Price, true
	}
	if tk.Price != nil && *tk.Price > 0 {
		return *tk.Price, true
	}
	if tk.LastPrice != nil && *tk.LastPrice > 0 {
		return *tk.LastPrice, true
	}
	if tk.Close != nil && *tk.Close > 0 {
		return *tk.Close, true
	}
	return 0, false
}

func (c *Client) emit(u port.PriceUpdate) {
	select {
	case c.updates <- u:
	default:
		// Shed the oldest queued update, latest wins.
		metrics.FeedDropped.WithLabelValues(feedName, "overflow").Inc()
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- u:
		default:
		}
	}
}
