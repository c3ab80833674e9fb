// Package finnhub streams US trades from the Finnhub websocket API.
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
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
	feedName    = "finnhub_ws"
	dialTimeout = 10 * time.Second

	backoffBase    = 1 * time.Second
	backoffCeiling = 120 * time.Second
)

type Config struct {
	URL    string // defaults to wss://ws.finnhub.io
	APIKey string
}

// Client is the streaming quote feed for US tickers. One run loop per
// client owns dialing and reconnecting, so a reconnect can never race
// another.
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
		wsURL = "wss://ws.finnhub.io"
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
		marketOpen: domain.IsUSMarketOpen,
	}
}

func (c *Client) Name() string          { return feedName }
func (c *Client) Region() domain.Region { return domain.RegionUS }
func (c *Client) Connected() bool       { return c.connected.Load() }
func (c *Client) Subscribed() []string  { return c.subs.Snapshot() }

func (c *Client) Updates() <-chan port.PriceUpdate { return c.updates }

// Connect starts the run loop. Calling it again while running is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("finnhub: api key not configured")
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

// Disconnect stops the run loop and waits for it to exit.
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

// Subscribe queues tickers; already-subscribed ones are skipped. While
// connected the delta is written out through the control channel.
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
		return // desired set replays on next connect
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
		Region:          string(domain.RegionUS),
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
			if isRateLimited(err.Error()) {
				c.backoff.ForceCeiling()
				c.log.Warn().Err(err).Msg("rate limited, backing off to ceiling")
			} else {
				c.log.Warn().Err(err).Msg("dial failed")
			}
			if !feed.Wait(ctx, c.backoff.Next()) {
				return
			}
			continue
		}

		c.connected.Store(true)
		c.log.Info().Int("symbols", c.subs.Len()).Msg("connected")
		if err := c.replaySubscriptions(conn); err != nil {
			c.log.Warn().Err(err).Msg("subscription replay failed")
			c.teardown(conn)
			continue
		}

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
	u := fmt.Sprintf("%s?token=%s", c.wsURL, url.QueryEscape(c.apiKey))
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 429 {
			return nil, fmt.Errorf("finnhub: handshake rejected: 429 too many requests")
		}
		return nil, fmt.Errorf("finnhub: dial: %w", err)
	}
	return conn, nil
}

func (c *Client) teardown(conn *websocket.Conn) {
	c.connected.Store(false)
	_ = conn.Close()
	// Drop queued control edits; the desired set is replayed in full on
	// the next connect anyway.
	for {
		select {
		case <-c.ctrl:
		default:
			return
		}
	}
}

func (c *Client) replaySubscriptions(conn *websocket.Conn) error {
	return writeControl(conn, feed.Control{Op: "subscribe", Tickers: c.subs.Snapshot()})
}

func writeControl(conn *websocket.Conn, ct feed.Control) error {
	for _, t := range ct.Tickers {
		msg := map[string]string{"type": ct.Op, "symbol": t}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

type wsMessage struct {
	Type string    `json:"type"`
	Msg  string    `json:"msg"`
	Data []wsTrade `json:"data"`
}

type wsTrade struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	Volume float64 `json:"v"`
	TsMs   int64   `json:"t"`
}

func (c *Client) handleMessage(b []byte) {
	var msg wsMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		metrics.FeedDropped.WithLabelValues(feedName, "malformed").Inc()
		return
	}
	switch msg.Type {
	case "ping":
		return
	case "error":
		if isRateLimited(msg.Msg) {
			c.backoff.ForceCeiling()
		}
		c.log.Warn().Str("msg", msg.Msg).Msg("upstream error frame")
		return
	case "trade":
	default:
		return
	}

	now := c.now()
	c.stats.MarkMessage(now)
	metrics.FeedMessages.WithLabelValues(feedName).Inc()

	if !c.marketOpen(now) {
		metrics.FeedDropped.WithLabelValues(feedName, "off_hours").Inc()
		return
	}

	// A batch can carry several trades per symbol; keep the last one so a
	// burst collapses to one store write each.
	latest := make(map[string]wsTrade, len(msg.Data))
	for _, tr := range msg.Data {
		if tr.Symbol == "" || tr.Price <= 0 {
			metrics.FeedDropped.WithLabelValues(feedName, "no_price").Inc()
			continue
		}
		latest[tr.Symbol] = tr
	}
	if len(latest) == 0 {
		return
	}

	// Only a validated trade proves the session is healthy.
	c.backoff.Reset()

	for sym, tr := range latest {
		c.stats.MarkSymbol(sym)
		ts := now
		if tr.TsMs > 0 {
			ts = time.UnixMilli(tr.TsMs)
		}
		c.emit(port.PriceUpdate{
			Ticker: sym,
			Region: domain.RegionUS,
			Price:  tr.Price,
			Volume: int64(tr.Volume),
			Ts:     ts,
			Source: feedName,
		})
	}
}

func (c *Client) emit(u port.PriceUpdate) {
	select {
	case c.updates <- u:
	default:
		// Consumer stalled; latest-wins semantics make the oldest queued
		// update the safest one to shed.
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

func isRateLimited(s string) bool {
	ls := strings.ToLower(s)
	return strings.Contains(ls, "429") || strings.Contains(ls, "limit")
}
