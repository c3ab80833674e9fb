// Package sinopac streams Taiwan quotes from the Sinopac broker gateway.
// When connected it outranks the free-tier feed for TPE tickers.
package sinopac

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
	feedName    = "sinopac_ws"
	dialTimeout = 10 * time.Second

	backoffBase    = 1 * time.Second
	backoffCeiling = 60 * time.Second

	quoteTopicPrefix = "quote."
)

type Config struct {
	URL       string
	APIKey    string
	SecretKey string
}

// Client consumes the broker's topic-based quote stream. The broker
// session carries full OHLC context per tick, which the streaming path
// forwards so close-day jobs have prev-close and day-range data.
type Client struct {
	wsURL  string
	apiKey string
	secret string
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
	return &Client{
		wsURL:      cfg.URL,
		apiKey:     cfg.APIKey,
		secret:     cfg.SecretKey,
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
	if c.wsURL == "" || c.apiKey == "" || c.secret == "" {
		return fmt.Errorf("sinopac: gateway url and credentials required")
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
		c.log.Info().Int("symbols", c.subs.Len()).Msg("connected")
		if err := writeControl(conn, feed.Control{Op: "subscribe", Tickers: c.subs.Snapshot()}); err != nil {
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
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	hdr := map[string][]string{
		"X-Api-Key":    {c.apiKey},
		"X-Secret-Key": {c.secret},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.wsURL, hdr)
	if err != nil {
		return nil, fmt.Errorf("sinopac: dial: %w", err)
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
	args := make([]string, 0, len(ct.Tickers))
	for _, t := range ct.Tickers {
		args = append(args, quoteTopicPrefix+t)
	}
	return conn.WriteJSON(map[string]any{"op": ct.Op, "args": args})
}

type wsFrame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type wsQuote struct {
	Price     float64  `json:"price"`
	Volume    int64    `json:"volume"`
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	PrevClose *float64 `json:"prev_close"`
	TsMs      int64    `json:"ts"`
}

func (c *Client) handleMessage(b []byte) {
	var fr wsFrame
	if err := json.Unmarshal(b, &fr); err != nil {
		metrics.FeedDropped.WithLabelValues(feedName, "malformed").Inc()
		return
	}
	if fr.Op == "pong" || fr.Op == "subscribe" || fr.Op == "unsubscribe" {
		return
	}
	ticker, ok := strings.CutPrefix(fr.Topic, quoteTopicPrefix)
	if !ok || ticker == "" {
		return
	}

	now := c.now()
	c.stats.MarkMessage(now)
	metrics.FeedMessages.WithLabelValues(feedName).Inc()

	if !c.marketOpen(now) {
		metrics.FeedDropped.WithLabelValues(feedName, "off_hours").Inc()
		return
	}

	var q wsQuote
	if err := json.Unmarshal(fr.Data, &q); err != nil {
		metrics.FeedDropped.WithLabelValues(feedName, "malformed").Inc()
		return
	}
	if q.Price <= 0 {
		metrics.FeedDropped.WithLabelValues(feedName, "no_price").Inc()
		return
	}

	c.backoff.Reset()
	c.stats.MarkSymbol(ticker)

	ts := now
	if q.TsMs > 0 {
		ts = time.UnixMilli(q.TsMs)
	}
	u := port.PriceUpdate{
		Ticker: ticker,
		Region: domain.RegionTW,
		Price:  q.Price,
		Volume: q.Volume,
		Ts:     ts,
		Source: feedName,
	}
	if q.Open != nil {
		u.DayOpen = *q.Open
	}
	if q.High != nil {
		u.DayHigh = *q.High
	}
	if q.Low != nil {
		u.DayLow = *q.Low
	}
	if q.PrevClose != nil {
		u.PrevClose = *q.PrevClose
	}
	c.emit(u)
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
