package finnhub

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/application/port"
	"stockwatch/internal/domain"
	"stockwatch/internal/infrastructure/metrics"
)

func testClient(open bool) *Client {
	c := New(Config{APIKey: "k"}, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC) }
	c.marketOpen = func(time.Time) bool { return open }
	return c
}

func TestHandleTradeEmitsLatestPerSymbol(t *testing.T) {
	c := testClient(true)

	c.handleMessage([]byte(`{"type":"trade","data":[
		{"s":"AAPL","p":210.10,"v":100,"t":1767349800000},
		{"s":"AAPL","p":210.55,"v":50,"t":1767349801000},
		{"s":"NVDA","p":905.00,"v":20,"t":1767349801000}
	]}`))

	got := map[string]float64{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-c.Updates():
			assert.Equal(t, domain.RegionUS, u.Region)
			assert.Equal(t, feedName, u.Source)
			got[u.Ticker] = u.Price
		default:
			t.Fatal("expected two updates")
		}
	}
	// Batches collapse to one update per symbol, keeping the last trade.
	assert.Equal(t, 210.55, got["AAPL"])
	assert.Equal(t, 905.00, got["NVDA"])
}

func TestEmitShedsOldestAndCountsOverflow(t *testing.T) {
	c := testClient(true)
	c.updates = make(chan port.PriceUpdate, 1)

	dropped := metrics.FeedDropped.WithLabelValues(feedName, "overflow")
	before := testutil.ToFloat64(dropped)

	c.emit(port.PriceUpdate{Ticker: "AAPL", Price: 210.10})
	c.emit(port.PriceUpdate{Ticker: "AAPL", Price: 210.55})

	// Latest wins when the consumer stalls, and the shed is counted.
	u := <-c.Updates()
	assert.Equal(t, 210.55, u.Price)
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
}

func TestHandleTradeDropsOffHours(t *testing.T) {
	c := testClient(false)

	c.handleMessage([]byte(`{"type":"trade","data":[{"s":"AAPL","p":210.10,"v":100,"t":0}]}`))

	select {
	case u := <-c.Updates():
		t.Fatalf("unexpected update %+v outside market hours", u)
	default:
	}
	// The message still counts toward liveness.
	last, total, _ := c.stats.Snapshot()
	require.NotNil(t, last)
	assert.Equal(t, int64(1), total)
}

func TestHandleTradeRejectsNonPositivePrice(t *testing.T) {
	c := testClient(true)

	c.handleMessage([]byte(`{"type":"trade","data":[
		{"s":"AAPL","p":0,"v":100,"t":0},
		{"s":"NVDA","p":-1,"v":100,"t":0}
	]}`))

	select {
	case u := <-c.Updates():
		t.Fatalf("unexpected update %+v for non-positive price", u)
	default:
	}
}

func TestBackoffResetOnlyOnValidatedTrade(t *testing.T) {
	c := testClient(true)
	c.backoff.Next()
	c.backoff.Next() // pending is now 4s

	// Pings and empty trade batches do not prove a healthy session.
	c.handleMessage([]byte(`{"type":"ping"}`))
	c.handleMessage([]byte(`{"type":"trade","data":[]}`))
	assert.Equal(t, 4*time.Second, c.backoff.Pending())

	c.handleMessage([]byte(`{"type":"trade","data":[{"s":"AAPL","p":210.10,"v":1,"t":0}]}`))
	assert.Equal(t, 1*time.Second, c.backoff.Pending())
}

func TestErrorFrameForcesBackoffCeiling(t *testing.T) {
	c := testClient(true)

	c.handleMessage([]byte(`{"type":"error","msg":"API limit reached"}`))
	assert.Equal(t, backoffCeiling, c.backoff.Pending())
}

func TestSubscribeQueuesWhileDisconnected(t *testing.T) {
	c := testClient(true)

	require.NoError(t, c.Subscribe([]string{"AAPL", "NVDA", "AAPL"}))
	assert.Equal(t, []string{"AAPL", "NVDA"}, c.Subscribed())

	// Nothing was connected, so no control frame may be queued.
	select {
	case ct := <-c.ctrl:
		t.Fatalf("unexpected control %+v while disconnected", ct)
	default:
	}

	require.NoError(t, c.Unsubscribe([]string{"NVDA"}))
	assert.Equal(t, []string{"AAPL"}, c.Subscribed())
}

func TestConnectRequiresAPIKey(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	err := c.Connect(context.Background())
	require.Error(t, err)
}
