package fugle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/domain"
)

func testClient(open bool) *Client {
	c := New(Config{APIKey: "k"}, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	c.marketOpen = func(time.Time) bool { return open }
	return c
}

func TestExtractPricePrefersTradedFields(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	cases := []struct {
		name string
		tk   tick
		want float64
		ok   bool
	}{
		{
			name: "last trade wins over everything",
			tk: tick{
				LastTrade: &struct {
					Price *float64 `json:"price"`
				}{Price: f(601)},
				Price: f(600), LastPrice: f(599), Close: f(598),
			},
			want: 601, ok: true,
		},
		{
			name: "price over lastPrice",
			tk:   tick{Price: f(600), LastPrice: f(599)},
			want: 600, ok: true,
		},
		{
			name: "close as last resort",
			tk:   tick{Close: f(598)},
			want: 598, ok: true,
		},
		{
			name: "bid and ask never produce a midpoint",
			tk:   tick{Bid: f(599.5), Ask: f(600.5)},
			ok:   false,
		},
		{
			name: "zero prices are not usable",
			tk:   tick{Price: f(0), LastPrice: f(0)},
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractPrice(tc.tk)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestDataEventEmitsUpdate(t *testing.T) {
	c := testClient(true)

	c.handleMessage([]byte(`{"event":"data","data":{"symbol":"2330","price":612.0,"tradeVolume":1500,"lastUpdated":1767340800000000}}`))

	select {
	case u := <-c.Updates():
		assert.Equal(t, "2330", u.Ticker)
		assert.Equal(t, domain.RegionTW, u.Region)
		assert.Equal(t, 612.0, u.Price)
		assert.Equal(t, int64(1500), u.Volume)
		assert.Equal(t, feedName, u.Source)
	default:
		t.Fatal("expected an update")
	}
}

func TestBidAskOnlyTickIsDropped(t *testing.T) {
	c := testClient(true)
	c.backoff.Next() // pending 2s

	c.handleMessage([]byte(`{"event":"data","data":{"symbol":"2330","bid":611.0,"ask":612.0}}`))

	select {
	case u := <-c.Updates():
		t.Fatalf("unexpected update %+v from bid/ask-only tick", u)
	default:
	}
	// No usable price means no backoff reset either.
	assert.Equal(t, 2*time.Second, c.backoff.Pending())
}

func TestDataEventDroppedOffHours(t *testing.T) {
	c := testClient(false)

	c.handleMessage([]byte(`{"event":"data","data":{"symbol":"2330","price":612.0}}`))

	select {
	case u := <-c.Updates():
		t.Fatalf("unexpected update %+v outside market hours", u)
	default:
	}
}

func TestMaxConnectionsErrorForcesCeiling(t *testing.T) {
	c := testClient(true)

	c.handleMessage([]byte(`{"event":"error","data":{"message":"Maximum number of connections reached"}}`))
	assert.Equal(t, backoffCeiling, c.backoff.Pending())
}

func TestAuthenticatedReplaysSubscriptions(t *testing.T) {
	c := testClient(true)
	require.NoError(t, c.Subscribe([]string{"2330", "2454"}))
	c.connected.Store(true)

	c.handleMessage([]byte(`{"event":"authenticated","data":{}}`))

	select {
	case ct := <-c.ctrl:
		assert.Equal(t, "subscribe", ct.Op)
		assert.Equal(t, []string{"2330", "2454"}, ct.Tickers)
	default:
		t.Fatal("expected a queued subscribe replay")
	}
}
