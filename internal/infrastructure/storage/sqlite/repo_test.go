package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/domain"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestUpsertQuoteLastWriteWins(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, r.UpsertQuote(ctx, domain.Quote{
		Ticker: "2330", Region: domain.RegionTW, Name: "台積電",
		CurrentPrice: 610, RealtimePrice: domain.Float(610),
		PrevClose: domain.Float(607), DayHigh: domain.Float(612),
		UpdateSource: "sinopac_ws", UpdatedAt: t0,
	}))

	// A later trade-only update overwrites the price but keeps the day
	// context it does not carry.
	require.NoError(t, r.UpsertQuote(ctx, domain.Quote{
		Ticker: "2330", Region: domain.RegionTW,
		CurrentPrice: 612, RealtimePrice: domain.Float(612),
		UpdateSource: "fugle_ws", UpdatedAt: t0.Add(time.Minute),
	}))

	quotes, err := r.ListQuotes(ctx, domain.RegionTW)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	q := quotes[0]
	assert.Equal(t, 612.0, q.CurrentPrice)
	assert.Equal(t, "fugle_ws", q.UpdateSource)
	assert.Equal(t, "台積電", q.Name)
	require.NotNil(t, q.PrevClose)
	assert.Equal(t, 607.0, *q.PrevClose)
	require.NotNil(t, q.DayHigh)
	assert.Equal(t, 612.0, *q.DayHigh)
}

func TestMarkSessionClose(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 13, 25, 0, 0, time.UTC)

	require.NoError(t, r.UpsertQuote(ctx, domain.Quote{
		Ticker: "2330", Region: domain.RegionTW,
		CurrentPrice: 615, RealtimePrice: domain.Float(615),
		UpdateSource: "sinopac_ws", UpdatedAt: t0,
	}))
	require.NoError(t, r.UpsertQuote(ctx, domain.Quote{
		Ticker: "AAPL", Region: domain.RegionUS,
		CurrentPrice: 210, RealtimePrice: domain.Float(210),
		UpdateSource: "finnhub_ws", UpdatedAt: t0,
	}))

	require.NoError(t, r.MarkSessionClose(ctx, domain.RegionTW, t0.Add(time.Hour)))

	tw, err := r.ListQuotes(ctx, domain.RegionTW)
	require.NoError(t, err)
	require.Len(t, tw, 1)
	assert.Nil(t, tw[0].RealtimePrice, "realtime price must clear at close")
	require.NotNil(t, tw[0].ClosePrice)
	assert.Equal(t, 615.0, *tw[0].ClosePrice)
	assert.Equal(t, "session_close", tw[0].UpdateSource)

	// Other regions are untouched.
	us, err := r.ListQuotes(ctx, domain.RegionUS)
	require.NoError(t, err)
	require.Len(t, us, 1)
	require.NotNil(t, us[0].RealtimePrice)
}

func TestInsertTargetSupersedesPrevious(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.InsertTarget(ctx, domain.PriceTarget{
		UserID: "u1", Ticker: "2330", DefensePrice: domain.Float(550),
	}))
	require.NoError(t, r.InsertTarget(ctx, domain.PriceTarget{
		UserID: "u1", Ticker: "2330", DefensePrice: domain.Float(560),
		StrategyNotes: "revised after earnings",
	}))
	require.NoError(t, r.InsertTarget(ctx, domain.PriceTarget{
		UserID: "u1", Ticker: "AAPL", DefensePrice: domain.Float(190),
	}))

	targets, err := r.ListLatestTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	byTicker := map[string]domain.PriceTarget{}
	for _, tg := range targets {
		byTicker[tg.Ticker] = tg
	}
	require.NotNil(t, byTicker["2330"].DefensePrice)
	assert.Equal(t, 560.0, *byTicker["2330"].DefensePrice)
	assert.Equal(t, "revised after earnings", byTicker["2330"].StrategyNotes)

	tickers, err := r.ListTargetTickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2330", "AAPL"}, tickers)
}

func TestRaiseHighWatermarkIsMonotonic(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.UpsertHolding(ctx, domain.Lot{
		ID: "h1", UserID: "u1", Ticker: "2330", Region: domain.RegionTW,
		Shares: 1000, CostPrice: 500, StrategyMode: domain.StrategyAuto,
	}))

	require.NoError(t, r.RaiseHighWatermark(ctx, "u1", "2330", 610))
	// Lower price must not pull the watermark back down.
	require.NoError(t, r.RaiseHighWatermark(ctx, "u1", "2330", 590))

	lots, err := r.ListLots(ctx)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.NotNil(t, lots[0].HighWatermark)
	assert.Equal(t, 610.0, *lots[0].HighWatermark)
}

func TestListHoldingTickersFiltersRegionAndEmptyLots(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.UpsertHolding(ctx, domain.Lot{
		ID: "h1", UserID: "u1", Ticker: "2330", Region: domain.RegionTW, Shares: 1000, CostPrice: 500,
	}))
	require.NoError(t, r.UpsertHolding(ctx, domain.Lot{
		ID: "h2", UserID: "u1", Ticker: "AAPL", Region: domain.RegionUS, Shares: 10, CostPrice: 180,
	}))
	require.NoError(t, r.UpsertHolding(ctx, domain.Lot{
		ID: "h3", UserID: "u1", Ticker: "2454", Region: domain.RegionTW, Shares: 0, CostPrice: 900,
	}))

	tw, err := r.ListHoldingTickers(ctx, domain.RegionTW)
	require.NoError(t, err)
	assert.Equal(t, []string{"2330"}, tw)
}

func TestAlertRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordAlert(ctx, domain.AlertRecord{
		UserID: "u1", Ticker: "2330", Kind: domain.AlertDefenseBreach,
		TriggerPrice: 53.0, CurrentPrice: 52.30,
		NotifiedVia: []string{"telegram", "log"}, TriggeredAt: t0,
	}))
	require.NoError(t, r.RecordAlert(ctx, domain.AlertRecord{
		UserID: "u1", Ticker: "AAPL", Kind: domain.AlertTakeProfit,
		TriggerPrice: 210, CurrentPrice: 212,
		TriggeredAt: t0.Add(-2 * time.Hour),
	}))

	recent, err := r.RecentAlerts(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "2330", recent[0].Ticker)
	assert.Equal(t, domain.AlertDefenseBreach, recent[0].Kind)
	assert.Equal(t, []string{"telegram", "log"}, recent[0].NotifiedVia)
	assert.NotEmpty(t, recent[0].ID)
}

func TestGetUserMessaging(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	m, err := r.GetUserMessaging(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, r.SetUserMessaging(ctx, domain.UserMessaging{
		UserID: "u1", TelegramChatID: "12345",
		Prefs: map[string]bool{"defense_alert": false},
	}))

	m, err = r.GetUserMessaging(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "12345", m.TelegramChatID)
	assert.False(t, m.KindEnabled(domain.AlertDefenseBreach))
	assert.True(t, m.KindEnabled(domain.AlertTakeProfit))
}
