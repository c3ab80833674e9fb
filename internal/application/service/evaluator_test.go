package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/domain"
)

// twOpen is a Monday 10:00 Taipei (TW session open, US closed).
var twOpen = time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

type raiseCall struct {
	user, ticker string
	price        float64
}

type evalPortfolio struct {
	lots       []domain.Lot
	targets    []domain.PriceTarget
	raised     []raiseCall
	lotsErr    error
	targetsErr error
}

func (f *evalPortfolio) ListLots(context.Context) ([]domain.Lot, error) {
	if f.lotsErr != nil {
		return nil, f.lotsErr
	}
	return f.lots, nil
}
func (f *evalPortfolio) ListHoldingTickers(context.Context, domain.Region) ([]string, error) {
	return nil, nil
}
func (f *evalPortfolio) ListLatestTargets(context.Context) ([]domain.PriceTarget, error) {
	if f.targetsErr != nil {
		return nil, f.targetsErr
	}
	return f.targets, nil
}
func (f *evalPortfolio) ListTargetTickers(context.Context) ([]string, error) { return nil, nil }
func (f *evalPortfolio) RaiseHighWatermark(_ context.Context, user, ticker string, price float64) error {
	f.raised = append(f.raised, raiseCall{user, ticker, price})
	return nil
}

type evalMarket struct {
	quotes  map[domain.Region][]domain.Quote
	listErr map[domain.Region]error
}

func (f *evalMarket) UpsertQuote(context.Context, domain.Quote) error { return nil }
func (f *evalMarket) ListQuotes(_ context.Context, region domain.Region) ([]domain.Quote, error) {
	if err := f.listErr[region]; err != nil {
		return nil, err
	}
	return f.quotes[region], nil
}
func (f *evalMarket) MarkSessionClose(context.Context, domain.Region, time.Time) error { return nil }

type evalAlerts struct {
	records []domain.AlertRecord
}

func (f *evalAlerts) RecordAlert(_ context.Context, rec domain.AlertRecord) error {
	f.records = append(f.records, rec)
	return nil
}
func (f *evalAlerts) RecentAlerts(_ context.Context, since time.Time) ([]domain.AlertRecord, error) {
	var out []domain.AlertRecord
	for _, r := range f.records {
		if !r.TriggeredAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type evalMessaging struct {
	users map[string]*domain.UserMessaging
}

func (f *evalMessaging) GetUserMessaging(_ context.Context, userID string) (*domain.UserMessaging, error) {
	return f.users[userID], nil
}

type evalNotifier struct {
	sent []domain.AlertEvent
	via  []string
}

func (f *evalNotifier) Send(_ context.Context, e domain.AlertEvent) []string {
	f.sent = append(f.sent, e)
	return f.via
}

type evalFixture struct {
	market    *evalMarket
	portfolio *evalPortfolio
	alerts    *evalAlerts
	messaging *evalMessaging
	notifier  *evalNotifier
	ev        *Evaluator
}

func newFixture(at time.Time) *evalFixture {
	f := &evalFixture{
		market:    &evalMarket{quotes: map[domain.Region][]domain.Quote{}},
		portfolio: &evalPortfolio{},
		alerts:    &evalAlerts{},
		messaging: &evalMessaging{users: map[string]*domain.UserMessaging{}},
		notifier:  &evalNotifier{via: []string{"log"}},
	}
	f.ev = NewEvaluator(f.market, f.portfolio, f.alerts, f.messaging, f.notifier, zerolog.Nop())
	f.ev.now = func() time.Time { return at }
	n := 0
	f.ev.newID = func() string { n++; return fmt.Sprintf("id-%d", n) }
	return f
}

func (f *evalFixture) setRealtime(region domain.Region, ticker string, price float64) {
	f.market.quotes[region] = append(f.market.quotes[region], domain.Quote{
		Ticker: ticker, Region: region,
		CurrentPrice: price, RealtimePrice: domain.Float(price),
	})
}

func TestDefenseBreachFiresAndRecords(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2317", 52.30)
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "2317", Name: "鴻海",
		DefensePrice: domain.Float(53.0), IsLatest: true,
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))

	require.Len(t, f.notifier.sent, 1)
	got := f.notifier.sent[0]
	assert.Equal(t, domain.AlertDefenseBreach, got.Kind)
	assert.Equal(t, 53.0, got.TriggerPrice)
	assert.Equal(t, 52.30, got.CurrentPrice)

	require.Len(t, f.alerts.records, 1)
	assert.Equal(t, []string{"log"}, f.alerts.records[0].NotifiedVia)
	assert.Equal(t, twOpen, f.alerts.records[0].TriggeredAt)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2317", 52.30)
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "2317", DefensePrice: domain.Float(53.0), IsLatest: true,
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	require.Len(t, f.alerts.records, 1)

	// Still breached 10 minutes later: suppressed by the cooldown.
	f.ev.now = func() time.Time { return twOpen.Add(10 * time.Minute) }
	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	assert.Len(t, f.alerts.records, 1)
	assert.Len(t, f.notifier.sent, 1)

	// Past the window the same condition fires again.
	f.ev.now = func() time.Time { return twOpen.Add(DedupCooldown + time.Minute) }
	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	assert.Len(t, f.alerts.records, 2)
}

func TestAlertRecordedEvenWhenNoChannelDelivers(t *testing.T) {
	f := newFixture(twOpen)
	f.notifier.via = nil
	f.setRealtime(domain.RegionTW, "2317", 52.30)
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "2317", DefensePrice: domain.Float(53.0), IsLatest: true,
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))

	require.Len(t, f.alerts.records, 1)
	assert.Empty(t, f.alerts.records[0].NotifiedVia)

	// The delivery failure must not cause a re-fire next cycle.
	f.ev.now = func() time.Time { return twOpen.Add(5 * time.Minute) }
	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	assert.Len(t, f.alerts.records, 1)
}

func TestWatermarkRaisedBeforeTPSL(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2330", 620)
	f.portfolio.lots = []domain.Lot{{
		ID: "h1", UserID: "u1", Ticker: "2330", Region: domain.RegionTW,
		Shares: 1000, CostPrice: 500, StrategyMode: domain.StrategyAuto,
		HighWatermark: domain.Float(580),
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))

	// 620 > 580 raises the watermark first.
	require.Len(t, f.portfolio.raised, 1)
	assert.Equal(t, raiseCall{"u1", "2330", 620}, f.portfolio.raised[0])

	// TP = max(500*1.1, 620*0.9) = 558; 620 >= 558 fires take-profit.
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, domain.AlertTakeProfit, f.notifier.sent[0].Kind)
	assert.Equal(t, 558.0, f.notifier.sent[0].TriggerPrice)
}

func TestStopLossAtCostInAutoMode(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2330", 495)
	f.portfolio.lots = []domain.Lot{{
		ID: "h1", UserID: "u1", Ticker: "2330", Region: domain.RegionTW,
		Shares: 1000, CostPrice: 500, StrategyMode: domain.StrategyAuto,
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, domain.AlertStopLoss, f.notifier.sent[0].Kind)
	assert.Equal(t, 500.0, f.notifier.sent[0].TriggerPrice)
}

func TestManualModeUsesUserLevels(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2330", 590)
	f.portfolio.lots = []domain.Lot{{
		ID: "h1", UserID: "u1", Ticker: "2330", Region: domain.RegionTW,
		Shares: 1000, CostPrice: 500, StrategyMode: domain.StrategyManual,
		ManualTP: domain.Float(585), ManualSL: domain.Float(450),
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, domain.AlertTakeProfit, f.notifier.sent[0].Kind)
	assert.Equal(t, 585.0, f.notifier.sent[0].TriggerPrice)
}

func TestClosedMarketsSkipWithoutForce(t *testing.T) {
	sunday := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(sunday)
	f.setRealtime(domain.RegionTW, "2317", 52.30)
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "2317", DefensePrice: domain.Float(53.0), IsLatest: true,
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	assert.Empty(t, f.notifier.sent)

	// Manual check evaluates regardless of session state.
	require.NoError(t, f.ev.RunCycle(context.Background(), true))
	assert.Len(t, f.notifier.sent, 1)
}

func TestMutedKindIsSkipped(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2317", 52.30)
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "2317", DefensePrice: domain.Float(53.0), IsLatest: true,
	}}
	f.messaging.users["u1"] = &domain.UserMessaging{
		UserID: "u1",
		Prefs:  map[string]bool{"defense_alert": false},
	}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	assert.Empty(t, f.notifier.sent)
	assert.Empty(t, f.alerts.records)
}

func TestTargetFailureDoesNotSilencePositionRules(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2330", 495)
	f.portfolio.targetsErr = errors.New("targets table locked")
	f.portfolio.lots = []domain.Lot{{
		ID: "h1", UserID: "u1", Ticker: "2330", Region: domain.RegionTW,
		Shares: 1000, CostPrice: 500, StrategyMode: domain.StrategyAuto,
	}}

	// Advisory rules are skipped this cycle, but the stop-loss on the
	// held position still fires.
	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, domain.AlertStopLoss, f.notifier.sent[0].Kind)
}

func TestLotFailureDoesNotSilenceTargetRules(t *testing.T) {
	f := newFixture(twOpen)
	f.setRealtime(domain.RegionTW, "2317", 52.30)
	f.portfolio.lotsErr = errors.New("holdings query timeout")
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "2317", DefensePrice: domain.Float(53.0), IsLatest: true,
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, domain.AlertDefenseBreach, f.notifier.sent[0].Kind)
}

func TestRegionQuoteFailureDoesNotBlockOtherRegion(t *testing.T) {
	f := newFixture(twOpen)
	f.market.listErr = map[domain.Region]error{domain.RegionTW: errors.New("db gone")}
	f.setRealtime(domain.RegionUS, "AAPL", 190)
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "AAPL", DefensePrice: domain.Float(195), IsLatest: true,
	}}

	// Forced cycle reads both regions; the TW read failing must not
	// abort the US evaluation.
	require.NoError(t, f.ev.RunCycle(context.Background(), true))
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "AAPL", f.notifier.sent[0].Ticker)
}

func TestStaleQuoteWithoutRealtimePriceIgnored(t *testing.T) {
	f := newFixture(twOpen)
	f.market.quotes[domain.RegionTW] = []domain.Quote{{
		Ticker: "2317", Region: domain.RegionTW, CurrentPrice: 52.30,
	}}
	f.portfolio.targets = []domain.PriceTarget{{
		UserID: "u1", Ticker: "2317", DefensePrice: domain.Float(53.0), IsLatest: true,
	}}

	require.NoError(t, f.ev.RunCycle(context.Background(), false))
	assert.Empty(t, f.notifier.sent)
}
