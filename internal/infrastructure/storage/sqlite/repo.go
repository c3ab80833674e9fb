// Package sqlite implements the repositories on an embedded SQLite file.
// It is the default store; Postgres can replace the quote side for
// multi-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"stockwatch/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// The streaming loop and the scheduler share this handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragma: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS market_data (
    ticker         TEXT PRIMARY KEY,
    region         TEXT NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    current_price  REAL NOT NULL,
    realtime_price REAL,
    close_price    REAL,
    prev_close     REAL,
    day_open       REAL,
    day_high       REAL,
    day_low        REAL,
    volume         INTEGER,
    update_source  TEXT NOT NULL DEFAULT '',
    updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_data_region ON market_data(region);

CREATE TABLE IF NOT EXISTS portfolio_holdings (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    ticker         TEXT NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    region         TEXT NOT NULL,
    shares         REAL NOT NULL,
    cost_price     REAL NOT NULL,
    strategy_mode  TEXT NOT NULL DEFAULT 'auto',
    manual_tp      REAL,
    manual_sl      REAL,
    high_watermark REAL
);
CREATE INDEX IF NOT EXISTS idx_holdings_user_ticker ON portfolio_holdings(user_id, ticker);

CREATE TABLE IF NOT EXISTS price_targets (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL,
    ticker                 TEXT NOT NULL,
    name                   TEXT NOT NULL DEFAULT '',
    defense_price          REAL,
    min_target_low         REAL,
    min_target_high        REAL,
    reasonable_target_low  REAL,
    reasonable_target_high REAL,
    strategy_notes         TEXT NOT NULL DEFAULT '',
    is_latest              INTEGER NOT NULL DEFAULT 1,
    created_at             TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_latest ON price_targets(is_latest, ticker);

CREATE TABLE IF NOT EXISTS price_alerts (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    ticker        TEXT NOT NULL,
    alert_type    TEXT NOT NULL,
    trigger_price REAL NOT NULL,
    current_price REAL NOT NULL,
    notified_via  TEXT NOT NULL DEFAULT '',
    triggered_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_triggered_at ON price_alerts(triggered_at);

CREATE TABLE IF NOT EXISTS user_messaging (
    user_id          TEXT PRIMARY KEY,
    telegram_chat_id TEXT NOT NULL DEFAULT '',
    line_user_id     TEXT NOT NULL DEFAULT '',
    prefs            TEXT NOT NULL DEFAULT '{}'
);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// UpsertQuote writes the latest quote row. Nullable columns keep their
// previous value when the incoming snapshot does not carry them, so a
// trade-only update cannot wipe day context written by a fuller source.
func (r *Repo) UpsertQuote(ctx context.Context, q domain.Quote) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO market_data
    (ticker, region, name, current_price, realtime_price, close_price,
     prev_close, day_open, day_high, day_low, volume, update_source, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ticker) DO UPDATE SET
    region         = excluded.region,
    name           = CASE WHEN excluded.name != '' THEN excluded.name ELSE market_data.name END,
    current_price  = excluded.current_price,
    realtime_price = COALESCE(excluded.realtime_price, market_data.realtime_price),
    close_price    = COALESCE(excluded.close_price, market_data.close_price),
    prev_close     = COALESCE(excluded.prev_close, market_data.prev_close),
    day_open       = COALESCE(excluded.day_open, market_data.day_open),
    day_high       = COALESCE(excluded.day_high, market_data.day_high),
    day_low        = COALESCE(excluded.day_low, market_data.day_low),
    volume         = COALESCE(excluded.volume, market_data.volume),
    update_source  = excluded.update_source,
    updated_at     = excluded.updated_at`,
		q.Ticker, string(q.Region), q.Name, q.CurrentPrice, q.RealtimePrice, q.ClosePrice,
		q.PrevClose, q.DayOpen, q.DayHigh, q.DayLow, q.Volume, q.UpdateSource, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert quote %s: %w", q.Ticker, err)
	}
	return nil
}

func (r *Repo) ListQuotes(ctx context.Context, region domain.Region) ([]domain.Quote, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT ticker, region, name, current_price, realtime_price, close_price,
       prev_close, day_open, day_high, day_low, volume, update_source, updated_at
FROM market_data WHERE region = ? ORDER BY ticker`, string(region))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list quotes: %w", err)
	}
	defer rows.Close()

	var out []domain.Quote
	for rows.Next() {
		var q domain.Quote
		var region string
		var realtime, closeP, prevClose, dayOpen, dayHigh, dayLow sql.NullFloat64
		var volume sql.NullInt64
		if err := rows.Scan(&q.Ticker, &region, &q.Name, &q.CurrentPrice, &realtime, &closeP,
			&prevClose, &dayOpen, &dayHigh, &dayLow, &volume, &q.UpdateSource, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan quote: %w", err)
		}
		q.Region = domain.Region(region)
		q.RealtimePrice = nullFloat(realtime)
		q.ClosePrice = nullFloat(closeP)
		q.PrevClose = nullFloat(prevClose)
		q.DayOpen = nullFloat(dayOpen)
		q.DayHigh = nullFloat(dayHigh)
		q.DayLow = nullFloat(dayLow)
		if volume.Valid {
			q.Volume = domain.Int(volume.Int64)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkSessionClose promotes the last live price to close_price and clears
// realtime_price for the whole region.
func (r *Repo) MarkSessionClose(ctx context.Context, region domain.Region, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE market_data SET
    close_price    = COALESCE(realtime_price, current_price),
    realtime_price = NULL,
    update_source  = 'session_close',
    updated_at     = ?
WHERE region = ?`, at, string(region))
	if err != nil {
		return fmt.Errorf("sqlite: mark session close %s: %w", region, err)
	}
	return nil
}

func (r *Repo) ListLots(ctx context.Context) ([]domain.Lot, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, ticker, name, region, shares, cost_price,
       strategy_mode, manual_tp, manual_sl, high_watermark
FROM portfolio_holdings WHERE shares > 0 ORDER BY user_id, ticker, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list lots: %w", err)
	}
	defer rows.Close()

	var out []domain.Lot
	for rows.Next() {
		var l domain.Lot
		var region, mode string
		var tp, sl, hwm sql.NullFloat64
		if err := rows.Scan(&l.ID, &l.UserID, &l.Ticker, &l.Name, &region, &l.Shares,
			&l.CostPrice, &mode, &tp, &sl, &hwm); err != nil {
			return nil, fmt.Errorf("sqlite: scan lot: %w", err)
		}
		l.Region = domain.Region(region)
		l.StrategyMode = domain.StrategyMode(mode)
		l.ManualTP = nullFloat(tp)
		l.ManualSL = nullFloat(sl)
		l.HighWatermark = nullFloat(hwm)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *Repo) ListHoldingTickers(ctx context.Context, region domain.Region) ([]string, error) {
	return r.listTickers(ctx, `
SELECT DISTINCT ticker FROM portfolio_holdings
WHERE region = ? AND shares > 0 ORDER BY ticker`, string(region))
}

func (r *Repo) ListLatestTargets(ctx context.Context) ([]domain.PriceTarget, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, ticker, name, defense_price, min_target_low, min_target_high,
       reasonable_target_low, reasonable_target_high, strategy_notes
FROM price_targets WHERE is_latest = 1 ORDER BY user_id, ticker`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list targets: %w", err)
	}
	defer rows.Close()

	var out []domain.PriceTarget
	for rows.Next() {
		var t domain.PriceTarget
		var def, minLo, minHi, reaLo, reaHi sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Ticker, &t.Name,
			&def, &minLo, &minHi, &reaLo, &reaHi, &t.StrategyNotes); err != nil {
			return nil, fmt.Errorf("sqlite: scan target: %w", err)
		}
		t.DefensePrice = nullFloat(def)
		t.MinTargetLow = nullFloat(minLo)
		t.MinTargetHigh = nullFloat(minHi)
		t.ReasonableTargetLow = nullFloat(reaLo)
		t.ReasonableTargetHigh = nullFloat(reaHi)
		t.IsLatest = true
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) ListTargetTickers(ctx context.Context) ([]string, error) {
	return r.listTickers(ctx, `
SELECT DISTINCT ticker FROM price_targets WHERE is_latest = 1 ORDER BY ticker`)
}

func (r *Repo) listTickers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tickers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RaiseHighWatermark bumps every lot of (user, ticker) whose stored
// watermark is below price. The guard in the WHERE clause makes the
// operation monotonic under concurrent callers.
func (r *Repo) RaiseHighWatermark(ctx context.Context, userID, ticker string, price float64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE portfolio_holdings SET high_watermark = ?
WHERE user_id = ? AND ticker = ?
  AND (high_watermark IS NULL OR high_watermark < ?)`,
		price, userID, ticker, price)
	if err != nil {
		return fmt.Errorf("sqlite: raise watermark %s/%s: %w", userID, ticker, err)
	}
	return nil
}

func (r *Repo) RecordAlert(ctx context.Context, rec domain.AlertRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO price_alerts
    (id, user_id, ticker, alert_type, trigger_price, current_price, notified_via, triggered_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.UserID, rec.Ticker, string(rec.Kind), rec.TriggerPrice, rec.CurrentPrice,
		strings.Join(rec.NotifiedVia, ","), rec.TriggeredAt)
	if err != nil {
		return fmt.Errorf("sqlite: record alert: %w", err)
	}
	return nil
}

func (r *Repo) RecentAlerts(ctx context.Context, since time.Time) ([]domain.AlertRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, ticker, alert_type, trigger_price, current_price, notified_via, triggered_at
FROM price_alerts WHERE triggered_at >= ? ORDER BY triggered_at`, since)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.AlertRecord
	for rows.Next() {
		var rec domain.AlertRecord
		var kind, via string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Ticker, &kind,
			&rec.TriggerPrice, &rec.CurrentPrice, &via, &rec.TriggeredAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan alert: %w", err)
		}
		rec.Kind = domain.AlertKind(kind)
		if via != "" {
			rec.NotifiedVia = strings.Split(via, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) GetUserMessaging(ctx context.Context, userID string) (*domain.UserMessaging, error) {
	var m domain.UserMessaging
	var prefs string
	err := r.db.QueryRowContext(ctx, `
SELECT user_id, telegram_chat_id, line_user_id, prefs
FROM user_messaging WHERE user_id = ?`, userID).
		Scan(&m.UserID, &m.TelegramChatID, &m.LineUserID, &prefs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get messaging %s: %w", userID, err)
	}
	if prefs != "" {
		if err := json.Unmarshal([]byte(prefs), &m.Prefs); err != nil {
			return nil, fmt.Errorf("sqlite: decode prefs %s: %w", userID, err)
		}
	}
	return &m, nil
}

// UpsertHolding writes one lot row; used by imports and tests.
func (r *Repo) UpsertHolding(ctx context.Context, l domain.Lot) error {
	id := l.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO portfolio_holdings
    (id, user_id, ticker, name, region, shares, cost_price,
     strategy_mode, manual_tp, manual_sl, high_watermark)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    shares         = excluded.shares,
    cost_price     = excluded.cost_price,
    strategy_mode  = excluded.strategy_mode,
    manual_tp      = excluded.manual_tp,
    manual_sl      = excluded.manual_sl,
    high_watermark = excluded.high_watermark`,
		id, l.UserID, l.Ticker, l.Name, string(l.Region), l.Shares, l.CostPrice,
		string(l.StrategyMode), l.ManualTP, l.ManualSL, l.HighWatermark)
	if err != nil {
		return fmt.Errorf("sqlite: upsert holding: %w", err)
	}
	return nil
}

// InsertTarget stores a new advisory row and retires the previous latest
// one for the same (user, ticker) in the same transaction.
func (r *Repo) InsertTarget(ctx context.Context, t domain.PriceTarget) error {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: insert target: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
UPDATE price_targets SET is_latest = 0 WHERE user_id = ? AND ticker = ? AND is_latest = 1`,
		t.UserID, t.Ticker); err != nil {
		return fmt.Errorf("sqlite: retire target: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO price_targets
    (id, user_id, ticker, name, defense_price, min_target_low, min_target_high,
     reasonable_target_low, reasonable_target_high, strategy_notes, is_latest, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		id, t.UserID, t.Ticker, t.Name, t.DefensePrice, t.MinTargetLow, t.MinTargetHigh,
		t.ReasonableTargetLow, t.ReasonableTargetHigh, t.StrategyNotes, time.Now()); err != nil {
		return fmt.Errorf("sqlite: insert target: %w", err)
	}
	return tx.Commit()
}

// SetUserMessaging writes a user's channel addresses and preferences.
func (r *Repo) SetUserMessaging(ctx context.Context, m domain.UserMessaging) error {
	prefs := "{}"
	if m.Prefs != nil {
		b, err := json.Marshal(m.Prefs)
		if err != nil {
			return fmt.Errorf("sqlite: encode prefs: %w", err)
		}
		prefs = string(b)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO user_messaging (user_id, telegram_chat_id, line_user_id, prefs)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
    telegram_chat_id = excluded.telegram_chat_id,
    line_user_id     = excluded.line_user_id,
    prefs            = excluded.prefs`,
		m.UserID, m.TelegramChatID, m.LineUserID, prefs)
	if err != nil {
		return fmt.Errorf("sqlite: set messaging: %w", err)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
