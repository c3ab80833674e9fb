// Package postgres implements the quote store on PostgreSQL for
// deployments where several processes share one market_data table.
// Portfolio and alert data stay in SQLite; only the hot quote path
// needs the shared store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stockwatch/internal/domain"
)

type Repo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Repo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS market_data (
    ticker         TEXT PRIMARY KEY,
    region         TEXT NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    current_price  DOUBLE PRECISION NOT NULL,
    realtime_price DOUBLE PRECISION,
    close_price    DOUBLE PRECISION,
    prev_close     DOUBLE PRECISION,
    day_open       DOUBLE PRECISION,
    day_high       DOUBLE PRECISION,
    day_low        DOUBLE PRECISION,
    volume         BIGINT,
    update_source  TEXT NOT NULL DEFAULT '',
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_data_region ON market_data(region);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *Repo) UpsertQuote(ctx context.Context, q domain.Quote) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO market_data
    (ticker, region, name, current_price, realtime_price, close_price,
     prev_close, day_open, day_high, day_low, volume, update_source, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (ticker) DO UPDATE SET
    region         = excluded.region,
    name           = CASE WHEN excluded.name <> '' THEN excluded.name ELSE market_data.name END,
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
		return fmt.Errorf("postgres: upsert quote %s: %w", q.Ticker, err)
	}
	return nil
}

func (r *Repo) ListQuotes(ctx context.Context, region domain.Region) ([]domain.Quote, error) {
	rows, err := r.pool.Query(ctx, `
SELECT ticker, region, name, current_price, realtime_price, close_price,
       prev_close, day_open, day_high, day_low, volume, update_source, updated_at
FROM market_data WHERE region = $1 ORDER BY ticker`, string(region))
	if err != nil {
		return nil, fmt.Errorf("postgres: list quotes: %w", err)
	}
	defer rows.Close()

	var out []domain.Quote
	for rows.Next() {
		var q domain.Quote
		var region string
		if err := rows.Scan(&q.Ticker, &region, &q.Name, &q.CurrentPrice, &q.RealtimePrice,
			&q.ClosePrice, &q.PrevClose, &q.DayOpen, &q.DayHigh, &q.DayLow,
			&q.Volume, &q.UpdateSource, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan quote: %w", err)
		}
		q.Region = domain.Region(region)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *Repo) MarkSessionClose(ctx context.Context, region domain.Region, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE market_data SET
    close_price    = COALESCE(realtime_price, current_price),
    realtime_price = NULL,
    update_source  = 'session_close',
    updated_at     = $1
WHERE region = $2`, at, string(region))
	if err != nil {
		return fmt.Errorf("postgres: mark session close %s: %w", region, err)
	}
	return nil
}
