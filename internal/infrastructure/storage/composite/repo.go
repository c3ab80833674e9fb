// Package composite pairs the primary quote store with a best-effort
// Redis mirror. Mirror failures are logged, never surfaced: losing the
// dashboard view must not stall the streaming path.
package composite

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"stockwatch/internal/application/port"
	"stockwatch/internal/domain"
	storageredis "stockwatch/internal/infrastructure/storage/redis"
)

type MarketRepo struct {
	primary port.MarketRepository
	mirror  *storageredis.Repo
	log     zerolog.Logger
}

func NewMarketRepo(primary port.MarketRepository, mirror *storageredis.Repo, log zerolog.Logger) *MarketRepo {
	return &MarketRepo{
		primary: primary,
		mirror:  mirror,
		log:     log.With().Str("component", "market_repo").Logger(),
	}
}

func (r *MarketRepo) UpsertQuote(ctx context.Context, q domain.Quote) error {
	if err := r.primary.UpsertQuote(ctx, q); err != nil {
		return err
	}
	if r.mirror != nil {
		if err := r.mirror.MirrorQuote(ctx, q); err != nil {
			r.log.Warn().Err(err).Str("ticker", q.Ticker).Msg("quote mirror failed")
		}
	}
	return nil
}

func (r *MarketRepo) ListQuotes(ctx context.Context, region domain.Region) ([]domain.Quote, error) {
	return r.primary.ListQuotes(ctx, region)
}

func (r *MarketRepo) MarkSessionClose(ctx context.Context, region domain.Region, at time.Time) error {
	if err := r.primary.MarkSessionClose(ctx, region, at); err != nil {
		return err
	}
	if r.mirror != nil {
		if err := r.mirror.ClearRealtime(ctx, region); err != nil {
			r.log.Warn().Err(err).Str("region", string(region)).Msg("mirror realtime clear failed")
		}
	}
	return nil
}
