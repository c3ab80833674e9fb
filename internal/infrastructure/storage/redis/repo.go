// Package redis mirrors live quotes into Redis for dashboards and
// publishes alerts onto a capped stream for downstream consumers.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/domain"
)

const (
	quoteKeyPrefix = "stockwatch:quote:"
	regionSetKey   = "stockwatch:region:"
	alertStreamKey = "stockwatch:alerts"
	alertChannel   = "stockwatch:alerts:live"

	quoteTTL       = 24 * time.Hour
	alertStreamCap = 1000
)

type Repo struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*Repo, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return &Repo{client: client}, nil
}

func (r *Repo) Close() error { return r.client.Close() }

// MirrorQuote writes the latest quote hash and indexes the ticker under
// its region. The TTL lets abandoned tickers age out on their own.
func (r *Repo) MirrorQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKeyPrefix + q.Ticker
	fields := map[string]any{
		"ticker":        q.Ticker,
		"region":        string(q.Region),
		"current_price": q.CurrentPrice,
		"update_source": q.UpdateSource,
		"updated_at":    q.UpdatedAt.Format(time.RFC3339),
	}
	if q.Name != "" {
		fields["name"] = q.Name
	}
	if q.RealtimePrice != nil {
		fields["realtime_price"] = *q.RealtimePrice
	}
	if q.PrevClose != nil {
		fields["prev_close"] = *q.PrevClose
	}
	if q.Volume != nil {
		fields["volume"] = *q.Volume
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if q.RealtimePrice == nil {
		pipe.HDel(ctx, key, "realtime_price")
	}
	pipe.Expire(ctx, key, quoteTTL)
	pipe.SAdd(ctx, regionSetKey+string(q.Region), q.Ticker)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: mirror quote %s: %w", q.Ticker, err)
	}
	return nil
}

// ClearRealtime drops the realtime_price field for every mirrored ticker
// in the region, matching the primary store's session close.
func (r *Repo) ClearRealtime(ctx context.Context, region domain.Region) error {
	tickers, err := r.client.SMembers(ctx, regionSetKey+string(region)).Result()
	if err != nil {
		return fmt.Errorf("redis: region members %s: %w", region, err)
	}
	if len(tickers) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, t := range tickers {
		pipe.HDel(ctx, quoteKeyPrefix+t, "realtime_price")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: clear realtime %s: %w", region, err)
	}
	return nil
}

// PublishAlert appends the alert to the capped stream and fans it out on
// the live pub/sub channel.
func (r *Repo) PublishAlert(ctx context.Context, e domain.AlertEvent) error {
	values := map[string]any{
		"id":            e.ID,
		"user_id":       e.UserID,
		"ticker":        e.Ticker,
		"kind":          string(e.Kind),
		"trigger_price": strconv.FormatFloat(e.TriggerPrice, 'f', -1, 64),
		"current_price": strconv.FormatFloat(e.CurrentPrice, 'f', -1, 64),
		"triggered_at":  e.TriggeredAt.Format(time.RFC3339),
	}
	pipe := r.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: alertStreamKey,
		MaxLen: alertStreamCap,
		Approx: true,
		Values: values,
	})
	payload := strings.Join([]string{e.UserID, e.Ticker, string(e.Kind)}, "|")
	pipe.Publish(ctx, alertChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish alert %s: %w", e.Ticker, err)
	}
	return nil
}
