package notify

import (
	"context"

	"stockwatch/internal/domain"
	storageredis "stockwatch/internal/infrastructure/storage/redis"
)

// Stream publishes alerts onto the Redis alert stream for downstream
// consumers (dashboards, bots polling the stream).
type Stream struct {
	repo *storageredis.Repo
}

func NewStream(repo *storageredis.Repo) *Stream { return &Stream{repo: repo} }

func (s *Stream) Name() string { return "redis" }

func (s *Stream) Deliver(ctx context.Context, e domain.AlertEvent, _ *domain.UserMessaging) error {
	return s.repo.PublishAlert(ctx, e)
}
