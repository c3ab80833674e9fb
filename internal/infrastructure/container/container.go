// Package container wires configuration into live components and owns
// their shutdown order.
package container

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockwatch/internal/application/port"
	"stockwatch/internal/application/service"
	"stockwatch/internal/application/usecase/watch"
	"stockwatch/internal/infrastructure/config"
	"stockwatch/internal/infrastructure/feed/finnhub"
	"stockwatch/internal/infrastructure/feed/fugle"
	"stockwatch/internal/infrastructure/feed/polygon"
	"stockwatch/internal/infrastructure/feed/sinopac"
	"stockwatch/internal/infrastructure/httpapi"
	"stockwatch/internal/infrastructure/notify"
	"stockwatch/internal/infrastructure/storage/composite"
	"stockwatch/internal/infrastructure/storage/postgres"
	storageredis "stockwatch/internal/infrastructure/storage/redis"
	"stockwatch/internal/infrastructure/storage/sqlite"
)

type Container struct {
	Watch *watch.Service
	HTTP  *httpapi.Server

	log     zerolog.Logger
	closers []func() error // closed in reverse registration order
	once    sync.Once
}

func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{log: log}

	// SQLite always runs: it owns portfolio, target, alert and messaging
	// data even when the quote store is Postgres.
	db, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	c.addCloser(db.Close)

	var market port.MarketRepository = db
	if cfg.Storage.Driver == "postgres" {
		pg, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.addCloser(pg.Close)
		market = pg
	}

	var redisRepo *storageredis.Repo
	if cfg.Redis.Enabled {
		redisRepo, err = storageredis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.addCloser(redisRepo.Close)
		market = composite.NewMarketRepo(market, redisRepo, log)
	}

	channels := []notify.Channel{notify.NewLog(log)}
	if cfg.Notify.TelegramToken != "" {
		channels = append(channels, notify.NewTelegram(cfg.Notify.TelegramToken))
	}
	if cfg.Notify.LineToken != "" {
		channels = append(channels, notify.NewLine(cfg.Notify.LineToken))
	}
	if redisRepo != nil {
		channels = append(channels, notify.NewStream(redisRepo))
	}
	dispatcher := notify.NewDispatcher(db, log, channels...)

	evaluator := service.NewEvaluator(market, db, db, db, dispatcher, log)

	opts := watch.Options{
		Market:         market,
		Portfolio:      db,
		Evaluator:      evaluator,
		ReconcileEvery: cfg.Monitor.ReconcileInterval(),
		CheckEvery:     cfg.Monitor.CheckInterval(),
	}
	// Broker feed first: priority order decides TW authority.
	if cfg.Feeds.Sinopac.Enabled {
		opts.TWFeeds = append(opts.TWFeeds, sinopac.New(sinopac.Config{
			URL:       cfg.Feeds.Sinopac.URL,
			APIKey:    cfg.Feeds.Sinopac.APIKey,
			SecretKey: cfg.Feeds.Sinopac.SecretKey,
		}, log))
	}
	if cfg.Feeds.Fugle.Enabled {
		opts.TWFeeds = append(opts.TWFeeds, fugle.New(fugle.Config{
			URL:    cfg.Feeds.Fugle.URL,
			APIKey: cfg.Feeds.Fugle.APIKey,
		}, log))
	}
	if cfg.Feeds.Finnhub.Enabled {
		opts.USFeed = finnhub.New(finnhub.Config{
			URL:    cfg.Feeds.Finnhub.URL,
			APIKey: cfg.Feeds.Finnhub.APIKey,
		}, log)
	}
	if cfg.Feeds.Polygon.Enabled {
		opts.Poller = polygon.New(polygon.Config{
			BaseURL: cfg.Feeds.Polygon.BaseURL,
			APIKey:  cfg.Feeds.Polygon.APIKey,
		}, log)
	}

	c.Watch = watch.NewService(opts, log)
	c.HTTP = httpapi.NewServer(cfg.Server.Addr, c.Watch, log)
	c.addCloser(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.HTTP.Shutdown(shutdownCtx)
	})

	return c, nil
}

func (c *Container) addCloser(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close shuts everything down in reverse of construction order. Safe to
// call more than once.
func (c *Container) Close() {
	c.once.Do(func() {
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil {
				c.log.Warn().Err(err).Msg("shutdown step failed")
			}
		}
	})
}
