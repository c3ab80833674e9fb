// Package metrics provides Prometheus instrumentation for the watcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedMessages counts accepted upstream messages per feed.
	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_feed_messages_total",
		Help: "Upstream feed messages received",
	}, []string{"feed"})

	// FeedDropped counts messages dropped before reaching the store,
	// partitioned by reason (off_hours, no_price, malformed).
	FeedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_feed_dropped_total",
		Help: "Feed messages dropped without a store write",
	}, []string{"feed", "reason"})

	// FeedReconnects counts reconnect attempts per feed.
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_feed_reconnects_total",
		Help: "Feed reconnect attempts",
	}, []string{"feed"})

	// FallbackActive is 1 while the REST fallback poller is polling.
	FallbackActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatch_fallback_active",
		Help: "Whether the REST fallback poller is active",
	})

	// FallbackPolls counts fallback snapshot polls.
	FallbackPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_fallback_polls_total",
		Help: "REST fallback snapshot polls",
	})

	// WatchSetSize tracks the reconciled watch set per region.
	WatchSetSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stockwatch_watch_set_size",
		Help: "Tickers currently watched per region",
	}, []string{"region"})

	// AlertsFired counts dispatched alerts per kind.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_alerts_fired_total",
		Help: "Alerts dispatched after dedup",
	}, []string{"kind"})

	// AlertsSuppressed counts alerts swallowed by the cooldown window.
	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_alerts_suppressed_total",
		Help: "Alerts suppressed by dedup cooldown",
	}, []string{"kind"})

	// StoreWriteErrors counts failed quote upserts.
	StoreWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_store_write_errors_total",
		Help: "Quote store upsert failures",
	})
)
