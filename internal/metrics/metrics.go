// Package metrics holds the Prometheus collectors of the ingestor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolver outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
)

var (
	// MessagesEmitted counts messages delivered by the fetcher, by phase.
	MessagesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_emitted_total",
			Help: "Messages emitted by the fetcher",
		},
		[]string{"phase"},
	)

	// MessagesStored counts messages newly written to the database.
	MessagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_stored_total",
		Help: "Messages inserted into storage",
	})

	// FetchErrors counts failed fetcher iterations.
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_fetch_errors_total",
		Help: "Failed fetch iterations",
	})

	// StoreFailures counts batches that could not be stored after retries.
	StoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_store_failures_total",
		Help: "Batches dropped after exhausting store retries",
	})

	// RetryCount mirrors the current consecutive failure count.
	RetryCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_retry_count",
		Help: "Consecutive failed iterations of the current session",
	})

	// Cursor is the oldest message id reached by backfill.
	Cursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_cursor",
		Help: "Oldest message id reached by backfill",
	})

	// AllFetched is 1 once backfill reached the start of the channel.
	AllFetched = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_all_fetched",
		Help: "1 when the whole channel history has been fetched",
	})

	// ResolverSessions counts forward-and-observe sessions by outcome.
	ResolverSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_sessions_total",
			Help: "Media resolution sessions by outcome",
		},
		[]string{"outcome"},
	)

	// ResolverDuration tracks the wall time of resolution sessions.
	ResolverDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resolver_session_duration_seconds",
		Help:    "Duration of media resolution sessions",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
	})

	// HistoryBreakerState reports the getHistory circuit breaker (0 closed, 1 half-open, 2 open).
	HistoryBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_history_breaker_state",
		Help: "State of the channel history circuit breaker",
	})

	// FloodWaits counts FLOOD_WAIT responses from Telegram.
	FloodWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_flood_waits_total",
		Help: "FLOOD_WAIT errors returned by Telegram",
	})

	// FloodWaitSeconds is the length of the last server-imposed pause.
	FloodWaitSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_flood_wait_seconds",
		Help: "Duration of the most recent FLOOD_WAIT pause",
	})

	// TelegramStatus is 1 for the current status label of the user client.
	TelegramStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telegram_client_status",
			Help: "Status of the MTProto user client",
		},
		[]string{"status"},
	)
)

// SetTelegramStatus marks status as current and clears the others.
func SetTelegramStatus(status string, all ...string) {
	for _, s := range all {
		TelegramStatus.WithLabelValues(s).Set(0)
	}
	TelegramStatus.WithLabelValues(status).Set(1)
}

// RegisterPool exposes pgx pool occupancy through stats.
// It must be called at most once per process.
func RegisterPool(stats func() (acquired, idle, total int32)) {
	gauge := func(name, help string, pick func(a, i, t int32) int32) {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(stats()))
		})
	}
	gauge("db_pool_acquired_conns", "Connections currently in use", func(a, _, _ int32) int32 { return a })
	gauge("db_pool_idle_conns", "Idle connections", func(_, i, _ int32) int32 { return i })
	gauge("db_pool_total_conns", "Open connections", func(_, _, t int32) int32 { return t })
}

// ObserveResolve records one resolver session.
func ObserveResolve(outcome string, d time.Duration) {
	ResolverSessions.WithLabelValues(outcome).Inc()
	ResolverDuration.Observe(d.Seconds())
}

// SetCursor publishes the backfill cursor; a nil cursor resets the gauge.
func SetCursor(cursor *int64) {
	if cursor == nil {
		Cursor.Set(0)
		return
	}
	Cursor.Set(float64(*cursor))
}

// SetAllFetched publishes the all-fetched flag.
func SetAllFetched(done bool) {
	if done {
		AllFetched.Set(1)
		return
	}
	AllFetched.Set(0)
}
