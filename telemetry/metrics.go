// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TicksTotal            prometheus.Counter
	GroupErrors           prometheus.Counter
	ProviderErrors        prometheus.Counter
	NotificationsPosted   prometheus.Counter
	NotificationsArchived prometheus.Counter
	ArchiveEditFailures   prometheus.Counter
	DBReconnects          prometheus.Counter

	// Histograms (seconds)
	TickDuration  prometheus.Observer
	GroupDuration prometheus.Observer

	// Gauges
	GroupsGauge      prometheus.Gauge
	LiveStreamsGauge prometheus.Gauge
	ConnModeGauge    prometheus.Gauge // 0=disconnected 1=direct 2=tunneled
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TicksTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_ticks_total", Help: "Number of reconciliation ticks run"})
		GroupErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_group_errors_total", Help: "Number of per-group reconciliation failures"})
		ProviderErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_provider_errors_total", Help: "Number of provider lookup failures"})
		NotificationsPosted = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_posts_total", Help: "Number of live notifications posted"})
		NotificationsArchived = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_archivals_total", Help: "Number of stream notifications archived"})
		ArchiveEditFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_archive_edit_failures_total", Help: "Number of archival message edits that failed"})
		DBReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_db_reconnects_total", Help: "Number of database reconnect attempts"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "notify_tick_duration_seconds", Help: "Reconciliation tick duration seconds", Buckets: prometheus.DefBuckets})
		GroupDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "notify_group_duration_seconds", Help: "Per-group reconciliation duration seconds", Buckets: prometheus.DefBuckets})
		GroupsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "notify_groups_configured", Help: "Groups with a configured notification channel"})
		LiveStreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "notify_live_streams", Help: "Streams currently carrying an active notification"})
		ConnModeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "notify_db_connection_mode", Help: "DB connection mode: 0 disconnected, 1 direct, 2 tunneled"})
	})
}

// SetConnMode records the supervisor's connection mode.
func SetConnMode(mode int) {
	if ConnModeGauge != nil {
		ConnModeGauge.Set(float64(mode))
	}
}

// SetGroupCount records how many groups the current tick covers.
func SetGroupCount(n int) {
	if GroupsGauge != nil {
		GroupsGauge.Set(float64(n))
	}
}

// SetLiveStreams records the number of active notifications after a tick.
func SetLiveStreams(n int) {
	if LiveStreamsGauge != nil {
		LiveStreamsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
