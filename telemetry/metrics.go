// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	DispatchAttempts     prometheus.Counter
	DispatchSucceeded    prometheus.Counter
	DispatchFailed       prometheus.Counter
	EmptyContextRefusals prometheus.Counter
	BackupCycles         prometheus.Counter
	BackupChannelErrors  prometheus.Counter
	SnapshotsPurged      prometheus.Counter

	// Histograms (seconds)
	CompletionDuration  prometheus.Observer
	BackupCycleDuration prometheus.Observer

	// Gauges
	TrackedChannelsGauge prometheus.Gauge
	CredentialPoolGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DispatchAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dispatch_attempts_total", Help: "Number of completion attempts issued (including retries)"})
		DispatchSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dispatch_succeeded_total", Help: "Number of dispatches that returned a completion"})
		DispatchFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dispatch_failed_total", Help: "Number of dispatches that exhausted all attempts"})
		EmptyContextRefusals = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dispatch_empty_context_total", Help: "Number of dispatches refused before any network call due to empty context"})
		BackupCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_backup_cycles_total", Help: "Number of backup loop iterations"})
		BackupChannelErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_backup_channel_errors_total", Help: "Number of per-channel snapshot write failures"})
		SnapshotsPurged = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_snapshots_purged_total", Help: "Number of snapshot rows deleted by the purge job"})
		CompletionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_completion_duration_seconds", Help: "Remote completion call duration seconds", Buckets: prometheus.DefBuckets})
		BackupCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_backup_cycle_duration_seconds", Help: "Backup cycle duration seconds", Buckets: prometheus.DefBuckets})
		TrackedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_tracked_channels", Help: "Current number of channels with live state"})
		CredentialPoolGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_credential_pool_size", Help: "Number of credentials in the rotation pool"})
	})
}

// SetTrackedChannels records the current channel count.
func SetTrackedChannels(n int) {
	if TrackedChannelsGauge != nil {
		TrackedChannelsGauge.Set(float64(n))
	}
}

// SetCredentialPoolSize records the configured pool size.
func SetCredentialPoolSize(n int) {
	if CredentialPoolGauge != nil {
		CredentialPoolGauge.Set(float64(n))
	}
}

// AddSnapshotsPurged records rows removed by a purge pass.
func AddSnapshotsPurged(n int64) {
	if SnapshotsPurged != nil && n > 0 {
		SnapshotsPurged.Add(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
