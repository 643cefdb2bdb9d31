package persist

import (
	"context"
	"log/slog"
	"time"

	"github.com/subtle-labs/chat-relay/convo"
	"github.com/subtle-labs/chat-relay/telemetry"
)

// StartBackupJob periodically snapshots every channel's rolling window.
// The first backup runs immediately; iterations run inline in this
// goroutine, so a slow backup delays the next tick instead of overlapping
// it. On shutdown one final backup is taken so the last interval's
// conversation is not lost.
func StartBackupJob(ctx context.Context, m *Manager, store *convo.Store, interval time.Duration) {
	slog.Info("backup job starting", slog.Duration("interval", interval))

	runBackup(ctx, m, store)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush; the parent context is gone so give the writes
			// their own short deadline.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			runBackup(flushCtx, m, store)
			cancel()
			slog.Info("backup job stopped")
			return
		case <-ticker.C:
			runBackup(ctx, m, store)
		}
	}
}

func runBackup(ctx context.Context, m *Manager, store *convo.Store) {
	start := time.Now()
	telemetry.BackupCycles.Inc()
	recent := store.RecentByChannel()
	telemetry.SetTrackedChannels(store.ChannelCount())
	if len(recent) == 0 {
		slog.Debug("backup cycle skipped: no channels with recent turns", slog.String("component", "backup"))
		return
	}
	written, failed := m.SnapshotAll(ctx, recent)
	telemetry.BackupCycleDuration.Observe(time.Since(start).Seconds())
	slog.Info("backup cycle completed",
		slog.String("component", "backup"),
		slog.Int("written", written),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)))
}

// StartPurgeJob periodically deletes snapshots older than keepDays.
// keepDays == 0 disables the job.
func StartPurgeJob(ctx context.Context, m *Manager, keepDays int, interval time.Duration) {
	if keepDays <= 0 {
		slog.Info("snapshot purge job disabled (keep days not configured)")
		return
	}
	slog.Info("snapshot purge job starting",
		slog.Int("keep_days", keepDays),
		slog.Duration("interval", interval))

	runPurge(ctx, m, keepDays)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot purge job stopped")
			return
		case <-ticker.C:
			runPurge(ctx, m, keepDays)
		}
	}
}

func runPurge(ctx context.Context, m *Manager, keepDays int) {
	n, err := m.PurgeSnapshotsOlderThan(ctx, keepDays)
	if err != nil {
		slog.Warn("snapshot purge failed", slog.String("component", "purge"), slog.Any("err", err))
		return
	}
	telemetry.AddSnapshotsPurged(n)
	if n > 0 {
		slog.Info("purged old snapshots", slog.String("component", "purge"), slog.Int64("deleted", n))
	}
}
