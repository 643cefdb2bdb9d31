package telemetry

import (
	"context"
	"testing"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := DispatchAttempts
	Init()
	if DispatchAttempts != first {
		t.Errorf("Init re-registered metrics")
	}
	if DispatchAttempts == nil || BackupCycles == nil || CompletionDuration == nil {
		t.Errorf("metrics not registered")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation on empty ctx = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Errorf("LoggerWithCorr returned nil")
	}
}

func TestGaugeHelpersNilSafe(t *testing.T) {
	// Helpers must tolerate being called before Init in auxiliary tools.
	saved := TrackedChannelsGauge
	TrackedChannelsGauge = nil
	SetTrackedChannels(3)
	TrackedChannelsGauge = saved

	Init()
	SetTrackedChannels(2)
	SetCredentialPoolSize(4)
	AddSnapshotsPurged(10)
}
