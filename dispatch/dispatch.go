// Package dispatch turns a channel's assembled context into one completion,
// rotating credentials across bounded retries. The conversation store is read
// in a single short critical section before the network call; the dispatcher
// itself never appends to the store, so a terminal failure leaves the
// conversation exactly as it was.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/subtle-labs/chat-relay/anthropicapi"
	"github.com/subtle-labs/chat-relay/convo"
	"github.com/subtle-labs/chat-relay/telemetry"
)

// ErrDispatchFailed is the terminal error after all attempts exhaust. The
// last attempt's error is wrapped.
var ErrDispatchFailed = errors.New("dispatch failed")

// Completer issues one completion request with one credential.
type Completer interface {
	Complete(ctx context.Context, apiKey string, req anthropicapi.CompletionRequest) (string, error)
}

// Dispatcher coordinates store reads, credential rotation, and retries.
type Dispatcher struct {
	Store     *convo.Store
	Pool      *anthropicapi.Pool
	Completer Completer
	Prompt    *convo.DefaultPrompt
	Model     string

	// MaxAttempts bounds retries independent of pool size (default 3).
	MaxAttempts int
	// Backoff is the fixed wait between failed attempts (default 1s).
	Backoff time.Duration
	// Timeout bounds each attempt. Zero disables the per-attempt deadline.
	Timeout time.Duration
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return 3
}

func (d *Dispatcher) backoff() time.Duration {
	if d.Backoff > 0 {
		return d.Backoff
	}
	return time.Second
}

// Dispatch obtains one completion for the channel's current context.
// Returns convo.ErrEmptyContext without any network call when there is
// nothing to send, and ErrDispatchFailed once every attempt has failed.
func (d *Dispatcher) Dispatch(ctx context.Context, channelID string) (string, error) {
	dc, err := d.Store.SnapshotForDispatch(channelID, d.Prompt.Get())
	if err != nil {
		if errors.Is(err, convo.ErrEmptyContext) {
			telemetry.EmptyContextRefusals.Inc()
		}
		return "", err
	}

	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "dispatch"),
		slog.String("channel", channelID),
	)
	logger.Debug("dispatching completion",
		slog.Int("history_len", len(dc.History)),
		slog.Int("prompt_chars", len(dc.SystemPrompt)),
		slog.Float64("temperature", dc.Temperature),
		slog.Int("max_tokens", dc.MaxTokens))

	req := anthropicapi.CompletionRequest{
		Model:       d.Model,
		System:      dc.SystemPrompt,
		Messages:    dc.History,
		Temperature: dc.Temperature,
		MaxTokens:   dc.MaxTokens,
	}

	// Credentials already tried within this dispatch are skipped until the
	// whole pool has been seen, after which repeats are allowed.
	used := make(map[int]struct{})
	var lastErr error

	maxAttempts := d.maxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred := d.Pool.Next()
		for {
			if _, seen := used[cred.Index]; !seen || len(used) >= d.Pool.Size() {
				break
			}
			cred = d.Pool.Next()
		}
		used[cred.Index] = struct{}{}

		telemetry.DispatchAttempts.Inc()
		start := time.Now()
		text, err := d.complete(ctx, cred.APIKey, req)
		dur := time.Since(start)
		if err == nil {
			telemetry.DispatchSucceeded.Inc()
			telemetry.CompletionDuration.Observe(dur.Seconds())
			logger.Info("completion succeeded",
				slog.Int("attempt", attempt),
				slog.Int("credential", cred.Index),
				slog.Duration("duration", dur))
			return text, nil
		}

		lastErr = err
		logger.Warn("completion attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("credential", cred.Index),
			slog.Duration("duration", dur),
			slog.Any("err", err))

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				telemetry.DispatchFailed.Inc()
				return "", fmt.Errorf("%w: %w", ErrDispatchFailed, ctx.Err())
			case <-time.After(d.backoff()):
			}
		}
	}

	telemetry.DispatchFailed.Inc()
	return "", fmt.Errorf("%w after %d attempts: %w", ErrDispatchFailed, maxAttempts, lastErr)
}

func (d *Dispatcher) complete(ctx context.Context, apiKey string, req anthropicapi.CompletionRequest) (string, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	return d.Completer.Complete(ctx, apiKey, req)
}
