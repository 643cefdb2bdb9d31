// Package persist owns the durable representation of conversation state:
// periodic snapshots of rolling windows, per-channel configuration rows, and
// the versioned manual document. It is the only writer to the database;
// the conversation store never touches storage directly.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/subtle-labs/chat-relay/convo"
	"github.com/subtle-labs/chat-relay/telemetry"
)

// Manager wraps the database for all PersistenceManager operations.
type Manager struct {
	DB *sql.DB
}

// ChannelConfig is one persisted channel_settings row.
type ChannelConfig struct {
	ChannelID      string
	IsActive       bool
	SystemPrompt   string
	PermanentTurns []convo.Turn
	Temperature    float64
	MaxTokens      int
}

// ManualVersion is one manual_history row, without the content body.
type ManualVersion struct {
	ID        int64
	UpdatedBy string
	UpdatedAt time.Time
	IsCurrent bool
}

// SnapshotAll writes one snapshot row per channel with a non-empty rolling
// window and touches the channel's last_backup timestamp. Each channel runs
// in its own short transaction; a failure rolls back that channel only and
// the loop continues. Returns how many channels were written and how many
// failed.
func (m *Manager) SnapshotAll(ctx context.Context, recent map[string][]convo.Turn) (written, failed int) {
	for channelID, turns := range recent {
		if err := m.snapshotChannel(ctx, channelID, turns); err != nil {
			failed++
			telemetry.BackupChannelErrors.Inc()
			slog.Warn("channel snapshot failed",
				slog.String("component", "backup"),
				slog.String("channel", channelID),
				slog.Any("err", err))
			continue
		}
		written++
	}
	return written, failed
}

func (m *Manager) snapshotChannel(ctx context.Context, channelID string, turns []convo.Turn) error {
	payload, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Warn("snapshot rollback failed", slog.Any("err", err))
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_history (channel_id, message_history) VALUES ($1, $2)`,
		channelID, payload); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_settings (channel_id, last_backup) VALUES ($1, NOW())
		 ON CONFLICT (channel_id) DO UPDATE SET last_backup = NOW()`,
		channelID); err != nil {
		return fmt.Errorf("touch last_backup: %w", err)
	}
	return tx.Commit()
}

// RestoreLatest returns the turns of the most recent snapshot for a channel,
// or an empty sequence when none exists. This is a cold-start hook: boot
// loads configuration but deliberately does not replay snapshots into live
// state, so the rolling window does not survive a restart.
func (m *Manager) RestoreLatest(ctx context.Context, channelID string) ([]convo.Turn, error) {
	var payload []byte
	err := m.DB.QueryRowContext(ctx,
		`SELECT message_history FROM chat_history WHERE channel_id = $1
		 ORDER BY created_at DESC LIMIT 1`, channelID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	var turns []convo.Turn
	if err := json.Unmarshal(payload, &turns); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return turns, nil
}

// LoadAllChannelConfigs reads every persisted channel_settings row. Called at
// boot to populate the in-memory store before any message processing begins.
func (m *Manager) LoadAllChannelConfigs(ctx context.Context) ([]ChannelConfig, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT channel_id, COALESCE(is_active, TRUE), system_prompt, permanent_history,
		        COALESCE(temperature, 0.7), COALESCE(max_tokens, 4000)
		 FROM channel_settings`)
	if err != nil {
		return nil, fmt.Errorf("query channel settings: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []ChannelConfig
	for rows.Next() {
		var (
			cfg       ChannelConfig
			prompt    sql.NullString
			permanent []byte
		)
		if err := rows.Scan(&cfg.ChannelID, &cfg.IsActive, &prompt, &permanent, &cfg.Temperature, &cfg.MaxTokens); err != nil {
			return nil, fmt.Errorf("scan channel settings: %w", err)
		}
		cfg.SystemPrompt = prompt.String
		if len(permanent) > 0 {
			if err := json.Unmarshal(permanent, &cfg.PermanentTurns); err != nil {
				slog.Warn("skipping malformed permanent history",
					slog.String("channel", cfg.ChannelID), slog.Any("err", err))
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// UpsertChannelConfig persists only the supplied fields, creating the row if
// absent. Idempotent under repeated identical calls. Reports false when the
// update carries no fields.
func (m *Manager) UpsertChannelConfig(ctx context.Context, channelID string, update convo.ConfigUpdate) (bool, error) {
	cols := []string{}
	args := []any{channelID}

	appendCol := func(name string, v any) {
		cols = append(cols, name)
		args = append(args, v)
	}
	if update.SystemPrompt != nil {
		appendCol("system_prompt", *update.SystemPrompt)
	}
	if update.PermanentTurns != nil {
		payload, err := json.Marshal(update.PermanentTurns)
		if err != nil {
			return false, fmt.Errorf("encode permanent turns: %w", err)
		}
		appendCol("permanent_history", payload)
	}
	if update.Temperature != nil {
		appendCol("temperature", *update.Temperature)
	}
	if update.MaxTokens != nil {
		appendCol("max_tokens", *update.MaxTokens)
	}
	if update.IsActive != nil {
		appendCol("is_active", *update.IsActive)
	}
	if len(cols) == 0 {
		return false, nil
	}

	placeholders := make([]string, len(cols))
	sets := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	q := fmt.Sprintf(
		`INSERT INTO channel_settings (channel_id, %s) VALUES ($1, %s)
		 ON CONFLICT (channel_id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(sets, ", "))
	if _, err := m.DB.ExecContext(ctx, q, args...); err != nil {
		return false, fmt.Errorf("upsert channel settings: %w", err)
	}
	return true, nil
}

// PersistConfig implements convo.ConfigSink so the store can hand off
// configuration changes for durable storage.
func (m *Manager) PersistConfig(channelID string, update convo.ConfigUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.UpsertChannelConfig(ctx, channelID, update)
	return err
}

// UpdateManual atomically retires the current manual document and inserts the
// new one as current, returning the new document's id. On any failure the
// transaction is rolled back in full; there is never a moment with zero or
// two current documents visible.
func (m *Manager) UpdateManual(ctx context.Context, content, author string) (int64, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Warn("manual update rollback failed", slog.Any("err", err))
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE manual_history SET is_current = FALSE WHERE is_current = TRUE`); err != nil {
		return 0, fmt.Errorf("retire current manual: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO manual_history (content, updated_by) VALUES ($1, $2) RETURNING id`,
		content, author).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert manual: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// CurrentManual returns the content of the current manual document, with
// ok=false when none has been registered yet.
func (m *Manager) CurrentManual(ctx context.Context) (string, bool, error) {
	var content string
	err := m.DB.QueryRowContext(ctx,
		`SELECT content FROM manual_history WHERE is_current = TRUE`).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query current manual: %w", err)
	}
	return content, true, nil
}

// ManualHistory returns up to limit most recent manual versions, newest first.
func (m *Manager) ManualHistory(ctx context.Context, limit int) ([]ManualVersion, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := m.DB.QueryContext(ctx,
		`SELECT id, updated_by, updated_at, is_current FROM manual_history
		 ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query manual history: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []ManualVersion
	for rows.Next() {
		var v ManualVersion
		if err := rows.Scan(&v.ID, &v.UpdatedBy, &v.UpdatedAt, &v.IsCurrent); err != nil {
			return nil, fmt.Errorf("scan manual history: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PurgeSnapshotsOlderThan deletes snapshot rows older than the cutoff.
// Best-effort: callers log failures and carry on.
func (m *Manager) PurgeSnapshotsOlderThan(ctx context.Context, days int) (int64, error) {
	res, err := m.DB.ExecContext(ctx,
		`DELETE FROM chat_history WHERE created_at < NOW() - make_interval(days => $1)`,
		days)
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
