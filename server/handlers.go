package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/subtle-labs/chat-relay/anthropicapi"
	"github.com/subtle-labs/chat-relay/convo"
)

// Handlers bundles the dependencies the HTTP endpoints read from.
type Handlers struct {
	db        *sql.DB
	store     *convo.Store
	pool      *anthropicapi.Pool
	prompt    *convo.DefaultPrompt
	model     string
	startedAt time.Time
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			if h.pool == nil || h.pool.Size() == 0 {
				return fmt.Errorf("no API credentials configured")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type channelStatus struct {
	Active         bool       `json:"active"`
	PromptOverride bool       `json:"prompt_override"`
	PinnedTurns    int        `json:"pinned_turns"`
	RecentTurns    int        `json:"recent_turns"`
	Temperature    float64    `json:"temperature"`
	MaxTokens      int        `json:"max_tokens"`
	LastBackup     *time.Time `json:"last_backup,omitempty"`
}

type statusResponse struct {
	Model         string                   `json:"model"`
	Credentials   int                      `json:"credentials"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Channels      map[string]channelStatus `json:"channels"`
}

// HandleStatus reports a JSON summary of every tracked conversation.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Model:         h.model,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Channels:      make(map[string]channelStatus),
	}
	if h.pool != nil {
		resp.Credentials = h.pool.Size()
	}
	backups := h.lastBackups(r)
	for _, id := range h.store.ChannelIDs() {
		st := h.store.ChannelStatus(id, h.prompt.Get())
		resp.Channels[id] = channelStatus{
			Active:         st.Active,
			PromptOverride: st.PromptOverridden,
			PinnedTurns:    st.PermanentTurns,
			RecentTurns:    st.RecentTurns,
			Temperature:    st.Temperature,
			MaxTokens:      st.MaxTokens,
			LastBackup:     backups[id],
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// lastBackups reads per-channel backup timestamps, best effort.
func (h *Handlers) lastBackups(r *http.Request) map[string]*time.Time {
	out := make(map[string]*time.Time)
	if h.db == nil {
		return out
	}
	rows, err := h.db.QueryContext(r.Context(),
		`SELECT channel_id, last_backup FROM channel_settings WHERE last_backup IS NOT NULL`)
	if err != nil {
		return out
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			continue
		}
		out[id] = &ts
	}
	return out
}
