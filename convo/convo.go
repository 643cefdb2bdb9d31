// Package convo owns the live per-channel conversation state: the system
// prompt override, pinned turns, the bounded rolling window of recent turns,
// and generation parameters. All access goes through Store methods; the map
// is never exposed. The store is safe for concurrent use by the inbound
// message handlers and the backup loop.
package convo

import (
	"errors"
	"fmt"
	"sync"
)

// MaxRecentTurns bounds the rolling window per channel. Oldest turns are
// dropped first once the bound is exceeded.
const MaxRecentTurns = 20

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4000

	MinTemperature = 0.0
	MaxTemperature = 1.0
	MinMaxTokens   = 1
	MaxTokensCap   = 4096
)

var (
	// ErrEmptyContext is returned when a channel has neither pinned nor
	// recent turns; the completion endpoint cannot be called with zero turns.
	ErrEmptyContext = errors.New("conversation context is empty")

	// ErrValidation marks an out-of-range parameter; no state is mutated.
	ErrValidation = errors.New("validation failed")
)

// Role tags one side of the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message unit. Immutable once created.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConfigUpdate is a partial update to a channel's configuration. Nil fields
// are left untouched.
type ConfigUpdate struct {
	SystemPrompt   *string
	PermanentTurns []Turn
	Temperature    *float64
	MaxTokens      *int
	IsActive       *bool
}

func (u ConfigUpdate) empty() bool {
	return u.SystemPrompt == nil && u.PermanentTurns == nil &&
		u.Temperature == nil && u.MaxTokens == nil && u.IsActive == nil
}

// ConfigSink receives configuration changes for durable storage. The store
// calls it after a successful in-memory update; persistence failures are the
// sink's to report.
type ConfigSink interface {
	PersistConfig(channelID string, update ConfigUpdate) error
}

// channelState is the live state for one channel. Guarded by Store.mu.
type channelState struct {
	systemPrompt   string
	permanentTurns []Turn
	recentTurns    []Turn
	temperature    float64
	maxTokens      int
	active         bool
}

func newChannelState() *channelState {
	return &channelState{
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		active:      true,
	}
}

// Store holds all channels' conversation state for the process lifetime.
// A single coarse lock serializes access; every critical section is short
// and never spans a network call.
type Store struct {
	mu       sync.Mutex
	channels map[string]*channelState
	sink     ConfigSink
}

// NewStore returns an empty store. sink may be nil (changes are then kept
// in memory only, which is what tests use).
func NewStore(sink ConfigSink) *Store {
	return &Store{channels: make(map[string]*channelState), sink: sink}
}

// channel returns the state for id, creating it lazily. Callers must hold mu.
func (s *Store) channel(id string) *channelState {
	ch, ok := s.channels[id]
	if !ok {
		ch = newChannelState()
		s.channels[id] = ch
	}
	return ch
}

// Append adds a turn to the channel's rolling window, evicting the oldest
// turns beyond MaxRecentTurns.
func (s *Store) Append(channelID string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	ch.recentTurns = append(ch.recentTurns, turn)
	if n := len(ch.recentTurns); n > MaxRecentTurns {
		ch.recentTurns = append(ch.recentTurns[:0:0], ch.recentTurns[n-MaxRecentTurns:]...)
	}
}

// AssembledHistory returns permanent turns followed by recent turns, the
// exact sequence sent to the completion endpoint. Returns ErrEmptyContext
// when both are empty.
func (s *Store) AssembledHistory(channelID string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	if len(ch.permanentTurns) == 0 && len(ch.recentTurns) == 0 {
		return nil, ErrEmptyContext
	}
	out := make([]Turn, 0, len(ch.permanentTurns)+len(ch.recentTurns))
	out = append(out, ch.permanentTurns...)
	out = append(out, ch.recentTurns...)
	return out, nil
}

// DispatchContext is everything the dispatcher needs for one completion
// request, captured in a single critical section so no lock is held while
// the remote call is in flight.
type DispatchContext struct {
	SystemPrompt string
	History      []Turn
	Temperature  float64
	MaxTokens    int
}

// SnapshotForDispatch captures the channel's outbound context. defaultPrompt
// is used when the channel has no prompt override. Returns ErrEmptyContext
// when there is nothing to send.
func (s *Store) SnapshotForDispatch(channelID, defaultPrompt string) (DispatchContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	if len(ch.permanentTurns) == 0 && len(ch.recentTurns) == 0 {
		return DispatchContext{}, ErrEmptyContext
	}
	dc := DispatchContext{
		SystemPrompt: ch.systemPrompt,
		Temperature:  ch.temperature,
		MaxTokens:    ch.maxTokens,
	}
	if dc.SystemPrompt == "" {
		dc.SystemPrompt = defaultPrompt
	}
	dc.History = make([]Turn, 0, len(ch.permanentTurns)+len(ch.recentTurns))
	dc.History = append(dc.History, ch.permanentTurns...)
	dc.History = append(dc.History, ch.recentTurns...)
	return dc, nil
}

// SetConfig applies a partial, validated configuration update. It reports
// false when the update contains no fields. On success the change is handed
// to the config sink for durable storage; a sink failure is returned but the
// in-memory update stands (memory is the source of truth until the next
// successful persist).
func (s *Store) SetConfig(channelID string, update ConfigUpdate) (bool, error) {
	if update.empty() {
		return false, nil
	}
	if update.Temperature != nil && (*update.Temperature < MinTemperature || *update.Temperature > MaxTemperature) {
		return false, fmt.Errorf("%w: temperature %.2f out of range [%.1f, %.1f]",
			ErrValidation, *update.Temperature, MinTemperature, MaxTemperature)
	}
	if update.MaxTokens != nil && (*update.MaxTokens < MinMaxTokens || *update.MaxTokens > MaxTokensCap) {
		return false, fmt.Errorf("%w: max tokens %d out of range [%d, %d]",
			ErrValidation, *update.MaxTokens, MinMaxTokens, MaxTokensCap)
	}
	for _, turn := range update.PermanentTurns {
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			return false, fmt.Errorf("%w: turn role %q must be %q or %q",
				ErrValidation, turn.Role, RoleUser, RoleAssistant)
		}
	}

	s.mu.Lock()
	ch := s.channel(channelID)
	if update.SystemPrompt != nil {
		ch.systemPrompt = *update.SystemPrompt
	}
	if update.PermanentTurns != nil {
		ch.permanentTurns = append([]Turn(nil), update.PermanentTurns...)
	}
	if update.Temperature != nil {
		ch.temperature = *update.Temperature
	}
	if update.MaxTokens != nil {
		ch.maxTokens = *update.MaxTokens
	}
	if update.IsActive != nil {
		ch.active = *update.IsActive
	}
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.PersistConfig(channelID, update); err != nil {
			return true, fmt.Errorf("persist channel config: %w", err)
		}
	}
	return true, nil
}

// Seed populates a channel's configuration from durable storage at boot.
// Unlike SetConfig it never touches the sink and skips validation: rows we
// wrote ourselves are trusted.
func (s *Store) Seed(channelID string, update ConfigUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	if update.SystemPrompt != nil {
		ch.systemPrompt = *update.SystemPrompt
	}
	if update.PermanentTurns != nil {
		ch.permanentTurns = append([]Turn(nil), update.PermanentTurns...)
	}
	if update.Temperature != nil {
		ch.temperature = *update.Temperature
	}
	if update.MaxTokens != nil {
		ch.maxTokens = *update.MaxTokens
	}
	if update.IsActive != nil {
		ch.active = *update.IsActive
	}
}

// ClearRecent empties the rolling window only, reporting how many turns were
// removed. Pinned turns and configuration are untouched.
func (s *Store) ClearRecent(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	n := len(ch.recentTurns)
	ch.recentTurns = nil
	return n
}

// SetActive toggles whether the channel responds to inbound messages.
func (s *Store) SetActive(channelID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(channelID).active = active
}

// IsActive reports the channel's responsiveness flag. Unknown channels
// default to active.
func (s *Store) IsActive(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return true
	}
	return ch.active
}

// RecentByChannel returns a copy of every non-empty rolling window, keyed by
// channel. Used by the backup loop.
func (s *Store) RecentByChannel() map[string][]Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Turn)
	for id, ch := range s.channels {
		if len(ch.recentTurns) == 0 {
			continue
		}
		out[id] = append([]Turn(nil), ch.recentTurns...)
	}
	return out
}

// Status is a point-in-time summary of one channel, for the status command
// and the HTTP status endpoint.
type Status struct {
	Active           bool
	PromptOverridden bool
	PromptChars      int
	PermanentTurns   int
	RecentTurns      int
	Temperature      float64
	MaxTokens        int
}

// ChannelStatus summarizes a channel. defaultPrompt is counted when the
// channel carries no override.
func (s *Store) ChannelStatus(channelID, defaultPrompt string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	st := Status{
		Active:          ch.active,
		PromptOverridden: ch.systemPrompt != "",
		PermanentTurns:  len(ch.permanentTurns),
		RecentTurns:     len(ch.recentTurns),
		Temperature:     ch.temperature,
		MaxTokens:       ch.maxTokens,
	}
	if ch.systemPrompt != "" {
		st.PromptChars = len(ch.systemPrompt)
	} else {
		st.PromptChars = len(defaultPrompt)
	}
	return st
}

// ChannelIDs lists every channel the store has state for, config-only
// channels included.
func (s *Store) ChannelIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	return ids
}

// ChannelCount returns the number of tracked channels.
func (s *Store) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}
