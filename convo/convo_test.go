package convo

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func userTurn(i int) Turn {
	return Turn{Role: RoleUser, Content: fmt.Sprintf("message %d", i)}
}

func TestAppendFIFOEviction(t *testing.T) {
	s := NewStore(nil)
	const total = 26 // 25 prior appends plus the one under test
	for i := 0; i < total; i++ {
		s.Append("chan", userTurn(i))
	}
	history, err := s.AssembledHistory("chan")
	if err != nil {
		t.Fatalf("AssembledHistory error: %v", err)
	}
	if len(history) != MaxRecentTurns {
		t.Fatalf("len(recent) = %d, want %d", len(history), MaxRecentTurns)
	}
	// Surviving window is the last 20 appends, i.e. items 6..25, in order.
	for i, turn := range history {
		want := fmt.Sprintf("message %d", total-MaxRecentTurns+i)
		if turn.Content != want {
			t.Errorf("history[%d] = %q, want %q", i, turn.Content, want)
		}
	}
}

func TestAssembledHistoryOrder(t *testing.T) {
	s := NewStore(nil)
	pinned := []Turn{
		{Role: RoleUser, Content: "pinned question"},
		{Role: RoleAssistant, Content: "pinned answer"},
	}
	if _, err := s.SetConfig("chan", ConfigUpdate{PermanentTurns: pinned}); err != nil {
		t.Fatalf("SetConfig error: %v", err)
	}
	s.Append("chan", Turn{Role: RoleUser, Content: "recent"})

	history, err := s.AssembledHistory("chan")
	if err != nil {
		t.Fatalf("AssembledHistory error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[0].Content != "pinned question" || history[1].Content != "pinned answer" || history[2].Content != "recent" {
		t.Errorf("unexpected order: %+v", history)
	}
}

func TestAssembledHistoryEmpty(t *testing.T) {
	s := NewStore(nil)
	if _, err := s.AssembledHistory("chan"); !errors.Is(err, ErrEmptyContext) {
		t.Errorf("err = %v, want ErrEmptyContext", err)
	}
	if _, err := s.SnapshotForDispatch("chan", "default"); !errors.Is(err, ErrEmptyContext) {
		t.Errorf("SnapshotForDispatch err = %v, want ErrEmptyContext", err)
	}
}

func TestSnapshotForDispatchDefaults(t *testing.T) {
	s := NewStore(nil)
	s.Append("chan", userTurn(0))
	dc, err := s.SnapshotForDispatch("chan", "process default")
	if err != nil {
		t.Fatalf("SnapshotForDispatch error: %v", err)
	}
	if dc.SystemPrompt != "process default" {
		t.Errorf("SystemPrompt = %q, want fallback", dc.SystemPrompt)
	}
	if dc.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", dc.Temperature, DefaultTemperature)
	}
	if dc.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", dc.MaxTokens, DefaultMaxTokens)
	}

	override := "channel override"
	if _, err := s.SetConfig("chan", ConfigUpdate{SystemPrompt: &override}); err != nil {
		t.Fatalf("SetConfig error: %v", err)
	}
	dc, _ = s.SnapshotForDispatch("chan", "process default")
	if dc.SystemPrompt != override {
		t.Errorf("SystemPrompt = %q, want override", dc.SystemPrompt)
	}
}

func TestSetConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		update ConfigUpdate
	}{
		{"temperature_too_high", ConfigUpdate{Temperature: f64(1.5)}},
		{"temperature_negative", ConfigUpdate{Temperature: f64(-0.1)}},
		{"max_tokens_zero", ConfigUpdate{MaxTokens: intp(0)}},
		{"max_tokens_too_big", ConfigUpdate{MaxTokens: intp(5000)}},
		{"bad_role", ConfigUpdate{PermanentTurns: []Turn{{Role: "system", Content: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil)
			if _, err := s.SetConfig("chan", tt.update); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			// Rejected updates must not mutate state.
			s.Append("chan", userTurn(0))
			dc, _ := s.SnapshotForDispatch("chan", "")
			if dc.Temperature != DefaultTemperature || dc.MaxTokens != DefaultMaxTokens {
				t.Errorf("state mutated after rejected update: %+v", dc)
			}
		})
	}
}

func TestSetConfigPartialAndNoop(t *testing.T) {
	s := NewStore(nil)
	changed, err := s.SetConfig("chan", ConfigUpdate{})
	if err != nil || changed {
		t.Errorf("empty update: changed=%v err=%v, want false, nil", changed, err)
	}

	changed, err = s.SetConfig("chan", ConfigUpdate{Temperature: f64(0.3)})
	if err != nil || !changed {
		t.Fatalf("temperature update: changed=%v err=%v", changed, err)
	}
	s.Append("chan", userTurn(0))
	dc, _ := s.SnapshotForDispatch("chan", "")
	if dc.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", dc.Temperature)
	}
	// Unsupplied fields keep prior values.
	if dc.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want untouched default", dc.MaxTokens)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingSink) PersistConfig(channelID string, update ConfigUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, channelID)
	return r.err
}

func TestSetConfigTriggersSink(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(sink)
	if _, err := s.SetConfig("chan", ConfigUpdate{Temperature: f64(0.5)}); err != nil {
		t.Fatalf("SetConfig error: %v", err)
	}
	if len(sink.calls) != 1 || sink.calls[0] != "chan" {
		t.Errorf("sink calls = %v, want one call for chan", sink.calls)
	}
	// Rejected updates never reach the sink.
	if _, err := s.SetConfig("chan", ConfigUpdate{Temperature: f64(2.0)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if len(sink.calls) != 1 {
		t.Errorf("sink called for rejected update")
	}
}

func TestSeedSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(sink)
	s.Seed("chan", ConfigUpdate{Temperature: f64(0.2), MaxTokens: intp(512)})
	if len(sink.calls) != 0 {
		t.Errorf("Seed must not call the sink, got %v", sink.calls)
	}
	s.Append("chan", userTurn(0))
	dc, _ := s.SnapshotForDispatch("chan", "")
	if dc.Temperature != 0.2 || dc.MaxTokens != 512 {
		t.Errorf("seeded values not applied: %+v", dc)
	}
}

func TestClearRecent(t *testing.T) {
	s := NewStore(nil)
	pinned := []Turn{{Role: RoleUser, Content: "pinned"}}
	if _, err := s.SetConfig("chan", ConfigUpdate{PermanentTurns: pinned}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		s.Append("chan", userTurn(i))
	}
	if n := s.ClearRecent("chan"); n != 5 {
		t.Errorf("ClearRecent = %d, want 5", n)
	}
	history, err := s.AssembledHistory("chan")
	if err != nil {
		t.Fatalf("AssembledHistory error: %v", err)
	}
	if len(history) != 1 || history[0].Content != "pinned" {
		t.Errorf("pinned turns must survive clear, got %+v", history)
	}
	if n := s.ClearRecent("chan"); n != 0 {
		t.Errorf("second ClearRecent = %d, want 0", n)
	}
}

func TestSetActive(t *testing.T) {
	s := NewStore(nil)
	if !s.IsActive("chan") {
		t.Errorf("unknown channel should default to active")
	}
	s.SetActive("chan", false)
	if s.IsActive("chan") {
		t.Errorf("channel should be inactive after SetActive(false)")
	}
	s.SetActive("chan", true)
	if !s.IsActive("chan") {
		t.Errorf("channel should be active after SetActive(true)")
	}
}

func TestRecentByChannel(t *testing.T) {
	s := NewStore(nil)
	s.Append("a", userTurn(1))
	s.Append("b", userTurn(2))
	s.ClearRecent("b")
	s.SetActive("c", true) // known channel, no turns

	got := s.RecentByChannel()
	if len(got) != 1 {
		t.Fatalf("RecentByChannel returned %d channels, want 1", len(got))
	}
	turns, ok := got["a"]
	if !ok || len(turns) != 1 {
		t.Fatalf("channel a missing or wrong length: %v", got)
	}
	// Mutating the copy must not affect the store.
	turns[0].Content = "mutated"
	history, _ := s.AssembledHistory("a")
	if history[0].Content == "mutated" {
		t.Errorf("RecentByChannel must return copies")
	}
}

func TestConcurrentAppendsHoldBound(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Append("chan", Turn{Role: RoleUser, Content: fmt.Sprintf("g%d-%d", g, i)})
			}
		}(g)
	}
	wg.Wait()
	history, err := s.AssembledHistory("chan")
	if err != nil {
		t.Fatalf("AssembledHistory error: %v", err)
	}
	if len(history) != MaxRecentTurns {
		t.Errorf("len = %d, want %d after concurrent appends", len(history), MaxRecentTurns)
	}
}

func TestDefaultPrompt(t *testing.T) {
	var p DefaultPrompt
	if p.Get() != "" {
		t.Errorf("fresh DefaultPrompt should be empty")
	}
	p.Set("manual v2")
	if p.Get() != "manual v2" {
		t.Errorf("Get = %q, want manual v2", p.Get())
	}
}

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
