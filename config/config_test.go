package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEYS", "")
	t.Setenv("ANTHROPIC_MODEL", "")
	t.Setenv("BACKUP_INTERVAL", "")
	t.Setenv("SNAPSHOT_KEEP_DAYS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.AnthropicModel == "" {
		t.Errorf("expected default model, got empty")
	}
	if cfg.DispatchMaxAttempts != 3 {
		t.Errorf("DispatchMaxAttempts = %d, want 3", cfg.DispatchMaxAttempts)
	}
	if cfg.DispatchBackoff != time.Second {
		t.Errorf("DispatchBackoff = %v, want 1s", cfg.DispatchBackoff)
	}
	if cfg.BackupInterval != 5*time.Minute {
		t.Errorf("BackupInterval = %v, want 5m", cfg.BackupInterval)
	}
	if cfg.SnapshotKeepDays != 30 {
		t.Errorf("SnapshotKeepDays = %d, want 30", cfg.SnapshotKeepDays)
	}
	if cfg.DBDsn == "" {
		t.Errorf("expected default DSN, got empty")
	}
}

func TestLoadAPIKeysCommaList(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEYS", "sk-a, sk-b ,,sk-c")
	cfg, _ := Load()
	want := []string{"sk-a", "sk-b", "sk-c"}
	if len(cfg.AnthropicAPIKeys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(cfg.AnthropicAPIKeys), len(want))
	}
	for i, k := range want {
		if cfg.AnthropicAPIKeys[i] != k {
			t.Errorf("key[%d] = %q, want %q", i, cfg.AnthropicAPIKeys[i], k)
		}
	}
}

func TestLoadAPIKeysNumbered(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEYS", "")
	t.Setenv("ANTHROPIC_API_KEY_1", "sk-one")
	t.Setenv("ANTHROPIC_API_KEY_2", "sk-two")
	cfg, _ := Load()
	if len(cfg.AnthropicAPIKeys) != 2 {
		t.Fatalf("got %d keys, want 2", len(cfg.AnthropicAPIKeys))
	}
	if cfg.AnthropicAPIKeys[0] != "sk-one" || cfg.AnthropicAPIKeys[1] != "sk-two" {
		t.Errorf("unexpected keys: %v", cfg.AnthropicAPIKeys)
	}
}

func TestValidateDispatchReady(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEYS", "sk-a")
	cfg, _ := Load()
	if err := cfg.ValidateDispatchReady(); err != nil {
		t.Errorf("expected dispatch-ready config, got %v", err)
	}
	t.Setenv("ANTHROPIC_API_KEYS", "")
	t.Setenv("ANTHROPIC_API_KEY_1", "")
	cfg, _ = Load()
	if err := cfg.ValidateDispatchReady(); err == nil {
		t.Errorf("expected error when no api keys configured")
	}
}

func TestValidateChatReady(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "somechannel")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
	t.Setenv("TWITCH_CHANNELS", "")
	t.Setenv("TWITCH_CHANNEL", "")
	cfg, _ = Load()
	if err := cfg.ValidateChatReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}

func TestInvalidDurationsIgnored(t *testing.T) {
	t.Setenv("BACKUP_INTERVAL", "not-a-duration")
	t.Setenv("DISPATCH_BACKOFF", "-5s")
	cfg, _ := Load()
	if cfg.BackupInterval != 5*time.Minute {
		t.Errorf("BackupInterval = %v, want default 5m", cfg.BackupInterval)
	}
	if cfg.DispatchBackoff != time.Second {
		t.Errorf("DispatchBackoff = %v, want default 1s", cfg.DispatchBackoff)
	}
}
