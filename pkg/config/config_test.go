package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/herald/pkg/config/provider"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.LLM.BaseURL != "http://localhost:11434" {
		t.Errorf("llm.base_url default = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.StartTimeout != 60*time.Second {
		t.Errorf("llm.start_timeout default = %s", cfg.LLM.StartTimeout)
	}
	if cfg.LLM.HealthInterval != 10*time.Second {
		t.Errorf("llm.health_interval default = %s", cfg.LLM.HealthInterval)
	}
	if cfg.Stream.QueueSize != 256 {
		t.Errorf("stream.queue_size default = %d", cfg.Stream.QueueSize)
	}
	if cfg.Stream.UpdateInterval != 50*time.Millisecond {
		t.Errorf("stream.update_interval default = %s", cfg.Stream.UpdateInterval)
	}
	if cfg.Engine.Temperature != 0.1 {
		t.Errorf("engine.temperature default = %g", cfg.Engine.Temperature)
	}
	if cfg.Engine.MaxTokens != 2048 {
		t.Errorf("engine.max_tokens default = %d", cfg.Engine.MaxTokens)
	}
	if cfg.Engine.Streaming == nil || !*cfg.Engine.Streaming {
		t.Error("engine.streaming should default to true")
	}
	if cfg.Engine.Workers != 2 {
		t.Errorf("engine.workers default = %d", cfg.Engine.Workers)
	}
	if cfg.Templates.Selection.Temperature != 0.3 {
		t.Errorf("templates.selection.temperature default = %g", cfg.Templates.Selection.Temperature)
	}
	if cfg.Fleet.MaxRetries != 3 {
		t.Errorf("fleet.max_retries default = %d", cfg.Fleet.MaxRetries)
	}
	if cfg.Fleet.RetryBackoff != 2*time.Second {
		t.Errorf("fleet.retry_backoff default = %s", cfg.Fleet.RetryBackoff)
	}
	if cfg.Fleet.VerifySSL == nil || !*cfg.Fleet.VerifySSL {
		t.Error("fleet.verify_ssl should default to true")
	}
	if cfg.Approval.AuditCapacity != 100 {
		t.Errorf("approval.audit_capacity default = %d", cfg.Approval.AuditCapacity)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad llm base url",
			mutate:  func(c *Config) { c.LLM.BaseURL = "localhost:11434" },
			wantErr: "llm.base_url",
		},
		{
			name:    "bad auth mode",
			mutate:  func(c *Config) { c.Fleet.Auth.Mode = "ldap" },
			wantErr: "fleet.auth.mode",
		},
		{
			name:    "oauth without token url",
			mutate:  func(c *Config) { c.Fleet.Auth.Mode = AuthOAuth },
			wantErr: "token_url",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "negative queue size",
			mutate:  func(c *Config) { c.Stream.QueueSize = -1 },
			wantErr: "stream.queue_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("TEST_FLEET_URL", "https://fleet.example.com")

	dir := t.TempDir()
	path := filepath.Join(dir, "herald.yaml")
	content := `
llm:
  model: llama3:8b
  start_timeout: 90s
engine:
  temperature: 0.2
  streaming: false
fleet:
  base_url: ${TEST_FLEET_URL}
  auth:
    mode: bearer
    token: ${TEST_FLEET_TOKEN:-fallback-token}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	defer loader.Close()

	if cfg.LLM.Model != "llama3:8b" {
		t.Errorf("llm.model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.StartTimeout != 90*time.Second {
		t.Errorf("llm.start_timeout = %s", cfg.LLM.StartTimeout)
	}
	if cfg.Engine.Temperature != 0.2 {
		t.Errorf("engine.temperature = %g", cfg.Engine.Temperature)
	}
	if cfg.Engine.Streaming == nil || *cfg.Engine.Streaming {
		t.Error("engine.streaming should be false")
	}
	if cfg.Fleet.BaseURL != "https://fleet.example.com" {
		t.Errorf("fleet.base_url = %q (env expansion)", cfg.Fleet.BaseURL)
	}
	if cfg.Fleet.Auth.Token != "fallback-token" {
		t.Errorf("fleet.auth.token = %q (default expansion)", cfg.Fleet.Auth.Token)
	}
	// Unset sections still get defaults.
	if cfg.Stream.QueueSize != 256 {
		t.Errorf("stream.queue_size = %d", cfg.Stream.QueueSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	raw := map[string]any{
		"llm": map[string]any{"base_url": "http://original:11434"},
	}

	applyEnvOverrides(raw, []string{
		"HERALD_LLM_BASE_URL=http://overridden:11434",
		"HERALD_ENGINE_MAX_TOKENS=4096",
		"HERALD_ENGINE_STREAMING=false",
		"HERALD_FLEET_AUTH_MODE=api_key",
		"HERALD_TEMPLATES_SELECTION_MAX_TOKENS=500",
		"UNRELATED=ignored",
	})

	cfg := &Config{}
	if err := decodeConfig(raw, cfg); err != nil {
		t.Fatal(err)
	}
	cfg.SetDefaults()

	if cfg.LLM.BaseURL != "http://overridden:11434" {
		t.Errorf("llm.base_url = %q", cfg.LLM.BaseURL)
	}
	if cfg.Engine.MaxTokens != 4096 {
		t.Errorf("engine.max_tokens = %d", cfg.Engine.MaxTokens)
	}
	if cfg.Engine.Streaming == nil || *cfg.Engine.Streaming {
		t.Error("engine.streaming should be overridden to false")
	}
	if cfg.Fleet.Auth.Mode != AuthAPIKey {
		t.Errorf("fleet.auth.mode = %q", cfg.Fleet.Auth.Mode)
	}
	if cfg.Templates.Selection.MaxTokens != 500 {
		t.Errorf("templates.selection.max_tokens = %d", cfg.Templates.Selection.MaxTokens)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"FALSE", false},
		{"42", 42},
		{"0.5", 0.5},
		{"hello", "hello"},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); got != tt.want {
			t.Errorf("parseValue(%q) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}
}

func TestSaveRotatesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herald.yaml")

	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Save(path); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}

	// Overwriting an existing file creates a backup.
	if err := cfg.Save(path); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var backups int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".bak") {
			backups++
		}
	}
	if backups != 1 {
		t.Errorf("backup count = %d, want 1", backups)
	}

	// Saved file must load back.
	reloaded, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	defer loader.Close()
	if reloaded.LLM.Model != cfg.LLM.Model {
		t.Errorf("reloaded llm.model = %q, want %q", reloaded.LLM.Model, cfg.LLM.Model)
	}
}

func TestFileProviderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herald.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  model: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("llm:\n  model: b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification within 2s")
	}
}
