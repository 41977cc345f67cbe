package config_test

import (
	"strings"
	"testing"

	"github.com/domovoy-ai/domovoy/internal/config"
)

const validYAML = `
server:
  port: 8000
providers:
  openai:
    api_key: sk-test
homeassistant:
  url: http://homeassistant:8123
  token: ha-token
  allowed_services:
    - light.turn_on
    - light.turn_off
memory:
  postgres_dsn: "postgres://localhost/domovoy"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.HomeAssistant.URL != "http://homeassistant:8123" {
		t.Errorf("unexpected homeassistant url %q", cfg.HomeAssistant.URL)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Memory.ShortTermSize != config.DefaultShortTermSize {
		t.Errorf("short_term_size = %d, want %d", cfg.Memory.ShortTermSize, config.DefaultShortTermSize)
	}
	if cfg.Memory.EmbeddingDimensions != config.DefaultEmbeddingDimensions {
		t.Errorf("embedding_dimensions = %d, want %d", cfg.Memory.EmbeddingDimensions, config.DefaultEmbeddingDimensions)
	}
	if !cfg.Memory.LongTermMemoryEnabled() {
		t.Error("long-term memory should default to enabled")
	}
	if cfg.HomeAssistant.ContextCacheTTLSeconds != config.DefaultContextCacheTTL {
		t.Errorf("context_cache_ttl_seconds = %d, want %d", cfg.HomeAssistant.ContextCacheTTLSeconds, config.DefaultContextCacheTTL)
	}
	if cfg.Search.DefaultRecencyDays != config.DefaultSearchRecencyDays {
		t.Errorf("default_recency_days = %d, want %d", cfg.Search.DefaultRecencyDays, config.DefaultSearchRecencyDays)
	}
	if cfg.Limits.UserStreamPerMinute != config.DefaultUserStreamRate {
		t.Errorf("user_stream_per_minute = %d, want %d", cfg.Limits.UserStreamPerMinute, config.DefaultUserStreamRate)
	}
	if cfg.Providers.OpenAI.EmbeddingsModel != config.DefaultEmbeddingsModel {
		t.Errorf("embeddings_model = %q, want %q", cfg.Providers.OpenAI.EmbeddingsModel, config.DefaultEmbeddingsModel)
	}
	if cfg.Assistant.Name == "" || cfg.Assistant.Language == "" {
		t.Error("assistant name and language should have defaults")
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  port: 8000\n"))
	if err == nil {
		t.Fatal("expected error for missing required options, got nil")
	}
	for _, want := range []string{"providers.openai.api_key", "homeassistant.url", "homeassistant.token", "memory.postgres_dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\n" + `
# overridden below
`
	yaml = strings.Replace(yaml, "server:\n  port: 8000", "server:\n  port: 8000\n  log_level: verbose", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(validYAML + "\nunknown_section:\n  foo: bar\n"))
	if err == nil {
		t.Fatal("expected error for unknown yaml field, got nil")
	}
}

func TestLogLevelIsValid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{config.LogLevel("verbose"), false},
		{config.LogLevel(""), false},
	}
	for _, tc := range cases {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("IsValid(%q) = %v, want %v", tc.level, got, tc.want)
		}
	}
}
