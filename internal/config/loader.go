package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] when the corresponding option is unset.
const (
	DefaultPort                = 8000
	DefaultShortTermSize       = 20
	DefaultEmbeddingDimensions = 1536
	DefaultContextCacheTTL     = 5
	DefaultSearchRecencyDays   = 7
	DefaultSearchCacheTTL      = 30
	DefaultSearchRate          = 20
	DefaultHabrRate            = 10
	DefaultHabrCacheTTL        = 60
	DefaultModelRate           = 60
	DefaultUserStreamRate      = 120
	DefaultHTTPRate            = 120
)

// DefaultEmbeddingsModel backs semantic memory when no model is configured.
const DefaultEmbeddingsModel = "text-embedding-3-small"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset options with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.HomeAssistant.ContextCacheTTLSeconds == 0 {
		cfg.HomeAssistant.ContextCacheTTLSeconds = DefaultContextCacheTTL
	}
	if cfg.Search.DefaultRecencyDays == 0 {
		cfg.Search.DefaultRecencyDays = DefaultSearchRecencyDays
	}
	if cfg.Search.CacheTTLMinutes == 0 {
		cfg.Search.CacheTTLMinutes = DefaultSearchCacheTTL
	}
	if cfg.Search.RatePerMinute == 0 {
		cfg.Search.RatePerMinute = DefaultSearchRate
	}
	if cfg.Habr.RatePerMinute == 0 {
		cfg.Habr.RatePerMinute = DefaultHabrRate
	}
	if cfg.Habr.CacheTTLMinutes == 0 {
		cfg.Habr.CacheTTLMinutes = DefaultHabrCacheTTL
	}
	if cfg.Memory.ShortTermSize == 0 {
		cfg.Memory.ShortTermSize = DefaultShortTermSize
	}
	if cfg.Memory.EmbeddingDimensions == 0 {
		cfg.Memory.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Limits.ModelPerMinute == 0 {
		cfg.Limits.ModelPerMinute = DefaultModelRate
	}
	if cfg.Limits.UserStreamPerMinute == 0 {
		cfg.Limits.UserStreamPerMinute = DefaultUserStreamRate
	}
	if cfg.Limits.HTTPPerMinute == 0 {
		cfg.Limits.HTTPPerMinute = DefaultHTTPRate
	}
	if cfg.Providers.OpenAI.EmbeddingsModel == "" {
		cfg.Providers.OpenAI.EmbeddingsModel = DefaultEmbeddingsModel
	}
	if cfg.Assistant.Name == "" {
		cfg.Assistant.Name = "Домовой"
	}
	if cfg.Assistant.Language == "" {
		cfg.Assistant.Language = "ru"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Soft issues (degraded but runnable setups) are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("providers.openai.api_key is required"))
	}

	if cfg.HomeAssistant.URL == "" {
		errs = append(errs, errors.New("homeassistant.url is required"))
	}
	if cfg.HomeAssistant.Token == "" {
		errs = append(errs, errors.New("homeassistant.token is required"))
	}
	if len(cfg.HomeAssistant.AllowedServices) == 0 {
		slog.Warn("homeassistant.allowed_services is empty; the executor will reject every service call")
	}

	if cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required"))
	}
	if cfg.Memory.ShortTermSize < 1 {
		errs = append(errs, fmt.Errorf("memory.short_term_size %d must be positive", cfg.Memory.ShortTermSize))
	}
	if cfg.Search.APIKey == "" {
		slog.Warn("search.api_key is empty; web search intents will return degraded responses")
	}
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
		slog.Warn("telegram bot is not fully configured; /v1/telegram/send will be unavailable")
	}

	return errors.Join(errs...)
}
