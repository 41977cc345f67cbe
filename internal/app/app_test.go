package app

import (
	"context"
	"testing"

	"github.com/domovoy-ai/domovoy/internal/audit"
	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/resilience"
	"github.com/domovoy-ai/domovoy/pkg/memory"
	memorymock "github.com/domovoy-ai/domovoy/pkg/memory/mock"
)

type fakeAuditor struct {
	records []audit.Record
}

func (f *fakeAuditor) Append(_ context.Context, rec audit.Record) error {
	f.records = append(f.records, rec)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.HomeAssistant.URL = "http://homeassistant.local:8123"
	cfg.HomeAssistant.Token = "token"
	cfg.Limits.ModelPerMinute = 60
	cfg.Limits.UserStreamPerMinute = 120
	cfg.Limits.HTTPPerMinute = 120
	cfg.Assistant.Name = "Домовой"
	return cfg
}

func testMemory() *memory.Manager {
	return memory.NewManager(
		memorymock.NewRecentStore(20),
		memorymock.NewSemanticStore(),
		memorymock.NewRuleStore(),
		memory.WithLongTermDisabled(),
	)
}

func TestNew_WiresSubsystems(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(), &Providers{},
		WithMemoryManager(testMemory()),
		WithAuditor(&fakeAuditor{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if a.orchestrator == nil {
		t.Error("orchestrator not wired")
	}
	if a.server == nil {
		t.Error("server not wired")
	}
	if a.streams != nil {
		t.Error("streaming should be disabled without a realtime provider")
	}
}

func TestNew_RequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), testConfig(), &Providers{})
	if err == nil {
		t.Fatal("want error without postgres_dsn and injected manager")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(), &Providers{},
		WithMemoryManager(testMemory()),
		WithAuditor(&fakeAuditor{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Run(ctx); err != nil {
		t.Errorf("Run after cancel: %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(), &Providers{},
		WithMemoryManager(testMemory()),
		WithAuditor(&fakeAuditor{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestBuildProviders_EmptyConfig(t *testing.T) {
	t.Parallel()

	p, err := BuildProviders(&config.Config{})
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.LLM != nil || p.TTS != nil || p.Realtime != nil || p.Embeddings != nil {
		t.Errorf("providers = %+v, want all nil", p)
	}
}

func TestBuildProviders_UnknownLLM(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "doesnotexist"
	cfg.Providers.LLM.Model = "some-model"

	if _, err := BuildProviders(cfg); err == nil {
		t.Fatal("want error for unknown llm provider name")
	}
}

func TestBuildProviders_LLMFallback(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "openai"
	cfg.Providers.LLM.Model = "gpt-4o"
	cfg.Providers.LLM.APIKey = "sk-test"
	cfg.Providers.FallbackLLM.Name = "ollama"
	cfg.Providers.FallbackLLM.Model = "llama3"
	cfg.Providers.FallbackLLM.BaseURL = "http://localhost:11434"

	p, err := BuildProviders(cfg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := p.LLM.(*resilience.LLMFallback); !ok {
		t.Errorf("LLM = %T, want *resilience.LLMFallback", p.LLM)
	}
}

func TestBuildProviders_OpenAIStack(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.OpenAI.TTSModel = "tts-1"
	cfg.Providers.OpenAI.RealtimeModel = "gpt-realtime"
	cfg.Providers.OpenAI.EmbeddingsModel = "text-embedding-3-small"

	p, err := BuildProviders(cfg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.TTS == nil || p.Realtime == nil || p.Embeddings == nil {
		t.Errorf("providers = %+v, want tts/realtime/embeddings wired", p)
	}
}
