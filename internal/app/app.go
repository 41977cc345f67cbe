// Package app wires all Domovoy subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in reverse initialisation order.
//
// For testing, inject replacements via functional options (WithMemoryManager,
// WithAuditor, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/domovoy-ai/domovoy/internal/audit"
	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/habr"
	"github.com/domovoy-ai/domovoy/internal/health"
	"github.com/domovoy-ai/domovoy/internal/homeassistant"
	"github.com/domovoy-ai/domovoy/internal/observe"
	"github.com/domovoy-ai/domovoy/internal/pipeline"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/internal/resilience"
	"github.com/domovoy-ai/domovoy/internal/search"
	"github.com/domovoy-ai/domovoy/internal/server"
	"github.com/domovoy-ai/domovoy/internal/stream"
	"github.com/domovoy-ai/domovoy/internal/telegram"
	"github.com/domovoy-ai/domovoy/pkg/memory"
	"github.com/domovoy-ai/domovoy/pkg/memory/postgres"
	"github.com/domovoy-ai/domovoy/pkg/provider/embeddings"
	embopenai "github.com/domovoy-ai/domovoy/pkg/provider/embeddings/openai"
	"github.com/domovoy-ai/domovoy/pkg/provider/llm"
	"github.com/domovoy-ai/domovoy/pkg/provider/llm/anyllm"
	"github.com/domovoy-ai/domovoy/pkg/provider/realtime"
	rtopenai "github.com/domovoy-ai/domovoy/pkg/provider/realtime/openai"
	"github.com/domovoy-ai/domovoy/pkg/provider/tts"
	ttsopenai "github.com/domovoy-ai/domovoy/pkg/provider/tts/openai"
)

// embeddingCacheSize bounds the in-memory embedding cache shared by the
// semantic memory tier.
const embeddingCacheSize = 1000

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured; the features that need it degrade.
type Providers struct {
	LLM        llm.Provider
	TTS        tts.Provider
	Realtime   realtime.Provider
	Embeddings embeddings.Provider
}

// BuildProviders instantiates the real providers from config. Slots whose
// credentials are missing stay nil.
func BuildProviders(cfg *config.Config) (*Providers, error) {
	p := &Providers{}

	entry := cfg.Providers.LLM
	if entry.Name != "" {
		llmProvider, err := buildLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("app: llm provider: %w", err)
		}
		p.LLM = llmProvider

		if fb := cfg.Providers.FallbackLLM; fb.Name != "" {
			fbProvider, err := buildLLM(fb)
			if err != nil {
				return nil, fmt.Errorf("app: fallback llm provider: %w", err)
			}
			group := resilience.NewLLMFallback(llmProvider, entry.Name, resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{Name: "llm"},
			})
			group.AddFallback(fb.Name, fbProvider)
			p.LLM = group
		}
	}

	oai := cfg.Providers.OpenAI
	if oai.APIKey == "" {
		return p, nil
	}

	if oai.TTSModel != "" {
		var opts []ttsopenai.Option
		if oai.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(oai.BaseURL))
		}
		ttsProvider, err := ttsopenai.New(oai.APIKey, oai.TTSModel, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: tts provider: %w", err)
		}
		p.TTS = ttsProvider
	}

	var rtOpts []rtopenai.Option
	if oai.RealtimeModel != "" {
		rtOpts = append(rtOpts, rtopenai.WithModel(oai.RealtimeModel))
	}
	if oai.BaseURL != "" {
		rtOpts = append(rtOpts, rtopenai.WithBaseURL(oai.BaseURL))
	}
	p.Realtime = rtopenai.New(oai.APIKey, rtOpts...)

	if oai.EmbeddingsModel != "" {
		var opts []embopenai.Option
		if oai.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(oai.BaseURL))
		}
		embProvider, err := embopenai.New(oai.APIKey, oai.EmbeddingsModel, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: embeddings provider: %w", err)
		}
		p.Embeddings = embeddings.NewCached(embProvider, embeddingCacheSize)
	}

	return p, nil
}

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	version   string
	dryRun    bool

	// Subsystems — initialised in New, torn down in Shutdown.
	store        *postgres.Store
	memory       *memory.Manager
	auditor      pipeline.Auditor
	limits       *ratelimit.Manager
	home         *homeassistant.Client
	searcher     *search.Client
	articles     *habr.Client
	notifier     *telegram.Sender
	orchestrator *pipeline.Orchestrator
	streams      *stream.Manager
	metrics      *observe.Metrics
	server       *server.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithVersion sets the version string reported by the health endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithDryRun makes the executor simulate service calls instead of invoking
// the backend.
func WithDryRun(enabled bool) Option {
	return func(a *App) { a.dryRun = enabled }
}

// WithMetrics injects metric instruments instead of the global default set.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMemoryManager injects a memory manager instead of connecting to
// PostgreSQL. The database health check is skipped.
func WithMemoryManager(m *memory.Manager) Option {
	return func(a *App) { a.memory = m }
}

// WithAuditor injects an audit sink instead of the PostgreSQL-backed store.
func WithAuditor(s pipeline.Auditor) Option {
	return func(a *App) { a.auditor = s }
}

// New creates and connects all subsystems from the config.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.limits = ratelimit.NewManager()

	if err := a.initMemory(ctx); err != nil {
		return nil, err
	}
	if err := a.initAdapters(); err != nil {
		_ = a.runClosers()
		return nil, err
	}
	a.initPipeline()
	a.initStreaming()
	a.initServer()

	return a, nil
}

// initMemory connects the persistence layer unless a manager was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.memory != nil {
		return nil
	}
	if a.cfg.Memory.PostgresDSN == "" {
		return errors.New("app: memory.postgres_dsn is required")
	}

	store, err := postgres.New(ctx, a.cfg.Memory.PostgresDSN, postgres.Options{
		EmbeddingDimensions: a.cfg.Memory.EmbeddingDimensions,
		ShortTermSize:       a.cfg.Memory.ShortTermSize,
		Embedder:            a.providers.Embeddings,
	})
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})

	var mgrOpts []memory.ManagerOption
	if !a.cfg.Memory.LongTermMemoryEnabled() || a.providers.Embeddings == nil {
		mgrOpts = append(mgrOpts, memory.WithLongTermDisabled())
	}
	a.memory = memory.NewManager(store.Recent(), store.Semantic(), store.Rules(), mgrOpts...)

	if a.auditor == nil {
		a.auditor = audit.NewStore(store.Pool())
	}
	return nil
}

// initAdapters creates the external backend adapters.
func (a *App) initAdapters() error {
	home, err := homeassistant.New(a.cfg.HomeAssistant, homeassistant.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.home = home

	a.searcher = search.New(a.cfg.Search, a.limits, search.WithLogger(a.log))
	a.articles = habr.New(a.cfg.Habr, a.limits, habr.WithLogger(a.log))
	a.notifier = telegram.New(a.cfg.Telegram, telegram.WithLogger(a.log))
	return nil
}

// initPipeline assembles the five stages around the shared adapters.
func (a *App) initPipeline() {
	modelRate := a.cfg.Limits.ModelPerMinute

	analyzer := pipeline.NewAnalyzer(a.providers.LLM, a.limits, modelRate, a.log)
	resolver := pipeline.NewResolver(a.home, a.memory, a.log)
	planner := pipeline.NewPlanner(a.providers.LLM, a.searcher, a.articles,
		a.limits, modelRate, a.cfg.Assistant.Name, a.log)
	executor := pipeline.NewExecutor(a.home, a.memory, a.auditor, a.dryRun, a.log)
	composer := pipeline.NewComposer(a.providers.TTS, a.cfg.Providers.OpenAI.TTSVoice, a.log)

	a.orchestrator = pipeline.NewOrchestrator(analyzer, resolver, planner, executor, composer,
		a.memory, a.log)
}

// initStreaming starts the session manager when a realtime provider exists.
func (a *App) initStreaming() {
	if a.providers.Realtime == nil {
		a.log.Warn("realtime provider not configured, streaming disabled")
		return
	}
	a.streams = stream.NewManager(a.providers.Realtime, &commandTools{pipeline: a.orchestrator},
		a.limits, *a.cfg, a.log)
}

// initServer wires the HTTP surface and health checks.
func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "pipeline", Check: func(context.Context) error {
			if a.orchestrator == nil {
				return errors.New("not initialised")
			}
			return nil
		}},
		{Name: "memory", Check: func(ctx context.Context) error {
			_, _, err := a.memory.TierStats(ctx, "healthcheck")
			return err
		}},
		{Name: "homeassistant", Check: a.home.Ping},
	}
	if a.store != nil {
		checkers = append([]health.Checker{{Name: "database", Check: a.store.Ping}}, checkers...)
	}

	// A nil *stream.Manager must not reach the server wrapped in a non-nil
	// interface value.
	var streams server.Streamer
	if a.streams != nil {
		streams = a.streams
	}

	a.server = server.New(*a.cfg, a.orchestrator, a.home, a.searcher, a.articles, a.notifier,
		streams,
		server.WithHealth(health.New(a.version, checkers...)),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
	)
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Shutdown tears down subsystems in reverse initialisation order. Safe to
// call more than once.
func (a *App) Shutdown(context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.runClosers()
	})
	return err
}

func (a *App) runClosers() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
