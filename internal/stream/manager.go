package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/pkg/provider/realtime"
)

// Manager owns the live session registry. One session per client
// connection; sessions never share state with each other.
type Manager struct {
	provider realtime.Provider
	executor ToolExecutor
	limits   *ratelimit.Manager
	userRate int
	voice    string
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. executor may be nil when tool calls
// are not wired.
func NewManager(provider realtime.Provider, executor ToolExecutor, limits *ratelimit.Manager,
	cfg config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		provider: provider,
		executor: executor,
		limits:   limits,
		userRate: cfg.Limits.UserStreamPerMinute,
		voice:    cfg.Providers.OpenAI.TTSVoice,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Serve runs one client connection to completion. It blocks until the
// session ends and always removes it from the registry.
func (m *Manager) Serve(ctx context.Context, client ClientConn) error {
	s := NewSession(client, m.provider,
		WithToolExecutor(m.executor),
		WithLimits(m.limits, m.userRate),
		WithVoice(m.voice),
		WithLogger(m.log),
	)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
	}()

	m.log.InfoContext(ctx, "session started", slog.String("session_id", s.ID()))
	return s.Run(ctx)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
