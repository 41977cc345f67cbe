// Package server exposes the HTTP surface: the v1 command API, the
// streaming WebSocket endpoint, and the operational endpoints (health,
// readiness, Prometheus metrics).
//
// Paths and field names are wire contract; clients depend on them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/habr"
	"github.com/domovoy-ai/domovoy/internal/health"
	"github.com/domovoy-ai/domovoy/internal/homeassistant"
	"github.com/domovoy-ai/domovoy/internal/observe"
	"github.com/domovoy-ai/domovoy/internal/pipeline"
	"github.com/domovoy-ai/domovoy/internal/search"
	"github.com/domovoy-ai/domovoy/internal/stream"
	"github.com/domovoy-ai/domovoy/internal/telegram"
)

const (
	defaultHTTPPerMinute = 120
	shutdownTimeout      = 15 * time.Second
)

// ─── Collaborator interfaces ───────────────────────────────────────────────────

// CommandPipeline runs user commands through the five-stage pipeline.
type CommandPipeline interface {
	Process(ctx context.Context, req pipeline.Request) *pipeline.Response
	ProcessConfirmation(ctx context.Context, userID string, confirmed bool, channel pipeline.Channel) *pipeline.Response
}

// HomeSnapshot provides the home-automation context endpoint.
type HomeSnapshot interface {
	GetContext(ctx context.Context) (*homeassistant.Context, error)
}

// WebSearcher serves the direct search endpoint.
type WebSearcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// ArticleSearcher serves the article search endpoint.
type ArticleSearcher interface {
	Search(ctx context.Context, q habr.Query) ([]habr.Article, error)
}

// Notifier delivers outgoing messages to the configured chat.
type Notifier interface {
	Send(ctx context.Context, msg telegram.Message) (bool, error)
	Enabled() bool
}

// Streamer runs one streaming session over a client connection.
type Streamer interface {
	Serve(ctx context.Context, client stream.ClientConn) error
}

var _ CommandPipeline = (*pipeline.Orchestrator)(nil)
var _ HomeSnapshot = (*homeassistant.Client)(nil)
var _ WebSearcher = (*search.Client)(nil)
var _ ArticleSearcher = (*habr.Client)(nil)
var _ Notifier = (*telegram.Sender)(nil)
var _ Streamer = (*stream.Manager)(nil)

// ─── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics instruments used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth sets the health handler serving /healthz and /readyz. Without
// it the endpoints report a bare healthy process.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithClock overrides the time source used for audio clip expiry. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.audio.now = now }
}

// ─── Server ────────────────────────────────────────────────────────────────────

// Server is the HTTP front of the proxy. Any collaborator may be nil; the
// matching endpoints then answer 503 so a partially wired process still
// serves the rest of the surface.
type Server struct {
	cmds     CommandPipeline
	home     HomeSnapshot
	searcher WebSearcher
	articles ArticleSearcher
	notifier Notifier
	streams  Streamer

	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger

	rateLimit int
	audio     *audioStore

	httpServer *http.Server
}

// New creates a server around the given collaborators.
func New(cfg config.Config, cmds CommandPipeline, home HomeSnapshot, searcher WebSearcher,
	articles ArticleSearcher, notifier Notifier, streams Streamer, opts ...Option) *Server {
	s := &Server{
		cmds:      cmds,
		home:      home,
		searcher:  searcher,
		articles:  articles,
		notifier:  notifier,
		streams:   streams,
		log:       slog.Default(),
		rateLimit: cfg.Limits.HTTPPerMinute,
		audio:     newAudioStore(),
	}
	if s.rateLimit <= 0 {
		s.rateLimit = defaultHTTPPerMinute
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New("dev")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route tree. Exposed so tests can drive the server
// through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	// Operational endpoints stay outside the rate limit so probes and
	// scrapes never get throttled away.
	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.Limit(s.rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))

		r.Post("/command", s.handleCommand)
		r.Post("/confirm", s.handleConfirm)
		r.Get("/context", s.handleContext)
		r.Post("/search", s.handleSearch)
		r.Get("/habr/search", s.handleHabrSearch)
		r.Post("/telegram/send", s.handleTelegramSend)
		r.Get("/audio/{id}", s.handleAudio)
		r.Get("/stream", s.handleStream)
	})

	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "http server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
