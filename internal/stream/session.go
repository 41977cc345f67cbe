// Package stream implements the bidirectional streaming core: one session
// per connected client, bridging a JSON duplex client channel and an
// upstream realtime voice model channel. The session owns the state machine,
// ordered event forwarding, barge-in, tool-call plumbing, and teardown.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/pkg/provider/llm"
	"github.com/domovoy-ai/domovoy/pkg/provider/realtime"
)

// defaultKeepalive is how long the forwarder waits for an upstream event
// before pinging the client. A keepalive is not an abort trigger.
const defaultKeepalive = 30 * time.Second

// ClientConn is the JSON duplex transport to one client. The server layer
// adapts its websocket to this.
type ClientConn interface {
	// Read returns the next client message. It blocks until a message
	// arrives, the peer disconnects, or ctx is cancelled.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message to the client.
	Write(ctx context.Context, data []byte) error
}

// ToolExecutor runs a model-requested tool call and returns its output.
type ToolExecutor interface {
	Execute(ctx context.Context, userID, name, arguments string) (string, error)
}

// Session bridges one client and one upstream model channel.
type Session struct {
	id       string
	client   ClientConn
	provider realtime.Provider
	executor ToolExecutor
	limits   *ratelimit.Manager
	userRate int

	voice         string
	transcription string
	keepalive     time.Duration
	log           *slog.Logger

	mu       sync.Mutex
	state    State
	userID   string
	upstream realtime.Channel
	cancel   context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithToolExecutor sets the handler for model-requested tool calls.
func WithToolExecutor(e ToolExecutor) Option {
	return func(s *Session) { s.executor = e }
}

// WithLimits applies a per-user message budget. Ping and audio input are
// never limited.
func WithLimits(m *ratelimit.Manager, perMinute int) Option {
	return func(s *Session) {
		s.limits = m
		s.userRate = perMinute
	}
}

// WithVoice selects the upstream synthesis voice.
func WithVoice(voice string) Option {
	return func(s *Session) { s.voice = voice }
}

// WithTranscription enables input audio transcription with the named model.
func WithTranscription(model string) Option {
	return func(s *Session) { s.transcription = model }
}

// WithKeepalive overrides the forwarder keepalive interval.
func WithKeepalive(d time.Duration) Option {
	return func(s *Session) { s.keepalive = d }
}

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// NewSession creates a session in the opening state. Run drives it.
func NewSession(client ClientConn, provider realtime.Provider, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		client:    client,
		provider:  provider,
		keepalive: defaultKeepalive,
		state:     StateOpening,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("session_id", s.id))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the user bound at configure time, empty before that.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// setState applies a transition, entering StateError on an illegal move.
func (s *Session) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if !canTransition(s.state, to) {
		err := &ErrInvalidTransition{From: s.state, To: to}
		s.state = StateError
		return err
	}
	s.state = to
	return nil
}

// ── Client messages ───────────────────────────────────────────────────────────

type inboundMessage struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Tools        []toolDef `json:"tools,omitempty"`
	Audio        string    `json:"audio,omitempty"`
	Text         string    `json:"text,omitempty"`
	CallID       string    `json:"call_id,omitempty"`
	Output       string    `json:"output,omitempty"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Run processes client messages until the peer disconnects, the upstream
// channel dies, or ctx is cancelled. It always tears the session down before
// returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer s.teardown()

	for {
		data, err := s.client.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.log.InfoContext(ctx, "client disconnected", slog.Any("error", err))
			return nil
		}
		if err := s.dispatch(ctx, data); err != nil {
			s.log.ErrorContext(ctx, "session fatal", slog.Any("error", err))
			s.writeError(ctx, err.Error())
			return err
		}
	}
}

// dispatch handles one client message in arrival order. Recoverable problems
// become error frames; a returned error is session-fatal.
func (s *Session) dispatch(ctx context.Context, data []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.writeError(ctx, "malformed message")
		return nil
	}

	// Keepalive and audio frames bypass the budget.
	switch msg.Type {
	case "ping":
		return s.writeClient(ctx, map[string]any{"type": "pong"})
	case "audio_input":
		return s.handleAudioInput(ctx, msg)
	}

	if s.limits != nil && s.userRate > 0 {
		// A configure frame arrives before the session binds its user, so the
		// budget key comes from the frame itself.
		id := s.UserID()
		if id == "" {
			id = msg.UserID
		}
		if err := s.limits.Allow("user_stream", s.userRate, id); err != nil {
			var limited *ratelimit.ErrLimited
			if errors.As(err, &limited) {
				s.writeError(ctx, fmt.Sprintf("слишком много сообщений, подождите %s", limited.Wait.Round(time.Second)))
				return nil
			}
			return err
		}
	}

	switch msg.Type {
	case "configure":
		return s.handleConfigure(ctx, msg)
	case "audio_commit":
		return s.handleAudioCommit(ctx)
	case "text_input":
		return s.handleTextInput(ctx, msg)
	case "cancel":
		return s.handleCancel(ctx)
	case "function_result":
		return s.handleFunctionResult(ctx, msg)
	default:
		s.writeError(ctx, "unknown message type: "+msg.Type)
		return nil
	}
}

func (s *Session) handleConfigure(ctx context.Context, msg inboundMessage) error {
	if s.State() != StateOpening {
		s.writeError(ctx, "session already configured")
		return nil
	}

	tools := make([]llm.ToolDefinition, 0, len(msg.Tools))
	for _, t := range msg.Tools {
		tools = append(tools, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	upstream, err := s.provider.Open(ctx, realtime.SessionConfig{
		Voice:              s.voice,
		Instructions:       msg.Instructions,
		Tools:              tools,
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		TranscriptionModel: s.transcription,
	})
	if err != nil {
		return fmt.Errorf("stream: open model channel: %w", err)
	}

	s.mu.Lock()
	s.userID = msg.UserID
	s.upstream = upstream
	s.mu.Unlock()

	if err := s.setState(StateConfigured); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.forwardLoop(ctx, upstream)

	if err := s.writeClient(ctx, map[string]any{"type": "configured", "session_id": s.id}); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "session configured", slog.String("user_id", msg.UserID))
	return s.setState(StateActive)
}

func (s *Session) handleAudioInput(ctx context.Context, msg inboundMessage) error {
	switch s.State() {
	case StateActive, StateResponding:
	default:
		s.writeError(ctx, "session not active")
		return nil
	}
	return s.sendUpstream(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": msg.Audio,
	})
}

func (s *Session) handleAudioCommit(ctx context.Context) error {
	switch s.State() {
	case StateActive:
	case StateResponding:
		// Server-VAD already opened the response; the client's commit lost
		// the race and is redundant.
		return nil
	default:
		s.writeError(ctx, "session not active")
		return nil
	}
	if err := s.sendUpstream(ctx, map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	if err := s.sendUpstream(ctx, map[string]any{"type": "response.create"}); err != nil {
		return err
	}
	return s.setState(StateResponding)
}

func (s *Session) handleTextInput(ctx context.Context, msg inboundMessage) error {
	if s.State() != StateActive {
		s.writeError(ctx, "session not active")
		return nil
	}
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": msg.Text},
			},
		},
	}
	if err := s.sendUpstream(ctx, item); err != nil {
		return err
	}
	if err := s.sendUpstream(ctx, map[string]any{"type": "response.create"}); err != nil {
		return err
	}
	return s.setState(StateResponding)
}

// handleCancel is the barge-in path. Cancelling when nothing is in flight is
// a no-op; the upstream cancel is sent without waiting for an ack, and any
// straggler deltas already queued keep flowing to the client.
func (s *Session) handleCancel(ctx context.Context) error {
	if s.State() != StateResponding {
		return nil
	}
	if err := s.sendUpstream(ctx, map[string]any{"type": "response.cancel"}); err != nil {
		return err
	}
	return s.setState(StateActive)
}

func (s *Session) handleFunctionResult(ctx context.Context, msg inboundMessage) error {
	return s.postToolOutput(ctx, msg.CallID, msg.Output)
}

// postToolOutput feeds a tool result back to the model and resumes the
// response.
func (s *Session) postToolOutput(ctx context.Context, callID, output string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
	if err := s.sendUpstream(ctx, item); err != nil {
		return err
	}
	return s.sendUpstream(ctx, map[string]any{"type": "response.create"})
}

// ── Upstream events ───────────────────────────────────────────────────────────

// forwardLoop dequeues upstream events in order and writes them to the
// client in order. Silence beyond the keepalive interval produces a ping.
func (s *Session) forwardLoop(ctx context.Context, upstream realtime.Channel) {
	defer s.wg.Done()

	timer := time.NewTimer(s.keepalive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-upstream.Events():
			if !ok {
				if err := upstream.Err(); err != nil {
					s.log.ErrorContext(ctx, "model channel failed", slog.Any("error", err))
					s.writeError(ctx, "модель недоступна")
				}
				s.shutdown()
				return
			}
			s.handleUpstreamEvent(ctx, ev)

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.keepalive)

		case <-timer.C:
			if err := s.writeClient(ctx, map[string]any{"type": "ping"}); err != nil {
				s.shutdown()
				return
			}
			timer.Reset(s.keepalive)
		}
	}
}

// functionCallDone is the payload of a completed tool-call arguments event.
type functionCallDone struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (s *Session) handleUpstreamEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case "response.created":
		if s.State() == StateActive {
			_ = s.setState(StateResponding)
		}
	case "response.done", "response.cancelled":
		if s.State() == StateResponding {
			_ = s.setState(StateActive)
		}
	}

	if err := s.writeRaw(ctx, ev.Raw); err != nil {
		s.log.WarnContext(ctx, "client write failed", slog.Any("error", err))
		s.shutdown()
		return
	}

	if ev.Type == "response.function_call_arguments.done" && s.executor != nil {
		s.executeToolCall(ctx, ev)
	}
}

// executeToolCall runs the model-requested tool and posts its output. Tool
// failure is reported back to the model as the output so it can recover in
// conversation.
func (s *Session) executeToolCall(ctx context.Context, ev realtime.Event) {
	var call functionCallDone
	if err := json.Unmarshal(ev.Raw, &call); err != nil {
		s.log.WarnContext(ctx, "malformed function call event", slog.Any("error", err))
		return
	}
	if call.CallID == "" {
		return
	}

	output, err := s.executor.Execute(ctx, s.UserID(), call.Name, call.Arguments)
	if err != nil {
		s.log.ErrorContext(ctx, "tool execution failed",
			slog.String("tool", call.Name),
			slog.Any("error", err))
		output = fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	if err := s.postToolOutput(ctx, call.CallID, output); err != nil {
		s.log.ErrorContext(ctx, "tool output post failed", slog.Any("error", err))
	}
}

// ── Plumbing ─────────────────────────────────────────────────────────────────

func (s *Session) sendUpstream(ctx context.Context, payload map[string]any) error {
	s.mu.Lock()
	upstream := s.upstream
	s.mu.Unlock()
	if upstream == nil {
		s.writeError(ctx, "session not configured")
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	evType, _ := payload["type"].(string)
	if err := upstream.Send(ctx, realtime.Event{Type: evType, Raw: raw}); err != nil {
		return fmt.Errorf("stream: send %s: %w", evType, err)
	}
	return nil
}

func (s *Session) writeClient(ctx context.Context, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal frame: %w", err)
	}
	return s.writeRaw(ctx, raw)
}

func (s *Session) writeRaw(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.client.Write(ctx, data)
}

func (s *Session) writeError(ctx context.Context, message string) {
	_ = s.writeClient(ctx, map[string]any{"type": "error", "message": message})
}

// shutdown cancels the whole session from the forwarder side.
func (s *Session) shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// teardown releases everything: the listener is cancelled, the model channel
// closed, the queue drained.
func (s *Session) teardown() {
	_ = s.setState(StateClosing)

	s.mu.Lock()
	upstream := s.upstream
	s.upstream = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if upstream != nil {
		_ = upstream.Close()
		for range upstream.Events() {
		}
	}
	s.wg.Wait()

	_ = s.setState(StateClosed)
	s.log.Info("session closed")
}
