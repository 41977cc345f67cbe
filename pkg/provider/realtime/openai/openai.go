// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint, sends an initial session.update composed from the session
// configuration, and then forwards JSON events verbatim in both directions.
// Interpretation of the stream (audio deltas, transcripts, function calls)
// is left to the caller.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/domovoy-ai/domovoy/pkg/provider/llm"
	"github.com/domovoy-ai/domovoy/pkg/provider/realtime"
)

// Compile-time assertions that Provider and channel satisfy the realtime
// interfaces.
var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Channel  = (*channel)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// eventBuffer bounds the incoming event queue. A consumer that stalls for
	// this many events terminates the session instead of blocking the
	// provider's receive loop.
	eventBuffer = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and
// options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open establishes a new Realtime session, sends the initial session.update,
// and starts the receive loop.
func (p *Provider) Open(ctx context.Context, cfg realtime.SessionConfig) (realtime.Channel, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai realtime: dial: %w", err)
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan realtime.Event, eventBuffer),
		ctx:    chCtx,
		cancel: chCancel,
	}

	update, err := sessionUpdateEvent(cfg)
	if err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}
	if err := ch.Send(ctx, update); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai realtime: session update: %w", err)
	}

	go ch.receiveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionCfg   `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionCfg   `json:"turn_detection,omitempty"`
	Temperature             float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens,omitempty"`
	Modalities              []string            `json:"modalities,omitempty"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type turnDetectionCfg struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// sessionUpdateEvent composes the initial session.update event from cfg.
func sessionUpdateEvent(cfg realtime.SessionConfig) (realtime.Event, error) {
	params := sessionParams{
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		Tools:                   toOAITools(cfg.Tools),
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
		Modalities:              []string{"text", "audio"},
	}
	if params.InputAudioFormat == "" {
		params.InputAudioFormat = "pcm16"
	}
	if params.OutputAudioFormat == "" {
		params.OutputAudioFormat = "pcm16"
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionCfg{Model: cfg.TranscriptionModel}
	}
	td := cfg.TurnDetection
	if td == nil {
		td = realtime.DefaultTurnDetection()
	}
	if td.Type != "" {
		params.TurnDetection = &turnDetectionCfg{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMS:   td.PrefixPaddingMS,
			SilenceDurationMS: td.SilenceDurationMS,
		}
	}

	raw, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: params})
	if err != nil {
		return realtime.Event{}, fmt.Errorf("openai realtime: marshal session update: %w", err)
	}
	return realtime.Event{Type: "session.update", Raw: raw}, nil
}

// toOAITools converts llm.ToolDefinition slice to OpenAI Realtime tool format.
func toOAITools(tools []llm.ToolDefinition) []oaiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Send marshals nothing: e.Raw is written verbatim as a text WebSocket
// message. When Raw is nil a minimal {"type": ...} envelope is written.
func (c *channel) Send(ctx context.Context, e realtime.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai realtime: channel closed")
	}
	c.mu.Unlock()

	data := []byte(e.Raw)
	if data == nil {
		var err error
		data, err = json.Marshal(map[string]string{"type": e.Type})
		if err != nil {
			return fmt.Errorf("openai realtime: marshal: %w", err)
		}
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and forwards them. It owns the
// events channel and closes it when it exits.
func (c *channel) receiveLoop() {
	defer c.closeOnce.Do(func() { close(c.events) })

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(err)
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		select {
		case c.events <- realtime.Event{Type: envelope.Type, Raw: data}:
		case <-c.ctx.Done():
			return
		default:
			// Consumer stalled for a full buffer; kill the session instead of
			// blocking the provider connection.
			c.setErr(fmt.Errorf("openai realtime: event buffer overflow"))
			return
		}
	}
}

// Events returns the incoming provider event channel.
func (c *channel) Events() <-chan realtime.Event { return c.events }

// Err returns the first error that terminated the event stream.
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// Close terminates the session and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
