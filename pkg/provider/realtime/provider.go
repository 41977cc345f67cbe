// Package realtime defines the Channel interface for bidirectional-streaming
// voice model backends.
//
// A realtime provider wraps a stateful voice AI service that accepts audio
// and text input and produces synthesised audio, transcripts, and tool calls
// over a single long-lived connection (e.g., the OpenAI Realtime API). The
// provider deliberately does NOT interpret the event stream: events are
// forwarded as raw typed JSON so the session layer can decide what reaches
// the client, what triggers tool execution, and what gets dropped.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/domovoy-ai/domovoy/pkg/provider/llm"
)

// Event is one protocol event, either direction. Type is the provider's
// event name (e.g. "response.audio.delta"); Raw is the complete JSON payload
// including the type field.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// TurnDetection configures provider-side voice activity detection.
type TurnDetection struct {
	// Type selects the detection mode. "server_vad" lets the provider decide
	// when the user stopped speaking; empty disables detection.
	Type string

	// Threshold is the activation threshold in [0, 1].
	Threshold float64

	// PrefixPaddingMS is audio included before detected speech, in
	// milliseconds.
	PrefixPaddingMS int

	// SilenceDurationMS is how long silence must last before the turn ends,
	// in milliseconds.
	SilenceDurationMS int
}

// DefaultTurnDetection is the server-side VAD tuning used when a session
// config leaves TurnDetection nil.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
	}
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Voice selects the provider voice for synthesised speech output.
	Voice string

	// Instructions is the system-level prompt defining the assistant's
	// personality and behavioural constraints.
	Instructions string

	// Tools is the set of tool definitions offered to the model. Tool calls
	// surface in the event stream as function-call events.
	Tools []llm.ToolDefinition

	// InputAudioFormat and OutputAudioFormat name the wire audio encodings.
	// Empty selects pcm16 on both.
	InputAudioFormat  string
	OutputAudioFormat string

	// TranscriptionModel enables input audio transcription when non-empty
	// (e.g. "whisper-1").
	TranscriptionModel string

	// TurnDetection configures provider-side VAD. Nil selects
	// [DefaultTurnDetection].
	TurnDetection *TurnDetection

	// Temperature controls response sampling. Zero means provider default.
	Temperature float64

	// MaxResponseOutputTokens caps each model response. Zero means provider
	// default.
	MaxResponseOutputTokens int
}

// Channel is an open realtime session: a bidirectional, ordered event pipe.
//
// The session layer owns interpretation of the stream. Events() must be
// drained promptly; implementations use a bounded buffer and a stalled
// consumer eventually terminates the session rather than blocking the
// provider's receive loop forever.
//
// Callers must call Close when the session is no longer needed.
type Channel interface {
	// Send transmits one event to the provider. Returns an error if the
	// session is closed or the write fails.
	Send(ctx context.Context, e Event) error

	// Events returns a read-only channel of incoming provider events, in
	// arrival order. The channel is closed when the session ends; call
	// [Channel.Err] afterwards to check whether it ended cleanly.
	Events() <-chan Event

	// Err returns the error that terminated the event stream, or nil if the
	// session ended cleanly.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime voice backend.
//
// Implementations must be safe for concurrent use; the session manager opens
// one channel per connected client.
type Provider interface {
	// Open establishes a new realtime session with the given configuration.
	// The returned Channel is live: the provider's session has been
	// configured and events are already flowing.
	Open(ctx context.Context, cfg SessionConfig) (Channel, error)
}
