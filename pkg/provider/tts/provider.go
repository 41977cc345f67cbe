// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., the OpenAI speech
// API or a local Piper instance) and renders short assistant replies into a
// single audio clip. Voice responses are bounded in length upstream, so the
// contract is one-shot rather than streaming: the composer hands over the
// final spoken text and receives the full clip.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Format identifies the container/encoding of a synthesised clip.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatOpus Format = "opus"
	FormatAAC  Format = "aac"
	FormatFLAC Format = "flac"
	FormatWAV  Format = "wav"
	FormatPCM  Format = "pcm"
)

// IsValid reports whether f is a known audio format.
func (f Format) IsValid() bool {
	switch f {
	case FormatMP3, FormatOpus, FormatAAC, FormatFLAC, FormatWAV, FormatPCM:
		return true
	}
	return false
}

// Request describes one synthesis job.
type Request struct {
	// Text is the final spoken text. Must be non-empty.
	Text string

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider's default voice.
	Voice string

	// Format is the desired output encoding. Empty selects the provider's
	// default (typically MP3).
	Format Format

	// Speed adjusts speaking rate (0.25 to 4.0, 0 = provider default).
	Speed float64
}

// Clip is the result of a synthesis job.
type Clip struct {
	// Audio is the encoded audio payload.
	Audio []byte

	// Format is the encoding actually used.
	Format Format

	// Voice is the voice actually used.
	Voice string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis
// requests may run in parallel.
type Provider interface {
	// Synthesize renders req.Text into a single audio clip. Returns an error
	// if the text is empty, the voice is unknown, the backend fails, or ctx
	// is cancelled before the clip is complete.
	Synthesize(ctx context.Context, req Request) (*Clip, error)
}
