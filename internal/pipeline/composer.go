package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/domovoy-ai/domovoy/pkg/provider/tts"
)

// voiceTextLimit is the spoken-response length cap in runes. Longer answers
// are cut and the remainder is delivered through the text channel.
const voiceTextLimit = 500

// voiceTruncationMarker replaces the cut tail of an over-long spoken answer.
const voiceTruncationMarker = "... (продолжение в текстовом виде)"

// speechWordsPerMinute drives the clip duration estimate. Russian synthesis
// lands near conversational pace.
const speechWordsPerMinute = 150

// StreamEvent is one frame of a chunked text response.
type StreamEvent struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`
}

// Composer renders a plan plus execution result into the channel-appropriate
// response, synthesizing speech on request.
type Composer struct {
	tts   tts.Provider
	voice string
	log   *slog.Logger
}

// NewComposer creates a composer. ttsProvider may be nil when speech
// synthesis is not configured; voice requests then degrade to text.
func NewComposer(ttsProvider tts.Provider, voice string, log *slog.Logger) *Composer {
	if log == nil {
		log = slog.Default()
	}
	return &Composer{tts: ttsProvider, voice: voice, log: log}
}

// Compose builds the final response. exec may be nil for plan kinds without
// an execution phase.
func (c *Composer) Compose(ctx context.Context, plan *Plan, exec *ExecutionResult, channel Channel, includeAudio bool, metrics *Metrics) *Response {
	text := responseText(plan, exec)

	resp := &Response{
		Type:     plan.Kind,
		Intent:   plan.Intent,
		Channel:  channel,
		Sources:  plan.Sources,
		Articles: plan.Articles,
		Pipeline: metrics,
	}

	if exec != nil {
		resp.NeedsConfirmation = exec.NeedsConfirmation
		if exec.NeedsConfirmation {
			resp.Actions = plan.Actions
		}
		if plan.Kind == PlanActionPlan && !exec.NeedsConfirmation {
			resp.Execution = &ExecutionSummary{
				Success:  exec.Success,
				Executed: exec.Executed,
				Failed:   exec.Failed,
			}
		}
	}

	switch channel {
	case ChannelVoice:
		resp.Text = ForVoice(text)
		if includeAudio {
			c.attachAudio(ctx, resp)
		}
	case ChannelTelegram:
		resp.Text = forTelegram(text, plan)
	default:
		resp.Text = text
	}

	return resp
}

// responseText merges the planner's reply with the execution outcome.
func responseText(plan *Plan, exec *ExecutionResult) string {
	if exec != nil {
		if exec.NeedsConfirmation {
			return exec.Message
		}
		if plan.Kind == PlanActionPlan {
			if !exec.Success {
				return exec.Message
			}
			return plan.ResponseText
		}
		if plan.Kind == PlanSetRule && !exec.Success {
			return exec.Message
		}
	}
	return plan.ResponseText
}

// ForVoice strips markdown, collapses blank runs, and caps the length for
// speech output.
func ForVoice(text string) string {
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "*", "")
	text = strings.ReplaceAll(text, "#", "")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	text = strings.TrimSpace(text)

	runes := []rune(text)
	if len(runes) > voiceTextLimit {
		text = string(runes[:voiceTextLimit]) + voiceTruncationMarker
	}
	return text
}

// forTelegram appends source and article footers in Telegram markdown.
func forTelegram(text string, plan *Plan) string {
	var b strings.Builder
	b.WriteString(text)

	if len(plan.Sources) > 0 {
		b.WriteString("\n\n**Источники:**")
		for _, src := range plan.Sources {
			b.WriteString("\n- ")
			b.WriteString(src)
		}
	}
	if len(plan.Articles) > 0 {
		b.WriteString("\n\n**Статьи:**")
		for _, a := range plan.Articles {
			fmt.Fprintf(&b, "\n- [%s](%s)", a.Title, a.URL)
		}
	}
	return b.String()
}

// attachAudio synthesizes resp.Text. Synthesis failure never fails the
// response; the error is reported alongside the text.
func (c *Composer) attachAudio(ctx context.Context, resp *Response) {
	if c.tts == nil {
		resp.AudioError = "синтез речи не настроен"
		return
	}
	if strings.TrimSpace(resp.Text) == "" {
		return
	}

	clip, err := c.tts.Synthesize(ctx, tts.Request{
		Text:  resp.Text,
		Voice: c.voice,
	})
	if err != nil {
		c.log.ErrorContext(ctx, "speech synthesis failed", slog.Any("error", err))
		resp.AudioError = err.Error()
		return
	}

	resp.Audio = &Audio{
		Data:       clip.Audio,
		Format:     string(clip.Format),
		Size:       len(clip.Audio),
		DurationMS: estimateDurationMS(resp.Text),
	}
}

// estimateDurationMS approximates spoken length from word count.
func estimateDurationMS(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return words * 60000 / speechWordsPerMinute
}

// streamChunkRunes is the frame size for chunked delivery.
const streamChunkRunes = 80

// ComposeStream splits text into frames for incremental delivery, ending
// with a completion frame carrying the full text.
func ComposeStream(text string) []StreamEvent {
	runes := []rune(text)
	var events []StreamEvent
	var accumulated strings.Builder

	for start := 0; start < len(runes); start += streamChunkRunes {
		end := start + streamChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])
		accumulated.WriteString(chunk)
		events = append(events, StreamEvent{
			Type:        "stream_chunk",
			Text:        chunk,
			Accumulated: accumulated.String(),
		})
	}

	events = append(events, StreamEvent{Type: "stream_complete", Text: text})
	return events
}
