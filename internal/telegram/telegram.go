// Package telegram provides the messaging sender used for text-channel
// deliveries: search results, article lists, and long responses that do not
// fit voice output.
//
// The sender is optional. Without a bot token and chat id it stays disabled
// and every send reports false without an error, so the pipeline never
// depends on messaging being configured.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/domovoy-ai/domovoy/internal/config"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// ParseModeMarkdown is the default rendering for outgoing messages.
	ParseModeMarkdown = "Markdown"

	callTimeout = 10 * time.Second
)

// Message is one outgoing delivery.
type Message struct {
	// Text is the message body.
	Text string

	// ParseMode selects rendering. Empty means Markdown.
	ParseMode string

	// DisablePreview suppresses link previews. Used for link-heavy article
	// lists.
	DisablePreview bool
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the underlying HTTP client. Primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sender) { s.http = hc }
}

// WithBaseURL overrides the Bot API endpoint. For tests.
func WithBaseURL(url string) Option {
	return func(s *Sender) { s.baseURL = strings.TrimRight(url, "/") }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.log = l }
}

// ── Sender ─────────────────────────────────────────────────────────────────────

// Sender delivers messages to one configured chat. Safe for concurrent use.
type Sender struct {
	token   string
	chatID  string
	baseURL string

	http *http.Client
	log  *slog.Logger
}

// New creates a sender. Empty token or chat id leaves it disabled.
func New(cfg config.TelegramConfig, opts ...Option) *Sender {
	s := &Sender{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		baseURL: defaultBaseURL,
		http:    &http.Client{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if !s.Enabled() {
		s.log.Info("telegram sender disabled, missing token or chat_id")
	}
	return s
}

// Enabled reports whether the sender is configured.
func (s *Sender) Enabled() bool {
	return s.token != "" && s.chatID != ""
}

type sendMessageRequest struct {
	ChatID             string `json:"chat_id"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode,omitempty"`
	DisableLinkPreview bool   `json:"disable_web_page_preview,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers one message to the configured chat. A disabled sender
// returns (false, nil); delivery failures return the upstream error.
func (s *Sender) Send(ctx context.Context, msg Message) (bool, error) {
	if !s.Enabled() {
		s.log.WarnContext(ctx, "telegram disabled, message not sent")
		return false, nil
	}
	if strings.TrimSpace(msg.Text) == "" {
		return false, fmt.Errorf("telegram: empty message text")
	}

	parseMode := msg.ParseMode
	if parseMode == "" {
		parseMode = ParseModeMarkdown
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(sendMessageRequest{
		ChatID:             s.chatID,
		Text:               msg.Text,
		ParseMode:          parseMode,
		DisableLinkPreview: msg.DisablePreview,
	})
	if err != nil {
		return false, fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("telegram: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&parsed); err != nil {
		return false, fmt.Errorf("telegram: decode response: %w", err)
	}
	if !parsed.OK {
		return false, fmt.Errorf("telegram: api error: %s", parsed.Description)
	}

	s.log.InfoContext(ctx, "telegram message sent",
		slog.Int("text_length", len(msg.Text)))
	return true, nil
}

// SendNotification sends a titled notification with a priority marker.
func (s *Sender) SendNotification(ctx context.Context, title, message, priority string) (bool, error) {
	marker := map[string]string{
		"low":    "ℹ️",
		"normal": "📢",
		"high":   "⚠️",
		"urgent": "🚨",
	}[priority]
	if marker == "" {
		marker = "📢"
	}
	return s.Send(ctx, Message{
		Text: fmt.Sprintf("%s *%s*\n\n%s", marker, title, message),
	})
}

// SendSearchResults delivers formatted search results with previews off.
func (s *Sender) SendSearchResults(ctx context.Context, query, results string) (bool, error) {
	text := fmt.Sprintf("🔍 *Результаты поиска*\n\nЗапрос: _%s_\n\n%s", query, results)
	return s.Send(ctx, Message{Text: text, DisablePreview: true})
}
