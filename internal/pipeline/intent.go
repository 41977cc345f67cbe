package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/pkg/provider/llm"
)

// modelCallTimeout bounds every upstream model call made by the pipeline.
const modelCallTimeout = 30 * time.Second

// fastPathConfidence is the threshold at which keyword classification
// short-circuits the model.
const fastPathConfidence = 0.80

// Classification is the intent analyzer's output.
type Classification struct {
	Type       Intent            `json:"type"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
	Requires   []string          `json:"requires"`
}

// NeedsHomeAssistant reports whether the intent touches the home backend.
func (c Classification) NeedsHomeAssistant() bool {
	switch c.Type {
	case IntentHomeControl, IntentHomeQuery, IntentHomeAutomation:
		return true
	}
	return false
}

// NeedsMemory reports whether the intent benefits from memory context.
// Control and query intents include it for user preferences.
func (c Classification) NeedsMemory() bool {
	switch c.Type {
	case IntentMemoryQuery, IntentHomeControl, IntentHomeQuery:
		return true
	}
	return false
}

// keyword groups for the fast path, most specific first. Russian and English
// forms are matched case-insensitively as substrings.
var (
	habrKeywords = []string{"habr", "хабр", "статья", "статьи", "article"}

	memoryKeywords = []string{
		"помнишь", "вспомни", "когда я", "в прошлый раз",
		"remember", "recall", "last time",
	}

	searchKeywords = []string{
		"найди", "поищи", "погугли", "что такое", "кто такой", "расскажи о",
		"search", "find", "google", "what is", "who is", "tell me about",
	}

	haKeywords = []string{
		"включи", "выключи", "открой", "закрой", "установи", "запусти",
		"turn on", "turn off", "open", "close", "set", "start", "stop",
	}
)

// Analyzer classifies user commands. The keyword fast path answers most
// commands without a model round trip.
type Analyzer struct {
	llm       llm.Provider
	limits    *ratelimit.Manager
	modelRate int
	log       *slog.Logger
}

// NewAnalyzer creates an intent analyzer. limits guards the model budget
// shared with the planner.
func NewAnalyzer(provider llm.Provider, limits *ratelimit.Manager, modelRate int, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{llm: provider, limits: limits, modelRate: modelRate, log: log}
}

// Analyze classifies one command. It never fails: when the model is
// unavailable or over budget the result degrades to general chat.
func (a *Analyzer) Analyze(ctx context.Context, userID, command string) Classification {
	if c, ok := quickClassify(command); ok {
		a.log.InfoContext(ctx, "intent fast path",
			slog.String("user_id", userID),
			slog.String("intent", string(c.Type)))
		return c
	}
	return a.llmClassify(ctx, userID, command)
}

// quickClassify applies the keyword groups. The second return is false when
// no group matches confidently enough.
func quickClassify(command string) (Classification, bool) {
	lower := strings.ToLower(command)

	match := func(keywords []string) bool {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	}

	switch {
	case match(habrKeywords):
		return Classification{
			Type: IntentHabrSearch, Confidence: 0.95,
			Entities: map[string]string{}, Requires: []string{"habr"},
		}, true
	case match(memoryKeywords):
		return Classification{
			Type: IntentMemoryQuery, Confidence: 0.90,
			Entities: map[string]string{}, Requires: []string{"memory"},
		}, true
	case match(searchKeywords):
		return Classification{
			Type: IntentWebSearch, Confidence: 0.85,
			Entities: map[string]string{}, Requires: []string{"search"},
		}, true
	case match(haKeywords):
		return Classification{
			Type: IntentHomeControl, Confidence: fastPathConfidence,
			Entities: map[string]string{}, Requires: []string{"homeassistant", "memory"},
		}, true
	}
	return Classification{}, false
}

const classifierPrompt = `Ты — классификатор намерений пользователя для умного дома.

Доступные типы намерений:
- ha_control: Управление устройствами (включи свет, открой штору)
- ha_query: Запрос состояния (какая температура, горит ли свет)
- ha_automation: Создание автоматизаций (создай правило, автоматизируй)
- web_search: Поиск в интернете (найди информацию, что такое)
- habr_search: Поиск на Хабре (найди статью на Хабре)
- memory_query: Запрос из истории (помнишь, вспомни)
- set_rule: Установка правила (запомни, всегда)
- general_chat: Обычный разговор (привет, как дела, расскажи анекдот)

Верни JSON:
{
  "type": "intent_type",
  "confidence": 0.95,
  "entities": {"key": "value"},
  "requires": ["resource1", "resource2"]
}

Возможные resources: homeassistant, search, habr, memory, none`

// generalChatFallback is returned whenever model classification cannot run.
func generalChatFallback() Classification {
	return Classification{
		Type: IntentGeneralChat, Confidence: 0.5,
		Entities: map[string]string{}, Requires: []string{"none"},
	}
}

func (a *Analyzer) llmClassify(ctx context.Context, userID, command string) Classification {
	if err := a.limits.Allow("model", a.modelRate, ""); err != nil {
		a.log.WarnContext(ctx, "model budget exhausted, falling back to general chat",
			slog.Any("error", err))
		return generalChatFallback()
	}

	ctx, cancel := context.WithTimeout(ctx, modelCallTimeout)
	defer cancel()

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifierPrompt,
		Messages:     []llm.Message{{Role: "user", Content: command}},
		Temperature:  0.1,
		MaxTokens:    200,
	})
	if err != nil {
		a.log.ErrorContext(ctx, "intent classification failed", slog.Any("error", err))
		return generalChatFallback()
	}

	var c Classification
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &c); err != nil || c.Type == "" {
		a.log.WarnContext(ctx, "unparseable intent classification",
			slog.String("content", resp.Content))
		return generalChatFallback()
	}
	if c.Entities == nil {
		c.Entities = map[string]string{}
	}

	a.log.InfoContext(ctx, "intent classified by model",
		slog.String("user_id", userID),
		slog.String("intent", string(c.Type)),
		slog.Float64("confidence", c.Confidence))
	return c
}

// extractJSON strips a Markdown code fence if the model wrapped its JSON in
// one, and trims to the outermost object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
