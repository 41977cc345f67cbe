package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/domovoy-ai/domovoy/internal/habr"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/internal/search"
	"github.com/domovoy-ai/domovoy/pkg/provider/llm"
)

// Searcher is the web-search adapter slice the planner uses.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// ArticleSearcher is the article-search adapter slice the planner uses.
type ArticleSearcher interface {
	Search(ctx context.Context, q habr.Query) ([]habr.Article, error)
}

// Planner turns a classified command plus context into an executable plan.
type Planner struct {
	llm       llm.Provider
	search    Searcher
	articles  ArticleSearcher
	limits    *ratelimit.Manager
	modelRate int

	assistantName string
	log           *slog.Logger
}

// NewPlanner creates a planner. assistantName seeds the system prompt
// personality.
func NewPlanner(provider llm.Provider, searcher Searcher, articles ArticleSearcher,
	limits *ratelimit.Manager, modelRate int, assistantName string, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	if assistantName == "" {
		assistantName = "Домовой"
	}
	return &Planner{
		llm:           provider,
		search:        searcher,
		articles:      articles,
		limits:        limits,
		modelRate:     modelRate,
		assistantName: assistantName,
		log:           log,
	}
}

// Plan dispatches by intent. Adapter failures degrade into error-response
// plans; only model failures propagate as errors for the orchestrator to
// wrap.
func (p *Planner) Plan(ctx context.Context, uc *Context) (*Plan, error) {
	p.log.InfoContext(ctx, "planning action",
		slog.String("user_id", uc.UserID),
		slog.String("intent", string(uc.Intent.Type)))

	switch uc.Intent.Type {
	case IntentHomeControl:
		return p.planHomeControl(ctx, uc)
	case IntentHomeQuery:
		return p.planText(ctx, uc, IntentHomeQuery)
	case IntentWebSearch:
		return p.planWebSearch(ctx, uc)
	case IntentHabrSearch:
		return p.planHabrSearch(ctx, uc)
	case IntentHomeAutomation:
		return p.planAutomation(ctx, uc)
	case IntentSetRule:
		return p.planSetRule(uc), nil
	case IntentMemoryQuery:
		return p.planMemoryQuery(uc), nil
	default:
		return p.planText(ctx, uc, IntentGeneralChat)
	}
}

// ── Home control ───────────────────────────────────────────────────────────────

const controlPromptTemplate = `Ты — %s, голосовой помощник умного дома. Пользователь просит выполнить действие.

%s

Верни JSON с планом действий:
{
  "intent": "ha_control",
  "actions": [
    {"domain": "light", "service": "turn_on", "target": {"entity_id": "light.kitchen"}, "service_data": {}}
  ],
  "needs_confirmation": false,
  "response": "Включаю свет на кухне"
}

Ставь needs_confirmation=true для опасных действий (замки, сигнализация, отопление).
Если действие невозможно, верни обычный текст с объяснением.`

// actionPlanJSON is the model's plan schema. Parsed defensively: anything
// that does not decode cleanly is treated as a plain text answer.
type actionPlanJSON struct {
	Intent            string   `json:"intent"`
	Actions           []Action `json:"actions"`
	NeedsConfirmation bool     `json:"needs_confirmation"`
	Response          string   `json:"response"`
}

func (p *Planner) planHomeControl(ctx context.Context, uc *Context) (*Plan, error) {
	content, err := p.complete(ctx, uc,
		fmt.Sprintf(controlPromptTemplate, p.assistantName, uc.FormatForLLM()))
	if err != nil {
		return nil, err
	}

	var parsed actionPlanJSON
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err == nil && len(parsed.Actions) > 0 {
		responseText := parsed.Response
		if responseText == "" {
			responseText = "Выполняю."
		}
		return &Plan{
			Kind:              PlanActionPlan,
			Intent:            IntentHomeControl,
			Actions:           parsed.Actions,
			NeedsConfirmation: parsed.NeedsConfirmation,
			ResponseText:      responseText,
		}, nil
	}

	return &Plan{
		Kind:         PlanTextResponse,
		Intent:       IntentHomeControl,
		ResponseText: content,
	}, nil
}

// ── Text responses ─────────────────────────────────────────────────────────────

const chatPromptTemplate = `Ты — %s, дружелюбный голосовой помощник умного дома. Отвечай кратко и по-русски.

%s`

func (p *Planner) planText(ctx context.Context, uc *Context, intent Intent) (*Plan, error) {
	content, err := p.complete(ctx, uc,
		fmt.Sprintf(chatPromptTemplate, p.assistantName, uc.FormatForLLM()))
	if err != nil {
		return nil, err
	}
	return &Plan{Kind: PlanTextResponse, Intent: intent, ResponseText: content}, nil
}

// ── Searches ───────────────────────────────────────────────────────────────────

func (p *Planner) planWebSearch(ctx context.Context, uc *Context) (*Plan, error) {
	result, err := p.search.Search(ctx, search.Request{Query: uc.Command})
	if err != nil {
		p.log.ErrorContext(ctx, "web search failed", slog.Any("error", err))
		return &Plan{
			Kind:         PlanErrorResponse,
			Intent:       IntentWebSearch,
			Err:          err.Error(),
			ResponseText: "Не удалось выполнить поиск: " + err.Error(),
		}, nil
	}

	return &Plan{
		Kind:         PlanSearchResponse,
		Intent:       IntentWebSearch,
		Answer:       result.Answer,
		Sources:      result.Sources,
		ResponseText: result.Answer,
	}, nil
}

// habrStopWords are stripped from commands before the article search; they
// address the assistant, not the topic.
var habrStopWords = []string{"хабр", "хабре", "хабра", "habr", "статьи", "статью", "статья", "найди", "поищи", "на", "про"}

func habrQueryText(command string) string {
	words := strings.Fields(strings.ToLower(command))
	kept := words[:0]
	for _, w := range words {
		stop := false
		for _, s := range habrStopWords {
			if w == s {
				stop = true
				break
			}
		}
		if !stop {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func (p *Planner) planHabrSearch(ctx context.Context, uc *Context) (*Plan, error) {
	articles, err := p.articles.Search(ctx, habr.Query{
		Text:  habrQueryText(uc.Command),
		Limit: 5,
	})
	if err != nil {
		p.log.ErrorContext(ctx, "article search failed", slog.Any("error", err))
		return &Plan{
			Kind:         PlanErrorResponse,
			Intent:       IntentHabrSearch,
			Err:          err.Error(),
			ResponseText: "Не удалось найти статьи: " + err.Error(),
		}, nil
	}

	responseText := "Статьи не найдены"
	if len(articles) > 0 {
		var b strings.Builder
		b.WriteString("Нашёл статьи на Хабре:")
		for i, a := range articles {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "\n%d. %s", i+1, a.Title)
			if a.Views > 0 {
				fmt.Fprintf(&b, " - %d просмотров", a.Views)
			}
		}
		responseText = b.String()
	}

	return &Plan{
		Kind:         PlanSearchResponse,
		Intent:       IntentHabrSearch,
		Articles:     articles,
		ResponseText: responseText,
	}, nil
}

// ── Automation, rules, memory ──────────────────────────────────────────────────

func (p *Planner) planAutomation(ctx context.Context, uc *Context) (*Plan, error) {
	prompt := uc.Command + "\n\nСоздай черновик автоматизации для умного дома в формате YAML."
	content, err := p.complete(ctx, uc,
		fmt.Sprintf(chatPromptTemplate, p.assistantName, uc.FormatForLLM()), prompt)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Kind:         PlanAutomationDraft,
		Intent:       IntentHomeAutomation,
		Draft:        content,
		ResponseText: "Создал черновик автоматизации. Проверьте перед применением.",
	}, nil
}

// rulePrefixes are conversational lead-ins stripped to isolate the rule text.
var rulePrefixes = []string{"запомни", "всегда", "помни", "правило"}

func (p *Planner) planSetRule(uc *Context) *Plan {
	ruleText := strings.ToLower(strings.TrimSpace(uc.Command))
	for _, prefix := range rulePrefixes {
		ruleText = strings.TrimSpace(strings.ReplaceAll(ruleText, prefix, ""))
	}
	ruleText = strings.TrimLeft(ruleText, ",:; ")

	return &Plan{
		Kind:         PlanSetRule,
		Intent:       IntentSetRule,
		RuleText:     ruleText,
		RuleKind:     "preference",
		ResponseText: "Запомнил: " + ruleText,
	}
}

func (p *Planner) planMemoryQuery(uc *Context) *Plan {
	plan := &Plan{Kind: PlanMemoryResponse, Intent: IntentMemoryQuery}

	if uc.Memory == nil || len(uc.Memory.RelevantMemories) == 0 {
		plan.ResponseText = "Не нашёл ничего в истории по этому запросу"
		return plan
	}

	var b strings.Builder
	b.WriteString("Из истории наших разговоров:")
	for i, m := range uc.Memory.RelevantMemories {
		if i == 3 {
			break
		}
		plan.Memories = append(plan.Memories, m.Entry)
		fmt.Fprintf(&b, "\n- %s", truncateRunes(m.Entry.Content, 200))
	}
	plan.ResponseText = b.String()
	return plan
}

// ── Model access ───────────────────────────────────────────────────────────────

// complete runs one model call under the shared budget and timeout. input
// overrides the user message when provided.
func (p *Planner) complete(ctx context.Context, uc *Context, systemPrompt string, input ...string) (string, error) {
	if err := p.limits.Allow("model", p.modelRate, ""); err != nil {
		return "", fmt.Errorf("pipeline: plan: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, modelCallTimeout)
	defer cancel()

	var messages []llm.Message
	if uc.Memory != nil {
		for _, turn := range uc.Memory.RecentHistory {
			messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
		}
	}
	userText := uc.Command
	if len(input) > 0 {
		userText = input[0]
	}
	messages = append(messages, llm.Message{Role: "user", Content: userText})

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Temperature:  0.7,
		MaxTokens:    2000,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: plan: %w", err)
	}
	return resp.Content, nil
}
