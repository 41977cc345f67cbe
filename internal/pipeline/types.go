// Package pipeline implements the five-stage command pipeline: intent
// analysis, context resolution, planning, execution, and response
// composition. Each stage is independent and testable; the orchestrator runs
// them in sequence.
package pipeline

import (
	"github.com/domovoy-ai/domovoy/internal/habr"
	"github.com/domovoy-ai/domovoy/pkg/memory"
)

// Intent is the classified purpose of a user command.
type Intent string

const (
	IntentHomeControl    Intent = "ha_control"
	IntentHomeQuery      Intent = "ha_query"
	IntentHomeAutomation Intent = "ha_automation"
	IntentWebSearch      Intent = "web_search"
	IntentHabrSearch     Intent = "habr_search"
	IntentMemoryQuery    Intent = "memory_query"
	IntentSetRule        Intent = "set_rule"
	IntentGeneralChat    Intent = "general_chat"
	IntentUnknown        Intent = "unknown"
)

// PlanKind discriminates what the planner produced and what the executor and
// composer should do with it.
type PlanKind string

const (
	PlanActionPlan      PlanKind = "action_plan"
	PlanTextResponse    PlanKind = "text_response"
	PlanSearchResponse  PlanKind = "search_response"
	PlanAutomationDraft PlanKind = "automation_draft"
	PlanSetRule         PlanKind = "set_rule"
	PlanMemoryResponse  PlanKind = "memory_response"
	PlanErrorResponse   PlanKind = "error_response"
)

// Action is one home-automation service call inside an action plan.
type Action struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	Target      map[string]any `json:"target,omitempty"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// Plan is the planner's output. Every plan carries ResponseText for the
// composer; the other fields are populated per kind.
type Plan struct {
	Kind              PlanKind       `json:"type"`
	Intent            Intent         `json:"intent"`
	ResponseText      string         `json:"response_text"`
	Actions           []Action       `json:"actions,omitempty"`
	NeedsConfirmation bool           `json:"needs_confirmation,omitempty"`
	Answer            string         `json:"answer,omitempty"`
	Sources           []string       `json:"sources,omitempty"`
	Articles          []habr.Article `json:"articles,omitempty"`
	RuleText          string         `json:"rule_text,omitempty"`
	RuleKind          string         `json:"rule_type,omitempty"`
	Draft             string         `json:"draft,omitempty"`
	Memories          []memory.Entry `json:"memories,omitempty"`
	Err               string         `json:"error,omitempty"`
}

// ExecutionResult reports what the executor did with a plan.
type ExecutionResult struct {
	Success bool `json:"success"`

	// Executed and Failed count individual actions.
	Executed int `json:"executed"`
	Failed   int `json:"failed"`

	Errors  []string `json:"errors,omitempty"`
	Message string   `json:"message,omitempty"`

	// NeedsConfirmation is set when the plan was withheld pending an
	// explicit user confirmation. Nothing was executed.
	NeedsConfirmation bool `json:"needs_confirmation,omitempty"`

	// DryRun marks a simulated run.
	DryRun bool `json:"dry_run,omitempty"`
}

// Audio is synthesized speech attached to a voice-channel response.
type Audio struct {
	Data       []byte `json:"data"`
	Format     string `json:"format"`
	Size       int    `json:"size"`
	DurationMS int    `json:"duration_ms"`
}

// Channel selects the output rendering.
type Channel string

const (
	ChannelVoice    Channel = "voice"
	ChannelText     Channel = "text"
	ChannelTelegram Channel = "telegram"
)

// ExecutionSummary is the wire-facing slice of an ExecutionResult.
type ExecutionSummary struct {
	Success  bool `json:"success"`
	Executed int  `json:"executed"`
	Failed   int  `json:"failed"`
}

// Metrics carries per-request pipeline timing for the response metadata.
type Metrics struct {
	DurationMS     int64   `json:"duration_ms"`
	Intent         Intent  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	StepsCompleted int     `json:"steps_completed"`
	Error          string  `json:"error,omitempty"`
}

// Response is the composed pipeline output for one command.
type Response struct {
	Type              PlanKind          `json:"type"`
	Intent            Intent            `json:"intent"`
	Text              string            `json:"text"`
	Channel           Channel           `json:"channel"`
	Execution         *ExecutionSummary `json:"execution,omitempty"`
	Actions           []Action          `json:"actions,omitempty"`
	NeedsConfirmation bool              `json:"needs_confirmation,omitempty"`
	Sources           []string          `json:"sources,omitempty"`
	Articles          []habr.Article    `json:"articles,omitempty"`
	Audio             *Audio            `json:"audio,omitempty"`
	AudioError        string            `json:"audio_error,omitempty"`
	Pipeline          *Metrics          `json:"pipeline,omitempty"`
}
