package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// confirmationTTL bounds how long a withheld plan waits for the user.
const confirmationTTL = 5 * time.Minute

// Request is one command entering the pipeline.
type Request struct {
	UserID  string
	Command string
	Channel Channel

	// IncludeContext gates home and memory context resolution. Off means a
	// bare model exchange.
	IncludeContext bool

	// IncludeAudio requests speech synthesis on voice-channel responses.
	IncludeAudio bool
}

// ConversationMemory persists the completed exchange.
type ConversationMemory interface {
	RememberConversation(ctx context.Context, userID, userText, assistantText string) error
}

// Orchestrator runs the stages in order and owns the pending-confirmation
// registry. It never returns an error to the caller; failures become
// error responses.
type Orchestrator struct {
	analyzer *Analyzer
	resolver *Resolver
	planner  *Planner
	executor *Executor
	composer *Composer
	mem      ConversationMemory
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pendingPlan
}

type pendingPlan struct {
	plan    *Plan
	uc      *Context
	created time.Time
}

// NewOrchestrator wires the stages together.
func NewOrchestrator(analyzer *Analyzer, resolver *Resolver, planner *Planner,
	executor *Executor, composer *Composer, mem ConversationMemory, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		analyzer: analyzer,
		resolver: resolver,
		planner:  planner,
		executor: executor,
		composer: composer,
		mem:      mem,
		log:      log,
		now:      time.Now,
		pending:  make(map[string]pendingPlan),
	}
}

// Process runs one command through all five stages.
func (o *Orchestrator) Process(ctx context.Context, req Request) *Response {
	started := o.now()
	channel := req.Channel
	if channel == "" {
		channel = ChannelText
	}

	intent := o.analyzer.Analyze(ctx, req.UserID, req.Command)

	includeHome := req.IncludeContext && intent.NeedsHomeAssistant()
	includeMemory := req.IncludeContext && intent.NeedsMemory()
	uc := o.resolver.Resolve(ctx, req.UserID, req.Command, intent, includeHome, includeMemory)

	plan, err := o.planner.Plan(ctx, uc)
	if err != nil {
		o.log.ErrorContext(ctx, "planning failed",
			slog.String("user_id", req.UserID),
			slog.Any("error", err))
		return o.errorResponse(channel, intent, err, started)
	}

	exec := o.executor.Execute(ctx, uc, plan, false)
	if exec.NeedsConfirmation {
		o.storePending(req.UserID, plan, uc)
	}

	metrics := &Metrics{
		DurationMS:     o.now().Sub(started).Milliseconds(),
		Intent:         intent.Type,
		Confidence:     intent.Confidence,
		StepsCompleted: 5,
	}
	resp := o.composer.Compose(ctx, plan, exec, channel, req.IncludeAudio, metrics)

	o.rememberExchange(ctx, req.UserID, req.Command, resp.Text)
	return resp
}

// ProcessConfirmation resolves a withheld plan. A decline drops the plan; a
// confirm re-executes it with the gate lifted.
func (o *Orchestrator) ProcessConfirmation(ctx context.Context, userID string, confirmed bool, channel Channel) *Response {
	started := o.now()
	if channel == "" {
		channel = ChannelText
	}

	p, ok := o.takePending(userID)
	if !ok {
		return o.errorResponse(channel, Classification{Type: IntentUnknown},
			fmt.Errorf("pipeline: no action awaiting confirmation"), started)
	}

	if !confirmed {
		o.log.InfoContext(ctx, "action declined",
			slog.String("user_id", userID),
			slog.String("intent", string(p.plan.Intent)))
		return &Response{
			Type:    PlanTextResponse,
			Intent:  p.plan.Intent,
			Channel: channel,
			Text:    "Действие отменено",
		}
	}

	exec := o.executor.Execute(ctx, p.uc, p.plan, true)
	metrics := &Metrics{
		DurationMS:     o.now().Sub(started).Milliseconds(),
		Intent:         p.plan.Intent,
		Confidence:     p.uc.Intent.Confidence,
		StepsCompleted: 2,
	}
	resp := o.composer.Compose(ctx, p.plan, exec, channel, false, metrics)

	o.rememberExchange(ctx, userID, "подтверждаю", resp.Text)
	return resp
}

// PendingConfirmation reports whether the user has a plan awaiting approval.
func (o *Orchestrator) PendingConfirmation(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[userID]
	return ok && o.now().Sub(p.created) < confirmationTTL
}

func (o *Orchestrator) storePending(userID string, plan *Plan, uc *Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[userID] = pendingPlan{plan: plan, uc: uc, created: o.now()}
}

func (o *Orchestrator) takePending(userID string) (pendingPlan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[userID]
	if !ok {
		return pendingPlan{}, false
	}
	delete(o.pending, userID)
	if o.now().Sub(p.created) >= confirmationTTL {
		return pendingPlan{}, false
	}
	return p, true
}

// rememberExchange persists the turn. Memory failure degrades silently; the
// response already went out.
func (o *Orchestrator) rememberExchange(ctx context.Context, userID, userText, assistantText string) {
	if o.mem == nil || assistantText == "" {
		return
	}
	if err := o.mem.RememberConversation(ctx, userID, userText, assistantText); err != nil {
		o.log.WarnContext(ctx, "conversation not persisted",
			slog.String("user_id", userID),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) errorResponse(channel Channel, intent Classification, err error, started time.Time) *Response {
	return &Response{
		Type:    PlanErrorResponse,
		Intent:  intent.Type,
		Channel: channel,
		Text:    "Произошла ошибка: " + err.Error(),
		Pipeline: &Metrics{
			DurationMS: o.now().Sub(started).Milliseconds(),
			Intent:     intent.Type,
			Confidence: intent.Confidence,
			Error:      err.Error(),
		},
	}
}
