package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/domovoy-ai/domovoy/internal/audit"
	"github.com/domovoy-ai/domovoy/pkg/memory"
)

// RuleSaver is the memory-manager slice the executor uses for set_rule plans.
type RuleSaver interface {
	RememberRule(ctx context.Context, userID, ruleText, ruleType string, meta map[string]any) (memory.Receipt, error)
}

// Auditor records every action-plan outcome.
type Auditor interface {
	Append(ctx context.Context, r audit.Record) error
}

// Executor carries out plans against the home backend. Confirmation gating
// happens here, after planning, so a withheld plan can be re-run verbatim
// once the user confirms.
type Executor struct {
	home   HomeBackend
	rules  RuleSaver
	audit  Auditor
	dryRun bool
	log    *slog.Logger
}

// NewExecutor creates an executor. When dryRun is set no service call leaves
// the process; actions are validated and logged only.
func NewExecutor(home HomeBackend, rules RuleSaver, auditor Auditor, dryRun bool, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{home: home, rules: rules, audit: auditor, dryRun: dryRun, log: log}
}

// Execute runs the plan. confirmed marks a re-submission after the user
// approved a withheld plan. Only action plans and rule plans have side
// effects; every other kind is a no-op success.
func (e *Executor) Execute(ctx context.Context, uc *Context, plan *Plan, confirmed bool) *ExecutionResult {
	switch plan.Kind {
	case PlanActionPlan:
		return e.executeActions(ctx, uc, plan, confirmed)
	case PlanSetRule:
		return e.saveRule(ctx, uc, plan)
	default:
		return &ExecutionResult{Success: true}
	}
}

func (e *Executor) executeActions(ctx context.Context, uc *Context, plan *Plan, confirmed bool) *ExecutionResult {
	needsConfirmation := plan.NeedsConfirmation
	for _, a := range plan.Actions {
		if e.home.NeedsConfirmation(a.Domain + "." + a.Service) {
			needsConfirmation = true
		}
	}

	if needsConfirmation && !confirmed {
		e.appendAudit(ctx, uc, plan, audit.Record{
			Confirmed: false,
			Executed:  false,
		})
		return &ExecutionResult{
			NeedsConfirmation: true,
			Message:           "Это действие требует подтверждения",
		}
	}

	if e.dryRun {
		e.log.InfoContext(ctx, "dry run, skipping service calls",
			slog.String("user_id", uc.UserID),
			slog.Int("actions", len(plan.Actions)))
		e.appendAudit(ctx, uc, plan, audit.Record{
			Confirmed: confirmed,
			Executed:  false,
		})
		return &ExecutionResult{
			Success:  true,
			DryRun:   true,
			Executed: len(plan.Actions),
			Message:  fmt.Sprintf("Выполнено действий: %d", len(plan.Actions)),
		}
	}

	var executed, failed int
	var errs []string
	for _, a := range plan.Actions {
		service := a.Domain + "." + a.Service
		if !e.home.ServiceAllowed(service) {
			failed++
			errs = append(errs, fmt.Sprintf("%s: сервис запрещён", service))
			e.log.WarnContext(ctx, "service call denied by allow list",
				slog.String("user_id", uc.UserID),
				slog.String("service", service))
			continue
		}
		if _, err := e.home.CallService(ctx, a.Domain, a.Service, a.ServiceData, a.Target); err != nil {
			failed++
			errs = append(errs, fmt.Sprintf("%s: %v", service, err))
			e.log.ErrorContext(ctx, "service call failed",
				slog.String("service", service),
				slog.Any("error", err))
			continue
		}
		executed++
	}

	result := &ExecutionResult{
		Success:  failed == 0,
		Executed: executed,
		Failed:   failed,
		Errors:   errs,
	}
	if failed == 0 {
		result.Message = fmt.Sprintf("Выполнено действий: %d", executed)
	} else {
		result.Message = fmt.Sprintf("Выполнено: %d, Ошибок: %d", executed, failed)
	}

	e.appendAudit(ctx, uc, plan, audit.Record{
		Confirmed: confirmed,
		Executed:  true,
		Success:   result.Success,
		Error:     joinErrors(errs),
	})
	return result
}

func (e *Executor) saveRule(ctx context.Context, uc *Context, plan *Plan) *ExecutionResult {
	if _, err := e.rules.RememberRule(ctx, uc.UserID, plan.RuleText, plan.RuleKind, nil); err != nil {
		e.log.ErrorContext(ctx, "rule save failed",
			slog.String("user_id", uc.UserID),
			slog.Any("error", err))
		return &ExecutionResult{
			Success: false,
			Failed:  1,
			Errors:  []string{err.Error()},
			Message: "Не удалось сохранить правило",
		}
	}
	return &ExecutionResult{Success: true, Executed: 1, Message: plan.ResponseText}
}

// appendAudit fills the record from the plan and writes it. Audit failures
// are logged, never fatal to the command.
func (e *Executor) appendAudit(ctx context.Context, uc *Context, plan *Plan, r audit.Record) {
	r.UserID = uc.UserID
	r.Intent = string(plan.Intent)
	r.Actions = actionMaps(plan.Actions)
	if err := e.audit.Append(ctx, r); err != nil {
		e.log.ErrorContext(ctx, "audit append failed", slog.Any("error", err))
	}
}

func actionMaps(actions []Action) []map[string]any {
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		m := map[string]any{
			"domain":  a.Domain,
			"service": a.Service,
		}
		if len(a.Target) > 0 {
			m["target"] = a.Target
		}
		if len(a.ServiceData) > 0 {
			m["service_data"] = a.ServiceData
		}
		out = append(out, m)
	}
	return out
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	joined := errs[0]
	for _, e := range errs[1:] {
		joined += "; " + e
	}
	return joined
}
