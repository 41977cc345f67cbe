package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/domovoy-ai/domovoy/pkg/memory"
)

// RuleStoreImpl is the fast rule listing surface backed by the user_rules
// table. The semantic mirror of each rule lives in semantic_memory.
//
// Obtain one via [Store.Rules] rather than constructing directly.
// All methods are safe for concurrent use.
type RuleStoreImpl struct {
	pool *pgxpool.Pool
}

// Add implements [memory.RuleStore].
func (s *RuleStoreImpl) Add(ctx context.Context, r memory.Rule) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	meta := r.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	const q = `
		INSERT INTO user_rules (id, user_id, rule_text, rule_type, active, created_at, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.pool.Exec(ctx, q, id, r.UserID, r.RuleText, r.RuleType, r.Active, r.CreatedAt, meta); err != nil {
		return "", fmt.Errorf("rule store: add: %w", err)
	}
	return id, nil
}

// List implements [memory.RuleStore]. Rules are returned newest first.
func (s *RuleStoreImpl) List(ctx context.Context, userID string, activeOnly bool, limit int) ([]memory.Rule, error) {
	args := []any{userID}
	activeClause := ""
	if activeOnly {
		activeClause = "AND active"
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, user_id, rule_text, rule_type, active, created_at, extra_data
		FROM   user_rules
		WHERE  user_id = $1 %s
		ORDER  BY created_at DESC
		LIMIT  $2`, activeClause)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("rule store: list: %w", err)
	}

	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Rule, error) {
		var r memory.Rule
		err := row.Scan(&r.ID, &r.UserID, &r.RuleText, &r.RuleType, &r.Active, &r.CreatedAt, &r.Meta)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("rule store: scan rows: %w", err)
	}
	if rules == nil {
		rules = []memory.Rule{}
	}
	return rules, nil
}

// Deactivate implements [memory.RuleStore].
func (s *RuleStoreImpl) Deactivate(ctx context.Context, userID, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE user_rules SET active = FALSE WHERE user_id = $1 AND id = $2`,
		userID, id); err != nil {
		return fmt.Errorf("rule store: deactivate: %w", err)
	}
	return nil
}
