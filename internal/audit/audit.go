// Package audit persists every home-automation intent execution attempt to
// the action_log table. Denied, unconfirmed, and failed attempts are recorded
// the same as successful ones; the trail is append-only.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one row of the action trail. Executed reports whether the actions
// were actually attempted against the backend; Success is meaningful only
// when Executed is true. A plan that required confirmation and never got it
// is logged with Confirmed=false, Executed=false.
type Record struct {
	ID        int64
	UserID    string
	Intent    string
	Actions   []map[string]any
	Confirmed bool
	Executed  bool
	Success   bool
	Error     string
	At        time.Time
}

// Store appends and reads audit records. It borrows the connection pool
// owned by the memory store rather than opening its own.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing connection pool. The action_log table is created
// by the memory store's migration.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append writes one record. The database assigns the timestamp when r.At is
// zero.
func (s *Store) Append(ctx context.Context, r Record) error {
	actions := r.Actions
	if actions == nil {
		actions = []map[string]any{}
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}

	const q = `
		INSERT INTO action_log (user_id, intent, actions, confirmed, executed, success, error, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := s.pool.Exec(ctx, q,
		r.UserID, r.Intent, actions, r.Confirmed, r.Executed, r.Success, r.Error, at); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Recent returns the user's latest records, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	const q = `
		SELECT id, user_id, intent, actions, confirmed, executed, success, error, timestamp
		FROM   action_log
		WHERE  user_id = $1
		ORDER  BY timestamp DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		if err := row.Scan(&r.ID, &r.UserID, &r.Intent, &r.Actions,
			&r.Confirmed, &r.Executed, &r.Success, &r.Error, &r.At); err != nil {
			return Record{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
