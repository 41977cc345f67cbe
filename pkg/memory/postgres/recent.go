package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/domovoy-ai/domovoy/internal/policy"
	"github.com/domovoy-ai/domovoy/pkg/memory"
)

// RecentStoreImpl is the hot tier backed by the dialog_history table. Each
// append trims the user's log to maxSize rows, oldest first.
//
// Obtain one via [Store.Recent] rather than constructing directly.
// All methods are safe for concurrent use.
type RecentStoreImpl struct {
	pool    *pgxpool.Pool
	maxSize int
}

const recentColumns = "id, user_id, role, content, memory_type, importance, timestamp, expires_at, extra_data"

// Add implements [memory.RecentStore].
func (s *RecentStoreImpl) Add(ctx context.Context, e memory.Entry) (string, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	const q = `
		INSERT INTO dialog_history
		    (user_id, role, content, memory_type, importance, timestamp, expires_at, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		e.UserID,
		e.Role,
		e.Content,
		string(e.Kind),
		string(e.Importance),
		e.CreatedAt,
		e.ExpiresAt,
		meta,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("recent store: add: %w", err)
	}

	if s.maxSize > 0 {
		// Drop everything older than the newest maxSize rows for this user.
		const trim = `
			DELETE FROM dialog_history
			WHERE  user_id = $1
			  AND  id IN (
			      SELECT id FROM dialog_history
			      WHERE  user_id = $1
			      ORDER  BY timestamp DESC, id DESC
			      OFFSET $2)`
		if _, err := s.pool.Exec(ctx, trim, e.UserID, s.maxSize); err != nil {
			return "", fmt.Errorf("recent store: trim: %w", err)
		}
	}

	return strconv.FormatInt(id, 10), nil
}

// GetRecent implements [memory.RecentStore]. The newest limit rows are
// selected and returned in chronological order.
func (s *RecentStoreImpl) GetRecent(ctx context.Context, userID string, limit int, kind policy.MemoryKind) ([]memory.Entry, error) {
	args := []any{userID}
	kindClause := ""
	if kind != "" {
		args = append(args, string(kind))
		kindClause = "AND memory_type = $2"
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT %s FROM (
		    SELECT %s
		    FROM   dialog_history
		    WHERE  user_id = $1 %s
		    ORDER  BY timestamp DESC, id DESC
		    LIMIT  $%d
		) newest
		ORDER BY timestamp, id`, recentColumns, recentColumns, kindClause, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent store: get recent: %w", err)
	}
	return collectRecentEntries(rows)
}

// GetByTimeRange implements [memory.RecentStore].
func (s *RecentStoreImpl) GetByTimeRange(ctx context.Context, userID string, start, end time.Time) ([]memory.Entry, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   dialog_history
		WHERE  user_id = $1
		  AND  timestamp >= $2
		  AND  timestamp <= $3
		ORDER  BY timestamp, id`, recentColumns)

	rows, err := s.pool.Query(ctx, q, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("recent store: get by time range: %w", err)
	}
	return collectRecentEntries(rows)
}

// GetByImportance implements [memory.RecentStore].
func (s *RecentStoreImpl) GetByImportance(ctx context.Context, userID string, min policy.Importance, limit int) ([]memory.Entry, error) {
	levels := make([]string, 0, 4)
	for _, i := range []policy.Importance{
		policy.ImportanceLow, policy.ImportanceMedium,
		policy.ImportanceHigh, policy.ImportanceCritical,
	} {
		if i.AtLeast(min) {
			levels = append(levels, string(i))
		}
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM   dialog_history
		WHERE  user_id = $1
		  AND  importance = ANY($2)
		ORDER  BY timestamp DESC, id DESC
		LIMIT  $3`, recentColumns)

	rows, err := s.pool.Query(ctx, q, userID, levels, limit)
	if err != nil {
		return nil, fmt.Errorf("recent store: get by importance: %w", err)
	}
	return collectRecentEntries(rows)
}

// Delete implements [memory.RecentStore].
func (s *RecentStoreImpl) Delete(ctx context.Context, userID, id string) error {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("recent store: delete: bad id %q: %w", id, err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM dialog_history WHERE user_id = $1 AND id = $2`,
		userID, numericID); err != nil {
		return fmt.Errorf("recent store: delete: %w", err)
	}
	return nil
}

// CleanupExpired implements [memory.RecentStore]. Rows with a NULL expires_at
// are never touched.
func (s *RecentStoreImpl) CleanupExpired(ctx context.Context, userID string) (int, error) {
	q := `DELETE FROM dialog_history WHERE expires_at IS NOT NULL AND expires_at < now()`
	args := []any{}
	if userID != "" {
		q += ` AND user_id = $1`
		args = append(args, userID)
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("recent store: cleanup expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats implements [memory.RecentStore].
func (s *RecentStoreImpl) Stats(ctx context.Context, userID string) (memory.Stats, error) {
	const q = `
		SELECT memory_type, importance, count(*)
		FROM   dialog_history
		WHERE  user_id = $1
		GROUP  BY memory_type, importance`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return memory.Stats{}, fmt.Errorf("recent store: stats: %w", err)
	}
	return collectStats(rows, "recent store")
}

// collectRecentEntries scans pgx rows into entries.
func collectRecentEntries(rows pgx.Rows) ([]memory.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e          memory.Entry
			id         int64
			kind       string
			importance string
		)
		if err := row.Scan(
			&id,
			&e.UserID,
			&e.Role,
			&e.Content,
			&kind,
			&importance,
			&e.CreatedAt,
			&e.ExpiresAt,
			&e.Meta,
		); err != nil {
			return memory.Entry{}, err
		}
		e.ID = strconv.FormatInt(id, 10)
		e.Kind = policy.MemoryKind(kind)
		e.Importance = policy.Importance(importance)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}

// collectStats folds (kind, importance, count) rows into a Stats value.
func collectStats(rows pgx.Rows, label string) (memory.Stats, error) {
	st := memory.Stats{
		ByKind:       make(map[policy.MemoryKind]int),
		ByImportance: make(map[policy.Importance]int),
	}
	type bucket struct {
		kind       string
		importance string
		count      int
	}
	buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (bucket, error) {
		var b bucket
		err := row.Scan(&b.kind, &b.importance, &b.count)
		return b, err
	})
	if err != nil {
		return memory.Stats{}, fmt.Errorf("%s: scan stats: %w", label, err)
	}
	for _, b := range buckets {
		st.Total += b.count
		st.ByKind[policy.MemoryKind(b.kind)] += b.count
		st.ByImportance[policy.Importance(b.importance)] += b.count
	}
	return st, nil
}
