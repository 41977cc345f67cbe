package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/domovoy-ai/domovoy/internal/policy"
	"github.com/domovoy-ai/domovoy/pkg/memory"
	"github.com/domovoy-ai/domovoy/pkg/provider/embeddings"
)

// SemanticStoreImpl is the long-term tier backed by the semantic_memory table
// with a pgvector HNSW index for approximate nearest-neighbour search. It owns
// the embedding computation: Add embeds content when no vector is supplied and
// Search embeds the query.
//
// Obtain one via [Store.Semantic] rather than constructing directly.
// All methods are safe for concurrent use.
type SemanticStoreImpl struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// Add implements [memory.SemanticStore].
func (s *SemanticStoreImpl) Add(ctx context.Context, e memory.Entry, embedding []float32) (string, error) {
	if embedding == nil {
		if s.embedder == nil {
			return "", fmt.Errorf("semantic store: add: no embedding provider configured")
		}
		vec, err := s.embedder.Embed(ctx, e.Content)
		if err != nil {
			return "", fmt.Errorf("semantic store: embed content: %w", err)
		}
		embedding = vec
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	const q = `
		INSERT INTO semantic_memory
		    (id, user_id, role, content, memory_type, importance, embedding, timestamp, expires_at, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    importance = EXCLUDED.importance,
		    expires_at = EXCLUDED.expires_at,
		    extra_data = EXCLUDED.extra_data`

	_, err := s.pool.Exec(ctx, q,
		id,
		e.UserID,
		e.Role,
		e.Content,
		string(e.Kind),
		string(e.Importance),
		pgvector.NewVector(embedding),
		e.CreatedAt,
		e.ExpiresAt,
		meta,
	)
	if err != nil {
		return "", fmt.Errorf("semantic store: add: %w", err)
	}
	return id, nil
}

const semanticColumns = "id, user_id, role, content, memory_type, importance, timestamp, expires_at, extra_data"

// Search implements [memory.SemanticStore]. Similarity is 1 minus the cosine
// distance reported by pgvector's <=> operator; rows below minSimilarity are
// filtered out. Results are ordered most similar first.
func (s *SemanticStoreImpl) Search(ctx context.Context, userID, query string, kind policy.MemoryKind, limit int, minSimilarity float64) ([]memory.SearchResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("semantic store: search: no embedding provider configured")
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic store: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(queryVec), userID}
	kindClause := ""
	if kind != "" {
		args = append(args, string(kind))
		kindClause = "AND memory_type = $3"
	}
	args = append(args, 1-minSimilarity)
	distanceArg := fmt.Sprintf("$%d", len(args))
	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT %s, embedding <=> $1 AS distance
		FROM   semantic_memory
		WHERE  user_id = $2 %s
		  AND  embedding <=> $1 <= %s
		ORDER  BY distance
		LIMIT  %s`, semanticColumns, kindClause, distanceArg, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SearchResult, error) {
		var (
			r          memory.SearchResult
			kindStr    string
			importance string
		)
		if err := row.Scan(
			&r.Entry.ID,
			&r.Entry.UserID,
			&r.Entry.Role,
			&r.Entry.Content,
			&kindStr,
			&importance,
			&r.Entry.CreatedAt,
			&r.Entry.ExpiresAt,
			&r.Entry.Meta,
			&r.Distance,
		); err != nil {
			return memory.SearchResult{}, err
		}
		r.Entry.Kind = policy.MemoryKind(kindStr)
		r.Entry.Importance = policy.Importance(importance)
		r.Similarity = 1 - r.Distance
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return results, nil
}

// GetByKind implements [memory.SemanticStore].
func (s *SemanticStoreImpl) GetByKind(ctx context.Context, userID string, kind policy.MemoryKind, limit int) ([]memory.Entry, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   semantic_memory
		WHERE  user_id = $1
		  AND  memory_type = $2
		ORDER  BY timestamp DESC
		LIMIT  $3`, semanticColumns)

	rows, err := s.pool.Query(ctx, q, userID, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("semantic store: get by kind: %w", err)
	}
	return collectSemanticEntries(rows)
}

// Delete implements [memory.SemanticStore].
func (s *SemanticStoreImpl) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM semantic_memory WHERE id = $1`, id); err != nil {
		return fmt.Errorf("semantic store: delete: %w", err)
	}
	return nil
}

// CleanupExpired implements [memory.SemanticStore].
func (s *SemanticStoreImpl) CleanupExpired(ctx context.Context, userID string) (int, error) {
	q := `DELETE FROM semantic_memory WHERE expires_at IS NOT NULL AND expires_at < now()`
	args := []any{}
	if userID != "" {
		q += ` AND user_id = $1`
		args = append(args, userID)
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("semantic store: cleanup expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats implements [memory.SemanticStore].
func (s *SemanticStoreImpl) Stats(ctx context.Context, userID string) (memory.Stats, error) {
	const q = `
		SELECT memory_type, importance, count(*)
		FROM   semantic_memory
		WHERE  user_id = $1
		GROUP  BY memory_type, importance`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return memory.Stats{}, fmt.Errorf("semantic store: stats: %w", err)
	}
	return collectStats(rows, "semantic store")
}

// collectSemanticEntries scans pgx rows into entries.
func collectSemanticEntries(rows pgx.Rows) ([]memory.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e          memory.Entry
			kind       string
			importance string
		)
		if err := row.Scan(
			&e.ID,
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
		e.Kind = policy.MemoryKind(kind)
		e.Importance = policy.Importance(importance)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}
