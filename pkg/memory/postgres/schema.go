// Package postgres provides the PostgreSQL-backed implementation of the
// two-tier memory architecture (recent dialog log plus pgvector semantic
// store), the user rule table, and the action audit table.
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn, postgres.Options{EmbeddingDimensions: 1536})
//	if err != nil { … }
//	defer store.Close()
//
//	manager := memory.NewManager(store.Recent(), store.Semantic(), store.Rules())
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Recent tier DDL — bounded dialog log
// ─────────────────────────────────────────────────────────────────────────────

const ddlDialogHistory = `
CREATE TABLE IF NOT EXISTS dialog_history (
    id           BIGSERIAL    PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    memory_type  TEXT         NOT NULL DEFAULT 'conversation',
    importance   TEXT         NOT NULL DEFAULT 'low',
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ,
    extra_data   JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_dialog_history_user_timestamp
    ON dialog_history (user_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_dialog_history_memory_type
    ON dialog_history (memory_type);

CREATE INDEX IF NOT EXISTS idx_dialog_history_importance
    ON dialog_history (importance);

CREATE INDEX IF NOT EXISTS idx_dialog_history_expires_at
    ON dialog_history (expires_at)
    WHERE expires_at IS NOT NULL;
`

// ─────────────────────────────────────────────────────────────────────────────
// Rules and audit DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlUserRules = `
CREATE TABLE IF NOT EXISTS user_rules (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    rule_text   TEXT         NOT NULL,
    rule_type   TEXT         NOT NULL DEFAULT '',
    active      BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    extra_data  JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_user_rules_user_active
    ON user_rules (user_id, active);
`

const ddlActionLog = `
CREATE TABLE IF NOT EXISTS action_log (
    id         BIGSERIAL    PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    intent     TEXT         NOT NULL,
    actions    JSONB        NOT NULL DEFAULT '[]',
    confirmed  BOOLEAN      NOT NULL DEFAULT FALSE,
    executed   BOOLEAN      NOT NULL DEFAULT FALSE,
    success    BOOLEAN      NOT NULL DEFAULT FALSE,
    error      TEXT         NOT NULL DEFAULT '',
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_action_log_user_timestamp
    ON action_log (user_id, timestamp);
`

// ddlSemanticMemory returns the semantic tier DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSemanticMemory(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS semantic_memory (
    id           TEXT         PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    role         TEXT         NOT NULL DEFAULT '',
    content      TEXT         NOT NULL,
    memory_type  TEXT         NOT NULL,
    importance   TEXT         NOT NULL,
    embedding    vector(%d),
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ,
    extra_data   JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_semantic_memory_user_id
    ON semantic_memory (user_id);

CREATE INDEX IF NOT EXISTS idx_semantic_memory_memory_type
    ON semantic_memory (memory_type);

CREATE INDEX IF NOT EXISTS idx_semantic_memory_embedding
    ON semantic_memory USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlDialogHistory,
		ddlSemanticMemory(embeddingDimensions),
		ddlUserRules,
		ddlActionLog,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
