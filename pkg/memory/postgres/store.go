package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/domovoy-ai/domovoy/pkg/memory"
	"github.com/domovoy-ai/domovoy/pkg/provider/embeddings"
)

// Compile-time interface checks. The two tiers are exposed as sub-types via
// [Store.Recent] and [Store.Semantic] because both define Add and Stats with
// different shapes.
var (
	_ memory.RecentStore   = (*RecentStoreImpl)(nil)
	_ memory.SemanticStore = (*SemanticStoreImpl)(nil)
	_ memory.RuleStore     = (*RuleStoreImpl)(nil)
)

// Options configures [New].
type Options struct {
	// EmbeddingDimensions is the vector column width. Must match the
	// embedding model in use. Required.
	EmbeddingDimensions int

	// ShortTermSize bounds the per-user dialog log. Zero means unbounded.
	ShortTermSize int

	// Embedder computes vectors for semantic writes and searches. May be nil
	// when the semantic tier is disabled; semantic operations then fail.
	Embedder embeddings.Provider
}

// Store is the central PostgreSQL-backed persistence layer. It holds a single
// [pgxpool.Pool] shared by the dialog log, the semantic store, the rule table,
// and (via [Store.Pool]) the action audit log.
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	recent   *RecentStoreImpl
	semantic *SemanticStoreImpl
	rules    *RuleStoreImpl
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if opts.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("postgres store: embedding dimensions must be positive, got %d", opts.EmbeddingDimensions)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, opts.EmbeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		recent:   &RecentStoreImpl{pool: pool, maxSize: opts.ShortTermSize},
		semantic: &SemanticStoreImpl{pool: pool, embedder: opts.Embedder},
		rules:    &RuleStoreImpl{pool: pool},
	}, nil
}

// Recent returns the bounded dialog log implementing [memory.RecentStore].
func (s *Store) Recent() *RecentStoreImpl { return s.recent }

// Semantic returns the vector tier implementing [memory.SemanticStore].
func (s *Store) Semantic() *SemanticStoreImpl { return s.semantic }

// Rules returns the rule table implementing [memory.RuleStore].
func (s *Store) Rules() *RuleStoreImpl { return s.rules }

// Pool exposes the shared connection pool so that sibling persistence layers
// (the action audit log) can reuse it instead of opening their own.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
