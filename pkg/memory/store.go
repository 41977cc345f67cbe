package memory

import (
	"context"
	"time"

	"github.com/domovoy-ai/domovoy/internal/policy"
)

// RecentStore is the hot tier: a bounded, time-ordered dialog log per user.
//
// Implementations must trim each user's log to the configured maximum size
// after every append, and must be safe for concurrent use. Concurrent appends
// for the same user are serialized by the implementation.
type RecentStore interface {
	// Add appends an entry and returns its ID. CreatedAt is assigned by the
	// store when zero. After the append the user's log is trimmed to the
	// configured bound, oldest entries first.
	Add(ctx context.Context, e Entry) (string, error)

	// GetRecent returns up to limit entries for the user, selected newest
	// first and returned in chronological order. kind narrows the result;
	// an empty kind matches all.
	GetRecent(ctx context.Context, userID string, limit int, kind policy.MemoryKind) ([]Entry, error)

	// GetByTimeRange returns entries within [start, end] in chronological order.
	GetByTimeRange(ctx context.Context, userID string, start, end time.Time) ([]Entry, error)

	// GetByImportance returns up to limit entries with importance at least
	// min, newest first.
	GetByImportance(ctx context.Context, userID string, min policy.Importance, limit int) ([]Entry, error)

	// Delete removes one entry owned by the user. Deleting a missing entry
	// is not an error.
	Delete(ctx context.Context, userID, id string) error

	// CleanupExpired removes entries whose ExpiresAt is in the past and
	// returns how many were removed. An empty userID cleans all users.
	// Entries with a nil ExpiresAt are never touched.
	CleanupExpired(ctx context.Context, userID string) (int, error)

	// Stats summarises the user's stored entries.
	Stats(ctx context.Context, userID string) (Stats, error)
}

// SemanticStore is the long-term tier: a vector collection per memory kind.
//
// Implementations own the embedding computation: Add embeds the content when
// no vector is supplied, and Search embeds the query. They must be safe for
// concurrent independent reads and writes.
type SemanticStore interface {
	// Add stores an entry with its embedding and returns the entry ID.
	// A nil embedding is computed from e.Content via the configured
	// embedding provider.
	Add(ctx context.Context, e Entry, embedding []float32) (string, error)

	// Search returns entries whose similarity to query is at least
	// minSimilarity, most similar first, capped at limit. Similarity is
	// 1 − cosine distance. An empty kind searches all kinds.
	Search(ctx context.Context, userID, query string, kind policy.MemoryKind, limit int, minSimilarity float64) ([]SearchResult, error)

	// GetByKind returns up to limit entries of one kind, newest first.
	GetByKind(ctx context.Context, userID string, kind policy.MemoryKind, limit int) ([]Entry, error)

	// Delete removes an entry by ID across all kinds. Deleting a missing
	// entry is not an error.
	Delete(ctx context.Context, id string) error

	// CleanupExpired removes entries whose ExpiresAt is in the past and
	// returns how many were removed. An empty userID cleans all users.
	CleanupExpired(ctx context.Context, userID string) (int, error)

	// Stats summarises the user's stored entries.
	Stats(ctx context.Context, userID string) (Stats, error)
}

// RuleStore is the fast listing surface for user rules. The semantic mirror
// of each rule (kind=rule, critical) lives in the memory tiers.
type RuleStore interface {
	// Add persists a rule and returns its ID.
	Add(ctx context.Context, r Rule) (string, error)

	// List returns up to limit rules for the user, newest first.
	// activeOnly skips deactivated rules.
	List(ctx context.Context, userID string, activeOnly bool, limit int) ([]Rule, error)

	// Deactivate marks a rule inactive. Missing rules are not an error.
	Deactivate(ctx context.Context, userID, id string) error
}
