// Package memory defines the two-tier memory architecture of the assistant.
//
//   - Recent store ([RecentStore]): hot, time-ordered dialog log bounded per
//     user. Fast writes and recency-window retrieval.
//   - Semantic store ([SemanticStore]): vector store grouped by memory kind,
//     supporting embedding-based similarity search with a minimum threshold.
//
// The [Manager] is the single decision point for what gets saved where: it
// applies the memory policy (classification, importance, retention) and fans
// writes out to the applicable tiers.
//
// All interfaces are public so that external packages can supply alternative
// storage backends. Every implementation must be safe for concurrent use.
package memory

import (
	"time"

	"github.com/domovoy-ai/domovoy/internal/policy"
)

// Entry is a single memory record. It is the unit stored by both tiers.
type Entry struct {
	// ID is the unique identifier for this entry (a UUID, or a serial in the
	// recent tier).
	ID string

	// UserID scopes the entry to one user.
	UserID string

	// Role is who produced the content: "user", "assistant", or "system".
	// System entries are never persisted by policy.
	Role string

	// Content is the remembered text.
	Content string

	// Kind classifies the entry (conversation, preference, rule, fact,
	// action, error).
	Kind policy.MemoryKind

	// Importance drives retention and the long-term tier decision.
	Importance policy.Importance

	// CreatedAt is when the entry was recorded.
	CreatedAt time.Time

	// ExpiresAt is the retention deadline. Nil means the entry never expires;
	// critical entries always have a nil ExpiresAt.
	ExpiresAt *time.Time

	// Meta holds free-form extra attributes (source, channel, intent, …).
	Meta map[string]any
}

// SearchResult pairs a semantic-store entry with its similarity to the query.
type SearchResult struct {
	Entry Entry

	// Similarity is 1 − cosine distance, in [0, 1] for normalised embeddings.
	Similarity float64

	// Distance is the raw vector-space distance reported by the store.
	Distance float64
}

// Receipt reports what [Manager.Remember] did with a piece of content.
type Receipt struct {
	// Saved is false when policy filtered the content out entirely.
	Saved bool

	// Kind and Importance are the classifications applied.
	Kind       policy.MemoryKind
	Importance policy.Importance

	// SavedTo lists the tiers written ("recent", "semantic").
	SavedTo []string

	// RecentID and SemanticID are the per-tier write receipts.
	RecentID   string
	SemanticID string

	// ExpiresAt is the retention deadline applied, nil for critical entries.
	ExpiresAt *time.Time
}

// Stats summarises one tier's content for a user.
type Stats struct {
	Total        int
	ByKind       map[policy.MemoryKind]int
	ByImportance map[policy.Importance]int
}

// RecallStrategy selects how [Manager.Recall] combines the two tiers.
type RecallStrategy string

const (
	// RecallRecent reads only the recent store, newest first.
	RecallRecent RecallStrategy = "recent"

	// RecallSemantic reads only the semantic store, most similar first.
	RecallSemantic RecallStrategy = "semantic"

	// RecallHybrid takes half from each tier, deduplicates by content, and
	// sorts by timestamp descending.
	RecallHybrid RecallStrategy = "hybrid"
)

// Rule is a persisted user rule. Rules are also mirrored into the memory
// tiers as kind=rule entries with critical importance; this is the fast
// listing surface.
type Rule struct {
	ID        string
	UserID    string
	RuleText  string
	RuleType  string
	Active    bool
	CreatedAt time.Time
	Meta      map[string]any
}

// Context is the memory bundle handed to the pipeline's context resolver.
type Context struct {
	// RecentHistory is the last few dialog turns in chronological order.
	RecentHistory []Entry

	// RelevantMemories are the top semantic matches for the current query.
	RelevantMemories []SearchResult

	// UserRules are the top rule matches (or the newest rules when the
	// query is empty).
	UserRules []Entry
}
