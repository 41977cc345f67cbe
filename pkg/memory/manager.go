package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/domovoy-ai/domovoy/internal/policy"
)

// Manager is the single decision point for saving and recalling memories.
// It owns both stores exclusively; nothing else writes to them.
type Manager struct {
	recent   RecentStore
	semantic SemanticStore
	rules    RuleStore

	longTermEnabled bool
	now             func() time.Time
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithLongTermDisabled turns off the semantic tier. Remember still writes
// the recent tier and Recall falls back to recent-only behaviour.
func WithLongTermDisabled() ManagerOption {
	return func(m *Manager) { m.longTermEnabled = false }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a memory manager over the given stores. rules may be
// nil when no fast rule listing surface is available; RememberRule then
// writes only the memory tiers.
func NewManager(recent RecentStore, semantic SemanticStore, rules RuleStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		recent:          recent,
		semantic:        semantic,
		rules:           rules,
		longTermEnabled: true,
		now:             time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Remember classifies content, applies the save policy, and writes the
// applicable tiers. The returned receipt says what happened; a filtered-out
// save is not an error.
func (m *Manager) Remember(ctx context.Context, userID, role, content string, kind policy.MemoryKind, meta map[string]any) (Receipt, error) {
	if kind == "" {
		kind = policy.ClassifyContent(content)
	}

	if !policy.ShouldSave(role, content, kind) {
		return Receipt{Saved: false, Kind: kind}, nil
	}

	importance := policy.DetermineImportance(content, kind)
	now := m.now()
	expiresAt := policy.ExpiresAt(importance, now)

	e := Entry{
		UserID:     userID,
		Role:       role,
		Content:    content,
		Kind:       kind,
		Importance: importance,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		Meta:       meta,
	}

	r := Receipt{
		Saved:      true,
		Kind:       kind,
		Importance: importance,
		ExpiresAt:  expiresAt,
	}

	recentID, err := m.recent.Add(ctx, e)
	if err != nil {
		return r, fmt.Errorf("memory: remember recent: %w", err)
	}
	r.RecentID = recentID
	r.SavedTo = append(r.SavedTo, "recent")

	if m.longTermEnabled && policy.LongTermEligible(importance) {
		semanticID, err := m.semantic.Add(ctx, e, nil)
		if err != nil {
			// The recent write stands; the semantic tier degrades, it does
			// not fail the save.
			slog.WarnContext(ctx, "memory: semantic tier write failed",
				"user_id", userID, "kind", kind, "err", err)
		} else {
			r.SemanticID = semanticID
			r.SavedTo = append(r.SavedTo, "semantic")
		}
	}

	return r, nil
}

// RememberConversation persists one user/assistant exchange as two
// conversation entries.
func (m *Manager) RememberConversation(ctx context.Context, userID, userText, assistantText string) error {
	if _, err := m.Remember(ctx, userID, "user", userText, policy.KindConversation, nil); err != nil {
		return err
	}
	if _, err := m.Remember(ctx, userID, "assistant", assistantText, policy.KindConversation, nil); err != nil {
		return err
	}
	return nil
}

// RememberRule persists a user rule: critical kind=rule entries in the
// memory tiers plus a row in the rule listing store.
func (m *Manager) RememberRule(ctx context.Context, userID, ruleText, ruleType string, meta map[string]any) (Receipt, error) {
	r, err := m.Remember(ctx, userID, "user", ruleText, policy.KindRule, meta)
	if err != nil {
		return r, err
	}
	if m.rules != nil {
		if _, err := m.rules.Add(ctx, Rule{
			UserID:    userID,
			RuleText:  ruleText,
			RuleType:  ruleType,
			Active:    true,
			CreatedAt: m.now(),
			Meta:      meta,
		}); err != nil {
			return r, fmt.Errorf("memory: remember rule: %w", err)
		}
	}
	return r, nil
}

// Recall retrieves memories relevant to query using the given strategy.
// The hybrid strategy takes half from each tier, removes duplicate content,
// sorts by timestamp descending, and caps at limit.
func (m *Manager) Recall(ctx context.Context, userID, query string, strategy RecallStrategy, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	if !m.longTermEnabled && strategy != RecallRecent {
		strategy = RecallRecent
	}

	switch strategy {
	case RecallRecent:
		entries, err := m.recent.GetRecent(ctx, userID, limit, "")
		if err != nil {
			return nil, fmt.Errorf("memory: recall recent: %w", err)
		}
		reverseEntries(entries) // newest first for recall consumers
		return entries, nil

	case RecallSemantic:
		results, err := m.semantic.Search(ctx, userID, query, "", limit, MinSimilarity)
		if err != nil {
			return nil, fmt.Errorf("memory: recall semantic: %w", err)
		}
		entries := make([]Entry, 0, len(results))
		for _, r := range results {
			entries = append(entries, r.Entry)
		}
		return entries, nil

	case RecallHybrid:
		half := (limit + 1) / 2

		recent, err := m.recent.GetRecent(ctx, userID, half, "")
		if err != nil {
			return nil, fmt.Errorf("memory: recall hybrid recent: %w", err)
		}
		results, err := m.semantic.Search(ctx, userID, query, "", half, MinSimilarity)
		if err != nil {
			return nil, fmt.Errorf("memory: recall hybrid semantic: %w", err)
		}

		seen := make(map[string]struct{}, limit)
		merged := make([]Entry, 0, limit)
		appendUnique := func(e Entry) {
			if _, dup := seen[e.Content]; dup {
				return
			}
			seen[e.Content] = struct{}{}
			merged = append(merged, e)
		}
		for _, e := range recent {
			appendUnique(e)
		}
		for _, r := range results {
			appendUnique(r.Entry)
		}

		sort.Slice(merged, func(i, j int) bool {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		})
		if len(merged) > limit {
			merged = merged[:limit]
		}
		return merged, nil

	default:
		return nil, fmt.Errorf("memory: unknown recall strategy %q", strategy)
	}
}

// MinSimilarity is the semantic search threshold used throughout recall.
const MinSimilarity = 0.7

// Rules returns the user's active rules, newest first.
func (m *Manager) Rules(ctx context.Context, userID string, limit int) ([]Rule, error) {
	if m.rules == nil {
		return []Rule{}, nil
	}
	return m.rules.List(ctx, userID, true, limit)
}

// SearchRules finds rules semantically relevant to query.
func (m *Manager) SearchRules(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	if !m.longTermEnabled {
		return []SearchResult{}, nil
	}
	return m.semantic.Search(ctx, userID, query, policy.KindRule, limit, MinSimilarity)
}

// contextHistorySize and contextTopK shape [Manager.BuildContext].
const (
	contextHistorySize = 10
	contextTopK        = 3
)

// BuildContext assembles the memory bundle for a pipeline run: the last ten
// turns, the top-3 semantically relevant memories, and the top-3 relevant
// rules. Tier failures degrade the bundle instead of failing it.
func (m *Manager) BuildContext(ctx context.Context, userID, query string) (Context, error) {
	var c Context

	history, err := m.recent.GetRecent(ctx, userID, contextHistorySize, "")
	if err != nil {
		return c, fmt.Errorf("memory: build context history: %w", err)
	}
	c.RecentHistory = history

	if m.longTermEnabled && query != "" {
		if relevant, err := m.semantic.Search(ctx, userID, query, "", contextTopK, MinSimilarity); err == nil {
			c.RelevantMemories = relevant
		} else {
			slog.WarnContext(ctx, "memory: relevant-memory search failed", "user_id", userID, "err", err)
		}
		if rules, err := m.semantic.Search(ctx, userID, query, policy.KindRule, contextTopK, MinSimilarity); err == nil {
			for _, r := range rules {
				c.UserRules = append(c.UserRules, r.Entry)
			}
		} else {
			slog.WarnContext(ctx, "memory: rule search failed", "user_id", userID, "err", err)
		}
	}

	// With no query to search by, fall back to the newest stored rules.
	if len(c.UserRules) == 0 && m.rules != nil {
		if rules, err := m.rules.List(ctx, userID, true, contextTopK); err == nil {
			for _, r := range rules {
				c.UserRules = append(c.UserRules, Entry{
					ID:         r.ID,
					UserID:     r.UserID,
					Role:       "user",
					Content:    r.RuleText,
					Kind:       policy.KindRule,
					Importance: policy.ImportanceCritical,
					CreatedAt:  r.CreatedAt,
					Meta:       r.Meta,
				})
			}
		}
	}

	return c, nil
}

// Cleanup removes expired entries from both tiers and returns the total
// number removed. An empty userID cleans all users.
func (m *Manager) Cleanup(ctx context.Context, userID string) (int, error) {
	n, err := m.recent.CleanupExpired(ctx, userID)
	if err != nil {
		return n, fmt.Errorf("memory: cleanup recent: %w", err)
	}
	if m.longTermEnabled {
		ns, err := m.semantic.CleanupExpired(ctx, userID)
		n += ns
		if err != nil {
			return n, fmt.Errorf("memory: cleanup semantic: %w", err)
		}
	}
	return n, nil
}

// TierStats reports per-tier statistics for a user.
func (m *Manager) TierStats(ctx context.Context, userID string) (recent, semantic Stats, err error) {
	recent, err = m.recent.Stats(ctx, userID)
	if err != nil {
		return recent, semantic, fmt.Errorf("memory: recent stats: %w", err)
	}
	if m.longTermEnabled {
		semantic, err = m.semantic.Stats(ctx, userID)
		if err != nil {
			return recent, semantic, fmt.Errorf("memory: semantic stats: %w", err)
		}
	}
	return recent, semantic, nil
}

func reverseEntries(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
