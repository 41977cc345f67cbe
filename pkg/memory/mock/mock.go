// Package mock provides in-memory implementations of the memory store
// interfaces for tests and local development.
package mock

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/domovoy-ai/domovoy/internal/policy"
	"github.com/domovoy-ai/domovoy/pkg/memory"
)

// RecentStore is an in-memory [memory.RecentStore] with a per-user bound.
type RecentStore struct {
	mu      sync.Mutex
	maxSize int
	nextID  int
	entries map[string][]memory.Entry // keyed by user, chronological

	// AddErr, when set, is returned by Add. Used to exercise failure paths.
	AddErr error
}

var _ memory.RecentStore = (*RecentStore)(nil)

// NewRecentStore creates a bounded recent store. maxSize <= 0 means unbounded.
func NewRecentStore(maxSize int) *RecentStore {
	return &RecentStore{
		maxSize: maxSize,
		entries: make(map[string][]memory.Entry),
	}
}

func (s *RecentStore) Add(_ context.Context, e memory.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AddErr != nil {
		return "", s.AddErr
	}

	s.nextID++
	e.ID = strconv.Itoa(s.nextID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	log := append(s.entries[e.UserID], e)
	if s.maxSize > 0 && len(log) > s.maxSize {
		log = log[len(log)-s.maxSize:]
	}
	s.entries[e.UserID] = log
	return e.ID, nil
}

func (s *RecentStore) GetRecent(_ context.Context, userID string, limit int, kind policy.MemoryKind) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []memory.Entry
	for _, e := range s.entries[userID] {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *RecentStore) GetByTimeRange(_ context.Context, userID string, start, end time.Time) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []memory.Entry
	for _, e := range s.entries[userID] {
		if !e.CreatedAt.Before(start) && !e.CreatedAt.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *RecentStore) GetByImportance(_ context.Context, userID string, min policy.Importance, limit int) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []memory.Entry
	log := s.entries[userID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Importance.AtLeast(min) {
			out = append(out, log[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *RecentStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.entries[userID]
	for i, e := range log {
		if e.ID == id {
			s.entries[userID] = append(log[:i], log[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *RecentStore) CleanupExpired(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for uid, log := range s.entries {
		if userID != "" && uid != userID {
			continue
		}
		keep := log[:0]
		for _, e := range log {
			if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
				removed++
				continue
			}
			keep = append(keep, e)
		}
		s.entries[uid] = keep
	}
	return removed, nil
}

func (s *RecentStore) Stats(_ context.Context, userID string) (memory.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := memory.Stats{
		ByKind:       make(map[policy.MemoryKind]int),
		ByImportance: make(map[policy.Importance]int),
	}
	for _, e := range s.entries[userID] {
		st.Total++
		st.ByKind[e.Kind]++
		st.ByImportance[e.Importance]++
	}
	return st, nil
}

// SemanticStore is an in-memory [memory.SemanticStore]. Without a real
// embedding space it scores by case-insensitive substring overlap, which is
// enough to exercise threshold and ordering logic in tests.
type SemanticStore struct {
	mu      sync.Mutex
	nextID  int
	entries []memory.Entry

	// AddErr and SearchErr, when set, are returned by the matching method.
	AddErr    error
	SearchErr error
}

var _ memory.SemanticStore = (*SemanticStore)(nil)

// NewSemanticStore creates an empty semantic store.
func NewSemanticStore() *SemanticStore {
	return &SemanticStore{}
}

func (s *SemanticStore) Add(_ context.Context, e memory.Entry, _ []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AddErr != nil {
		return "", s.AddErr
	}

	s.nextID++
	e.ID = "sem-" + strconv.Itoa(s.nextID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, e)
	return e.ID, nil
}

func (s *SemanticStore) Search(_ context.Context, userID, query string, kind policy.MemoryKind, limit int, minSimilarity float64) ([]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SearchErr != nil {
		return nil, s.SearchErr
	}

	q := strings.ToLower(query)
	var out []memory.SearchResult
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		sim := similarity(strings.ToLower(e.Content), q)
		if sim < minSimilarity {
			continue
		}
		out = append(out, memory.SearchResult{Entry: e, Similarity: sim, Distance: 1 - sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SemanticStore) GetByKind(_ context.Context, userID string, kind policy.MemoryKind, limit int) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []memory.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.UserID == userID && e.Kind == kind {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *SemanticStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *SemanticStore) CleanupExpired(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	keep := s.entries[:0]
	for _, e := range s.entries {
		if (userID == "" || e.UserID == userID) && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			removed++
			continue
		}
		keep = append(keep, e)
	}
	s.entries = keep
	return removed, nil
}

func (s *SemanticStore) Stats(_ context.Context, userID string) (memory.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := memory.Stats{
		ByKind:       make(map[policy.MemoryKind]int),
		ByImportance: make(map[policy.Importance]int),
	}
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		st.Total++
		st.ByKind[e.Kind]++
		st.ByImportance[e.Importance]++
	}
	return st, nil
}

// similarity is a crude word-overlap score in [0, 1]: the fraction of query
// words present in the content, with exact substring match scoring 1.
func similarity(content, query string) float64 {
	if query == "" {
		return 0
	}
	if strings.Contains(content, query) {
		return 1
	}
	words := strings.Fields(query)
	if len(words) == 0 {
		return 0
	}
	hits := 0
	for _, w := range words {
		if strings.Contains(content, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

// RuleStore is an in-memory [memory.RuleStore].
type RuleStore struct {
	mu     sync.Mutex
	nextID int
	rules  []memory.Rule
}

var _ memory.RuleStore = (*RuleStore)(nil)

// NewRuleStore creates an empty rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{}
}

func (s *RuleStore) Add(_ context.Context, r memory.Rule) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r.ID = "rule-" + strconv.Itoa(s.nextID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.rules = append(s.rules, r)
	return r.ID, nil
}

func (s *RuleStore) List(_ context.Context, userID string, activeOnly bool, limit int) ([]memory.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []memory.Rule
	for i := len(s.rules) - 1; i >= 0; i-- {
		r := s.rules[i]
		if r.UserID != userID {
			continue
		}
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *RuleStore) Deactivate(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].UserID == userID && s.rules[i].ID == id {
			s.rules[i].Active = false
			return nil
		}
	}
	return nil
}
