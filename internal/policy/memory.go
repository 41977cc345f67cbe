package policy

import (
	"strings"
	"time"
)

// MemoryKind classifies what a memory entry is about.
type MemoryKind string

const (
	KindConversation MemoryKind = "conversation"
	KindPreference   MemoryKind = "preference"
	KindRule         MemoryKind = "rule"
	KindFact         MemoryKind = "fact"
	KindAction       MemoryKind = "action"
	KindError        MemoryKind = "error"
)

// IsValid reports whether k is a recognised memory kind.
func (k MemoryKind) IsValid() bool {
	switch k {
	case KindConversation, KindPreference, KindRule, KindFact, KindAction, KindError:
		return true
	}
	return false
}

// Importance orders memory entries for retention and retrieval.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceMedium   Importance = "medium"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// importanceRank orders importance levels: low < medium < high < critical.
var importanceRank = map[Importance]int{
	ImportanceLow:      0,
	ImportanceMedium:   1,
	ImportanceHigh:     2,
	ImportanceCritical: 3,
}

// Rank returns the ordering rank of i; unknown values rank lowest.
func (i Importance) Rank() int {
	return importanceRank[i]
}

// AtLeast reports whether i is at least as important as min.
func (i Importance) AtLeast(min Importance) bool {
	return i.Rank() >= min.Rank()
}

// Retention maps importance to a lifetime. Zero duration means the entry
// never expires.
func Retention(i Importance) time.Duration {
	switch i {
	case ImportanceLow:
		return 24 * time.Hour
	case ImportanceMedium:
		return 7 * 24 * time.Hour
	case ImportanceHigh:
		return 30 * 24 * time.Hour
	default: // critical and unknown
		return 0
	}
}

// ExpiresAt derives the expiry instant for an entry saved at now. Critical
// entries never expire and return nil.
func ExpiresAt(i Importance, now time.Time) *time.Time {
	ttl := Retention(i)
	if ttl == 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

// shortAcks are contentless acknowledgements that are never worth saving.
var shortAcks = []string{"ok", "да", "нет", "yes", "no", "хорошо", "понял"}

// minConversationLen is the length below which plain conversation turns are
// not persisted.
const minConversationLen = 20

// ShouldSave decides whether content is worth persisting at all.
// System-role messages and trivial content are filtered; rules, preferences,
// actions, and facts always pass once non-trivial.
func ShouldSave(role, content string, kind MemoryKind) bool {
	trimmed := strings.TrimSpace(content)
	if len([]rune(trimmed)) < 3 {
		return false
	}
	if role == "system" {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, ack := range shortAcks {
		if lower == ack {
			return false
		}
	}
	switch kind {
	case KindRule, KindPreference, KindAction, KindFact:
		return true
	default:
		return len([]rune(trimmed)) >= minConversationLen
	}
}

// emphaticMarkers promote content to high importance when present.
// Localization data: Russian and English.
var emphaticMarkers = []string{
	"важно", "запомни", "всегда", "никогда", "обязательно",
	"important", "remember", "always", "never", "must",
}

// DetermineImportance assigns an importance level from the kind and content.
func DetermineImportance(content string, kind MemoryKind) Importance {
	switch kind {
	case KindRule, KindPreference:
		return ImportanceCritical
	case KindAction, KindFact:
		return ImportanceHigh
	case KindError:
		return ImportanceMedium
	}

	lower := strings.ToLower(content)
	for _, marker := range emphaticMarkers {
		if strings.Contains(lower, marker) {
			return ImportanceHigh
		}
	}
	if len([]rune(content)) > 100 {
		return ImportanceMedium
	}
	return ImportanceLow
}

// kindMarkers maps content keywords to memory kinds for classification of
// free text that arrives without an explicit kind.
var kindMarkers = []struct {
	kind     MemoryKind
	keywords []string
}{
	{KindRule, []string{"всегда", "никогда", "правило", "always", "never", "rule"}},
	{KindPreference, []string{"предпочитаю", "нравится", "не люблю", "prefer", "like", "favorite"}},
	{KindAction, []string{"включи", "выключи", "сделай", "turn on", "turn off", "set"}},
	{KindFact, []string{"запомни что", "факт", "remember that", "fact"}},
}

// ClassifyContent infers a memory kind from free text. Unmatched content is a
// plain conversation turn.
func ClassifyContent(content string) MemoryKind {
	lower := strings.ToLower(content)
	for _, m := range kindMarkers {
		for _, kw := range m.keywords {
			if strings.Contains(lower, kw) {
				return m.kind
			}
		}
	}
	return KindConversation
}

// LongTermEligible reports whether an entry of the given importance belongs
// in the semantic tier. The recent tier accepts everything.
func LongTermEligible(i Importance) bool {
	return i.AtLeast(ImportanceMedium)
}
