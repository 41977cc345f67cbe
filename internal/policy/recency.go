// Package policy implements the two enforcement layers of the assistant:
// the recency policy gating web-search freshness windows, and the memory
// policy deciding what gets persisted, how important it is, and for how long.
package policy

import "strings"

// Category classifies a search query for recency enforcement.
type Category string

const (
	CategoryNews       Category = "news"
	CategoryTechNews   Category = "tech_news"
	CategoryWeather    Category = "weather"
	CategoryTransport  Category = "transport"
	CategoryStocks     Category = "stocks"
	CategorySports     Category = "sports"
	CategoryTechDocs   Category = "tech_docs"
	CategoryTutorials  Category = "tutorials"
	CategoryShopping   Category = "shopping"
	CategoryHistorical Category = "historical"
	CategoryGeneral    Category = "general"
)

// Requirement states how strictly a category's freshness window is enforced.
type Requirement string

const (
	// RequirementMandatory windows are clamped; the caller's request cannot widen them.
	RequirementMandatory Requirement = "mandatory"

	// RequirementRecommended windows are suggested but overridable with a justification.
	RequirementRecommended Requirement = "recommended"

	// RequirementOptional windows are taken from the caller verbatim.
	RequirementOptional Requirement = "optional"

	// RequirementForbidden categories must not carry a freshness filter at all.
	RequirementForbidden Requirement = "forbidden"
)

// RecencyRule is one row of the policy table.
type RecencyRule struct {
	Requirement   Requirement
	MaxDays       int // 0 means no bound
	PreferredDays int // 0 means no preference
	Reason        string
}

// recencyTable is the fixed policy. It is not configurable: the point of the
// policy is that an LLM suggestion cannot widen a mandatory window.
var recencyTable = map[Category]RecencyRule{
	CategoryNews:       {RequirementMandatory, 7, 1, "news older than a week is stale"},
	CategoryTechNews:   {RequirementMandatory, 7, 3, "tech news cycles fast"},
	CategoryWeather:    {RequirementMandatory, 1, 1, "weather is only valid today"},
	CategoryTransport:  {RequirementMandatory, 1, 1, "schedules and disruptions change daily"},
	CategoryStocks:     {RequirementMandatory, 1, 1, "quotes are only valid today"},
	CategorySports:     {RequirementMandatory, 7, 1, "scores and fixtures age within a week"},
	CategoryTechDocs:   {RequirementRecommended, 180, 30, "documentation changes with releases"},
	CategoryTutorials:  {RequirementRecommended, 365, 90, "tutorials stay useful for months"},
	CategoryShopping:   {RequirementRecommended, 30, 7, "prices and availability drift"},
	CategoryHistorical: {RequirementForbidden, 0, 0, "historical facts must not be recency-filtered"},
	CategoryGeneral:    {RequirementRecommended, 30, 7, "default window for uncategorised queries"},
}

// Rule returns the policy row for category. Unknown categories fall back to
// the general rule.
func Rule(category Category) RecencyRule {
	if r, ok := recencyTable[category]; ok {
		return r
	}
	return recencyTable[CategoryGeneral]
}

// RecencyDecision is the outcome of enforcing the policy for one search call.
type RecencyDecision struct {
	Category    Category
	Requirement Requirement

	// RecencyDays is the freshness window to apply upstream. 0 means no filter.
	RecencyDays int

	// Enforced is true when the policy changed the caller's request.
	Enforced bool

	// Reason explains the rule applied.
	Reason string

	// OverrideApplied and OverrideReason record an accepted caller override.
	OverrideApplied bool
	OverrideReason  string
}

// Enforce applies the recency policy. requestedDays of 0 means the caller did
// not ask for a window.
func Enforce(category Category, requestedDays int) RecencyDecision {
	rule := Rule(category)
	d := RecencyDecision{
		Category:    category,
		Requirement: rule.Requirement,
		Reason:      rule.Reason,
	}

	switch rule.Requirement {
	case RequirementMandatory:
		switch {
		case requestedDays > 0 && requestedDays <= rule.MaxDays:
			d.RecencyDays = requestedDays
		default:
			d.RecencyDays = rule.PreferredDays
			d.Enforced = requestedDays != rule.PreferredDays
		}
	case RequirementForbidden:
		d.RecencyDays = 0
		d.Enforced = requestedDays != 0
	case RequirementRecommended:
		if requestedDays > 0 {
			d.RecencyDays = requestedDays
		} else {
			d.RecencyDays = rule.PreferredDays
		}
	case RequirementOptional:
		d.RecencyDays = requestedDays
	}
	return d
}

// minOverrideReasonLen is the minimum justification length for an accepted
// override of a recommended window.
const minOverrideReasonLen = 20

// ValidateOverride reports whether a caller-suggested window may replace the
// policy's choice. Mandatory and forbidden categories are non-negotiable;
// recommended ones need a substantive reason; optional ones always pass.
func ValidateOverride(category Category, days int, reason string) bool {
	switch Rule(category).Requirement {
	case RequirementMandatory, RequirementForbidden:
		return false
	case RequirementRecommended:
		return len(strings.TrimSpace(reason)) >= minOverrideReasonLen
	default:
		return true
	}
}

// categoryKeywords maps each category to its trigger keywords. The lists are
// localization data, not logic: extend per deployment. Russian and English
// terms are matched case-insensitively as substrings.
var categoryKeywords = map[Category][]string{
	CategoryNews: {
		"новости", "news", "сегодня", "вчера", "today", "yesterday",
		"случилось", "happened", "события", "events", "произошло",
	},
	CategoryTechNews: {
		"релиз", "release", "вышла", "вышел", "announced", "анонс",
		"обновление", "update", "версия", "version",
	},
	CategoryWeather: {
		"погода", "weather", "дождь", "rain", "температура", "temperature",
		"прогноз", "forecast", "снег", "snow",
	},
	CategoryTransport: {
		"расписание", "schedule", "автобус", "bus", "поезд", "train",
		"пробки", "traffic", "рейс", "flight",
	},
	CategoryStocks: {
		"акции", "stocks", "курс", "rate", "биржа", "exchange",
		"доллар", "dollar", "евро", "euro", "биткоин", "bitcoin",
	},
	CategorySports: {
		"матч", "match", "счет", "счёт", "score", "игра", "game",
		"турнир", "tournament", "чемпионат", "championship",
	},
	CategoryTechDocs: {
		"документация", "documentation", "docs", "api", "reference",
		"справочник", "спецификация", "specification",
	},
	CategoryTutorials: {
		"как сделать", "how to", "туториал", "tutorial", "гайд", "guide",
		"инструкция", "пример", "example",
	},
	CategoryShopping: {
		"купить", "buy", "цена", "price", "стоимость", "cost",
		"магазин", "shop", "заказать", "order",
	},
	CategoryHistorical: {
		"история", "history", "когда был", "когда была", "when was",
		"основан", "founded", "изобрел", "изобрёл", "invented", "родился", "born",
	},
}

// classifierOrder fixes the evaluation order so overlapping keyword hits are
// resolved deterministically, most specific categories first.
var classifierOrder = []Category{
	CategoryWeather,
	CategoryTransport,
	CategoryStocks,
	CategorySports,
	CategoryHistorical,
	CategoryTechNews,
	CategoryNews,
	CategoryTechDocs,
	CategoryTutorials,
	CategoryShopping,
}

// Classify maps a free-text query to a search category by keyword matching.
// Queries that hit no list are classified as general. The planner never
// invents a category on its own; it always goes through this pre-classifier.
func Classify(query string) Category {
	q := strings.ToLower(query)
	for _, cat := range classifierOrder {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(q, kw) {
				return cat
			}
		}
	}
	return CategoryGeneral
}
