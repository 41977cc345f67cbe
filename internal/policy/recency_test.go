package policy_test

import (
	"strings"
	"testing"

	"github.com/domovoy-ai/domovoy/internal/policy"
)

func TestEnforce_MandatoryClampsToPreferred(t *testing.T) {
	t.Parallel()
	d := policy.Enforce(policy.CategoryNews, 365)
	if d.RecencyDays != 1 {
		t.Errorf("RecencyDays = %d, want preferred 1", d.RecencyDays)
	}
	if !d.Enforced {
		t.Error("expected Enforced for out-of-range request")
	}
}

func TestEnforce_MandatoryAcceptsInRange(t *testing.T) {
	t.Parallel()
	d := policy.Enforce(policy.CategoryNews, 3)
	if d.RecencyDays != 3 {
		t.Errorf("RecencyDays = %d, want 3", d.RecencyDays)
	}
	if d.Enforced {
		t.Error("in-range request should not be marked enforced")
	}
}

func TestEnforce_MandatoryDefaultsWhenUnrequested(t *testing.T) {
	t.Parallel()
	d := policy.Enforce(policy.CategoryWeather, 0)
	if d.RecencyDays != 1 {
		t.Errorf("RecencyDays = %d, want 1", d.RecencyDays)
	}
	if !d.Enforced {
		t.Error("a mandatory window applied to an unfiltered request is enforced")
	}
}

func TestEnforce_ForbiddenStripsFilter(t *testing.T) {
	t.Parallel()
	d := policy.Enforce(policy.CategoryHistorical, 7)
	if d.RecencyDays != 0 {
		t.Errorf("RecencyDays = %d, want 0", d.RecencyDays)
	}
	if !d.Enforced {
		t.Error("stripping a requested filter is enforcement")
	}

	d = policy.Enforce(policy.CategoryHistorical, 0)
	if d.Enforced {
		t.Error("no request, no filter: nothing was enforced")
	}
}

func TestEnforce_RecommendedTakesRequestOrPreferred(t *testing.T) {
	t.Parallel()
	if d := policy.Enforce(policy.CategoryTutorials, 730); d.RecencyDays != 730 {
		t.Errorf("RecencyDays = %d, want caller's 730", d.RecencyDays)
	}
	if d := policy.Enforce(policy.CategoryTutorials, 0); d.RecencyDays != 90 {
		t.Errorf("RecencyDays = %d, want preferred 90", d.RecencyDays)
	}
}

func TestValidateOverride(t *testing.T) {
	t.Parallel()
	longReason := strings.Repeat("release cadence changed ", 2)

	cases := []struct {
		name     string
		category policy.Category
		days     int
		reason   string
		want     bool
	}{
		{"mandatory never", policy.CategoryNews, 365, longReason, false},
		{"forbidden never", policy.CategoryHistorical, 7, longReason, false},
		{"recommended short reason", policy.CategoryTutorials, 730, "because", false},
		{"recommended long reason", policy.CategoryTutorials, 730, longReason, true},
		{"recommended whitespace reason", policy.CategoryShopping, 60, "                        ", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := policy.ValidateOverride(tc.category, tc.days, tc.reason); got != tc.want {
				t.Errorf("ValidateOverride(%s) = %v, want %v", tc.category, got, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		query string
		want  policy.Category
	}{
		{"новости про AI сегодня", policy.CategoryNews},
		{"what happened yesterday", policy.CategoryNews},
		{"какая погода в Москве", policy.CategoryWeather},
		{"курс доллара", policy.CategoryStocks},
		{"расписание автобуса 12", policy.CategoryTransport},
		{"счёт матча", policy.CategorySports},
		{"когда был основан Рим", policy.CategoryHistorical},
		{"how to configure pgvector", policy.CategoryTutorials},
		{"купить робот-пылесос", policy.CategoryShopping},
		{"go net/http api reference", policy.CategoryTechDocs},
		{"расскажи что-нибудь интересное", policy.CategoryGeneral},
	}
	for _, tc := range cases {
		if got := policy.Classify(tc.query); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.query, got, tc.want)
		}
	}
}

func TestRule_UnknownCategoryFallsBack(t *testing.T) {
	t.Parallel()
	r := policy.Rule(policy.Category("nonsense"))
	if r.Requirement != policy.RequirementRecommended {
		t.Errorf("unknown category should use the general rule, got %s", r.Requirement)
	}
}
