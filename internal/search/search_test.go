package search_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/policy"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/internal/search"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type upstream struct {
	srv      *httptest.Server
	requests atomic.Int64
	lastBody map[string]any
}

func startUpstream(t *testing.T, status int, answer string, citations []string) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.requests.Add(1)
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		u.lastBody = body

		if status != http.StatusOK {
			http.Error(w, "upstream down", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": answer}},
			},
			"citations": citations,
		})
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newClient(t *testing.T, u *upstream, ratePerMinute int) *search.Client {
	t.Helper()
	return search.New(config.SearchConfig{
		APIKey:        "pk-test",
		BaseURL:       u.srv.URL,
		Model:         "sonar",
		RatePerMinute: ratePerMinute,
	}, ratelimit.NewManager())
}

// ── Search ────────────────────────────────────────────────────────────────────

func TestSearch_AppliesMandatoryRecency(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusOK, "Сегодня солнечно, +22.", []string{"https://pogoda.example"})
	c := newClient(t, u, 10)

	// Weather is a mandatory one-day window; a wider request must be clamped.
	res, err := c.Search(context.Background(), search.Request{
		Query:       "какая погода в Москве",
		RecencyDays: 30,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if res.Category != policy.CategoryWeather {
		t.Errorf("Category = %q, want weather", res.Category)
	}
	if res.Recency != "day" {
		t.Errorf("Recency = %q, want day", res.Recency)
	}
	if !res.Policy.Enforced {
		t.Error("policy should report the clamp as enforced")
	}
	if u.lastBody["search_recency_filter"] != "day" {
		t.Errorf("upstream filter = %v, want day", u.lastBody["search_recency_filter"])
	}
	if res.Answer != "Сегодня солнечно, +22." {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestSearch_CapsSources(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusOK, "ответ",
		[]string{"a", "b", "c", "d", "e", "f", "g"})
	c := newClient(t, u, 10)

	res, err := c.Search(context.Background(), search.Request{
		Query:      "справочник по go",
		MaxResults: 3,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Sources) != 3 {
		t.Errorf("len(Sources) = %d, want 3", len(res.Sources))
	}
}

func TestSearch_CacheHitSkipsUpstream(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusOK, "кэшированный ответ", nil)
	c := newClient(t, u, 10)

	req := search.Request{Query: "как работает кэш"}
	first, err := c.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("first Search: %v", err)
	}
	if first.Cached {
		t.Error("first result should not be cached")
	}

	second, err := c.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if !second.Cached {
		t.Error("second result should come from cache")
	}
	if got := u.requests.Load(); got != 1 {
		t.Errorf("upstream saw %d requests, want 1", got)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Entries != 1 {
		t.Errorf("stats = %+v, want one hit and one entry", stats)
	}
}

func TestSearch_BypassCacheForcesCall(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusOK, "свежий ответ", nil)
	c := newClient(t, u, 10)

	req := search.Request{Query: "обход кэша"}
	if _, err := c.Search(context.Background(), req); err != nil {
		t.Fatalf("first Search: %v", err)
	}

	req.BypassCache = true
	res, err := c.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("bypass Search: %v", err)
	}
	if res.Cached {
		t.Error("bypassed result must not be served from cache")
	}
	if got := u.requests.Load(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2", got)
	}
}

func TestSearch_UpstreamFailureDegrades(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusInternalServerError, "", nil)
	c := newClient(t, u, 10)

	res, err := c.Search(context.Background(), search.Request{Query: "что-нибудь"})
	if err != nil {
		t.Fatalf("Search should degrade, not fail: %v", err)
	}
	if !res.Degraded {
		t.Error("result should be marked degraded")
	}
	if !strings.Contains(res.Answer, "Не удалось выполнить поиск") {
		t.Errorf("Answer = %q, want explanatory text", res.Answer)
	}
}

func TestSearch_RateLimitDegrades(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusOK, "ответ", nil)
	c := newClient(t, u, 1)

	if _, err := c.Search(context.Background(), search.Request{Query: "первый запрос"}); err != nil {
		t.Fatalf("first Search: %v", err)
	}

	res, err := c.Search(context.Background(), search.Request{Query: "второй запрос"})
	if err != nil {
		t.Fatalf("rate-limited Search should degrade, not fail: %v", err)
	}
	if !res.Degraded {
		t.Error("result should be marked degraded")
	}
	if !strings.Contains(res.Answer, "Слишком много") {
		t.Errorf("Answer = %q, want rate-limit explanation", res.Answer)
	}
	if got := u.requests.Load(); got != 1 {
		t.Errorf("upstream saw %d requests, want 1", got)
	}
}

func TestSearch_OverrideNeedsJustification(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusOK, "ответ", nil)
	c := newClient(t, u, 10)

	// Tutorials are a recommended window; a substantive reason widens it.
	res, err := c.Search(context.Background(), search.Request{
		Query:          "как сделать резервную копию",
		RecencyDays:    300,
		OverrideReason: "нужны проверенные временем инструкции для старой версии",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.Policy.OverrideApplied {
		t.Error("justified override on a recommended category should apply")
	}
	if res.Policy.RecencyDays != 300 {
		t.Errorf("RecencyDays = %d, want 300", res.Policy.RecencyDays)
	}

	// Weather is mandatory; the same override must be rejected.
	res, err = c.Search(context.Background(), search.Request{
		Query:          "погода завтра",
		RecencyDays:    300,
		OverrideReason: "нужны проверенные временем инструкции для старой версии",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Policy.OverrideApplied {
		t.Error("override on a mandatory category must be rejected")
	}
	if res.Recency != "day" {
		t.Errorf("Recency = %q, want day", res.Recency)
	}
}

func TestSearch_EmptyQueryFails(t *testing.T) {
	t.Parallel()

	u := startUpstream(t, http.StatusOK, "ответ", nil)
	c := newClient(t, u, 10)

	if _, err := c.Search(context.Background(), search.Request{Query: "   "}); err == nil {
		t.Fatal("empty query should fail")
	}
}
