// Package search provides the web-search adapter. Queries run through the
// recency policy before they reach the upstream chat-completions search API,
// and results are cached for a short TTL.
//
// A failed upstream call never fails the caller: the adapter degrades to an
// explanatory text result so the dialog can continue.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/policy"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
)

const (
	defaultBaseURL     = "https://api.perplexity.ai"
	defaultModel       = "sonar"
	defaultMaxResults  = 5
	defaultCacheTTL    = 30 * time.Minute
	defaultRatePerMin  = 20
	defaultRecencyDays = 7

	callTimeout = 30 * time.Second

	systemPrompt = "Ты — помощник по поиску информации. " +
		"Отвечай кратко, по делу, на русском языке. " +
		"Всегда указывай источники."
)

// Request describes one search call.
type Request struct {
	// Query is the free-text search query.
	Query string

	// RecencyDays is the caller's requested freshness window in days. Zero
	// lets the policy pick. The policy may clamp or discard the request.
	RecencyDays int

	// Category pre-selects the policy category. Empty triggers keyword
	// classification.
	Category policy.Category

	// OverrideReason justifies widening a recommended window. Ignored for
	// mandatory and forbidden categories.
	OverrideReason string

	// MaxResults caps returned sources. Zero means the default of 5.
	MaxResults int

	// BypassCache forces a fresh upstream call.
	BypassCache bool
}

// Result is one search outcome. Degraded results carry an explanatory answer
// instead of upstream content.
type Result struct {
	Answer   string                 `json:"answer"`
	Sources  []string               `json:"sources"`
	Category policy.Category        `json:"category"`
	Recency  string                 `json:"recency,omitempty"`
	Policy   policy.RecencyDecision `json:"policy"`
	Cached   bool                   `json:"cached,omitempty"`
	Degraded bool                   `json:"degraded,omitempty"`
}

// CacheStats reports cache effectiveness for diagnostics endpoints.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithClock overrides the time source used for cache expiry. For tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client performs policy-governed web searches. Safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	model   string

	ratePerMinute int
	cacheTTL      time.Duration

	http   *http.Client
	log    *slog.Logger
	limits *ratelimit.Manager
	now    func() time.Time

	mu     sync.Mutex
	cache  map[string]cacheEntry
	hits   int64
	misses int64
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// New creates a search client. limits is shared with the other adapters so
// all upstream budgets live in one registry.
func New(cfg config.SearchConfig, limits *ratelimit.Manager, opts ...Option) *Client {
	c := &Client{
		apiKey:        cfg.APIKey,
		baseURL:       defaultBaseURL,
		model:         defaultModel,
		ratePerMinute: defaultRatePerMin,
		cacheTTL:      defaultCacheTTL,
		http:          &http.Client{},
		log:           slog.Default(),
		limits:        limits,
		now:           time.Now,
		cache:         make(map[string]cacheEntry),
	}
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model != "" {
		c.model = cfg.Model
	}
	if cfg.RatePerMinute > 0 {
		c.ratePerMinute = cfg.RatePerMinute
	}
	if cfg.CacheTTLMinutes > 0 {
		c.cacheTTL = time.Duration(cfg.CacheTTLMinutes) * time.Minute
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// recencyFilter maps a day window to the upstream filter buckets. Zero days
// means no filter.
func recencyFilter(days int) string {
	switch {
	case days <= 0:
		return ""
	case days <= 1:
		return "day"
	case days <= 7:
		return "week"
	case days <= 30:
		return "month"
	case days <= 365:
		return "year"
	default:
		return ""
	}
}

// Search runs one policy-governed query. The returned result is never nil;
// rate limiting and upstream failures produce a degraded explanatory result.
func (c *Client) Search(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	category := req.Category
	if category == "" {
		category = policy.Classify(query)
	}

	decision := policy.Enforce(category, req.RecencyDays)
	if req.OverrideReason != "" && req.RecencyDays > 0 &&
		policy.ValidateOverride(category, req.RecencyDays, req.OverrideReason) {
		decision.RecencyDays = req.RecencyDays
		decision.OverrideApplied = true
		decision.OverrideReason = req.OverrideReason
	}
	filter := recencyFilter(decision.RecencyDays)

	key := fmt.Sprintf("%s|%s|%s|%d", query, category, filter, maxResults)
	if !req.BypassCache {
		if cached, ok := c.cacheGet(key); ok {
			cached.Cached = true
			return &cached, nil
		}
	}

	if err := c.limits.Allow("search", c.ratePerMinute, ""); err != nil {
		var limited *ratelimit.ErrLimited
		if errors.As(err, &limited) {
			c.log.WarnContext(ctx, "search rate limit reached",
				slog.Duration("wait", limited.Wait))
			return &Result{
				Answer: fmt.Sprintf("Слишком много поисковых запросов. Попробуйте через %d сек.",
					int(limited.Wait.Seconds())+1),
				Sources:  []string{},
				Category: category,
				Recency:  filter,
				Policy:   decision,
				Degraded: true,
			}, nil
		}
		return nil, err
	}

	c.log.InfoContext(ctx, "performing web search",
		slog.String("category", string(category)),
		slog.String("recency", filter))

	result, err := c.callUpstream(ctx, query, filter, maxResults)
	if err != nil {
		c.log.ErrorContext(ctx, "web search failed", slog.Any("error", err))
		return &Result{
			Answer:   "Не удалось выполнить поиск. Попробуйте позже.",
			Sources:  []string{},
			Category: category,
			Recency:  filter,
			Policy:   decision,
			Degraded: true,
		}, nil
	}

	result.Category = category
	result.Recency = filter
	result.Policy = decision
	c.cachePut(key, *result)
	return result, nil
}

// ── Upstream call ──────────────────────────────────────────────────────────────

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens"`
	Temperature         float64       `json:"temperature"`
	TopP                float64       `json:"top_p"`
	ReturnCitations     bool          `json:"return_citations"`
	ReturnImages        bool          `json:"return_images"`
	SearchRecencyFilter string        `json:"search_recency_filter,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

func (c *Client) callUpstream(ctx context.Context, query, filter string, maxResults int) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: query},
		},
		MaxTokens:           1000,
		Temperature:         0.2,
		TopP:                0.9,
		ReturnCitations:     true,
		SearchRecencyFilter: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: upstream call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search: upstream status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return &Result{Answer: "Информация не найдена.", Sources: []string{}}, nil
	}

	sources := parsed.Citations
	if len(sources) > maxResults {
		sources = sources[:maxResults]
	}
	if sources == nil {
		sources = []string{}
	}
	return &Result{
		Answer:  parsed.Choices[0].Message.Content,
		Sources: sources,
	}, nil
}

// ── Cache ──────────────────────────────────────────────────────────────────────

func (c *Client) cacheGet(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || c.now().After(e.expires) {
		if ok {
			delete(c.cache, key)
		}
		c.misses++
		return Result{}, false
	}
	c.hits++
	return e.result, true
}

func (c *Client) cachePut(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{result: r, expires: c.now().Add(c.cacheTTL)}
}

// Stats returns cache effectiveness counters.
func (c *Client) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.cache), Hits: c.hits, Misses: c.misses}
}
