// Package habr provides the Habr.com article search adapter. Articles come
// from the public RSS feed and are filtered locally by query text, tags,
// hubs, and publication window.
//
// The feed is rate limited and results are cached; article search is a
// low-stakes convenience feature and never needs fresh-to-the-second data.
package habr

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
)

const (
	defaultBaseURL    = "https://habr.com"
	defaultRatePerMin = 10
	defaultCacheTTL   = 60 * time.Minute
	defaultLimit      = 10

	callTimeout = 30 * time.Second

	userAgent = "Mozilla/5.0 (compatible; DomovoyBot/1.0)"
)

// Article is one search hit.
type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Author      string    `json:"author"`
	Views       int       `json:"views"`
	Summary     string    `json:"summary,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Query filters one search. All fields are optional; an empty query returns
// the newest feed entries.
type Query struct {
	// Text is matched case-insensitively against title and summary.
	Text string

	// Tags keeps only articles carrying at least one of these tags.
	Tags []string

	// Hubs keeps only articles from at least one of these hubs. The feed
	// reports hubs and tags in one category list, so both filters read it.
	Hubs []string

	// Days keeps only articles published within the last N days. Zero
	// disables the window.
	Days int

	// Limit caps results. Zero means the default of 10.
	Limit int
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

// WithClock overrides the time source for cache expiry and day windows.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client searches the article feed. Safe for concurrent use.
type Client struct {
	baseURL       string
	ratePerMinute int
	cacheTTL      time.Duration

	http   *http.Client
	log    *slog.Logger
	limits *ratelimit.Manager
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	articles []Article
	expires  time.Time
}

// New creates an article search client sharing the adapter-wide limiter
// registry.
func New(cfg config.HabrConfig, limits *ratelimit.Manager, opts ...Option) *Client {
	c := &Client{
		baseURL:       defaultBaseURL,
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

// Search returns feed articles matching q, newest first as the feed orders
// them. Rate-limit errors surface as [ratelimit.ErrLimited].
func (c *Client) Search(ctx context.Context, q Query) ([]Article, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	key := fmt.Sprintf("%s|%s|%s|%d|%d",
		strings.ToLower(q.Text), strings.Join(q.Tags, ","), strings.Join(q.Hubs, ","), q.Days, limit)
	if articles, ok := c.cacheGet(key); ok {
		return articles, nil
	}

	if err := c.limits.Allow("habr", c.ratePerMinute, ""); err != nil {
		return nil, err
	}

	feed, err := c.fetchFeed(ctx)
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if q.Days > 0 {
		cutoff = c.now().AddDate(0, 0, -q.Days)
	}

	articles := make([]Article, 0, limit)
	for _, item := range feed {
		if !cutoff.IsZero() && !item.PublishedAt.IsZero() && item.PublishedAt.Before(cutoff) {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(item.Tags, q.Tags) {
			continue
		}
		if len(q.Hubs) > 0 && !hasAnyTag(item.Tags, q.Hubs) {
			continue
		}
		if q.Text != "" && !matchesText(item, q.Text) {
			continue
		}
		articles = append(articles, item)
		if len(articles) >= limit {
			break
		}
	}

	c.log.InfoContext(ctx, "article search completed",
		slog.Int("results", len(articles)))

	c.cachePut(key, articles)
	return articles, nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func matchesText(a Article, text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(strings.ToLower(a.Title), t) ||
		strings.Contains(strings.ToLower(a.Summary), t)
}

// ── Feed fetching ──────────────────────────────────────────────────────────────

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Creator     string   `xml:"creator"`
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
	Views       int      `xml:"views"`
}

func (c *Client) fetchFeed(ctx context.Context) ([]Article, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ru/rss/all/", nil)
	if err != nil {
		return nil, fmt.Errorf("habr: new request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("habr: fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("habr: feed status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var feed rssFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("habr: parse feed: %w", err)
	}

	articles := make([]Article, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		tags := make([]string, 0, len(item.Categories))
		for _, cat := range item.Categories {
			tags = append(tags, strings.ToLower(strings.TrimSpace(cat)))
		}
		author := strings.TrimSpace(item.Creator)
		if author == "" {
			author = "Unknown"
		}
		articles = append(articles, Article{
			Title:       strings.TrimSpace(item.Title),
			URL:         item.Link,
			Author:      author,
			Views:       item.Views,
			Summary:     truncate(stripHTML(item.Description), 500),
			Tags:        tags,
			PublishedAt: parsePubDate(item.PubDate),
		})
	}
	return articles, nil
}

func parsePubDate(s string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// stripHTML removes tags from feed descriptions. Feed summaries carry simple
// markup only, so a linear scan is enough.
func stripHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// ── Cache ──────────────────────────────────────────────────────────────────────

func (c *Client) cacheGet(key string) ([]Article, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || c.now().After(e.expires) {
		if ok {
			delete(c.cache, key)
		}
		return nil, false
	}
	return e.articles, true
}

func (c *Client) cachePut(key string, articles []Article) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{articles: articles, expires: c.now().Add(c.cacheTTL)}
}

// ── Formatting ─────────────────────────────────────────────────────────────────

// FormatForVoice renders a short spoken summary of the top articles.
func FormatForVoice(articles []Article, max int) string {
	if len(articles) == 0 {
		return "К сожалению, статьи по вашему запросу не найдены."
	}
	if max > len(articles) {
		max = len(articles)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Найдено статей: %d. Вот топ %d:", len(articles), max)
	for i, a := range articles[:max] {
		fmt.Fprintf(&b, "\n%d. %s", i+1, a.Title)
		if a.Views > 0 {
			fmt.Fprintf(&b, ", просмотров: %d", a.Views)
		}
	}
	return b.String()
}

// FormatForTelegram renders a Markdown article list with links and dates.
func FormatForTelegram(articles []Article, max int) string {
	if len(articles) == 0 {
		return "Статьи не найдены."
	}
	if max > len(articles) {
		max = len(articles)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Найдено статей на Хабре: %d*", len(articles))
	for i, a := range articles[:max] {
		fmt.Fprintf(&b, "\n\n%d. [%s](%s)", i+1, a.Title, a.URL)
		if !a.PublishedAt.IsZero() {
			fmt.Fprintf(&b, " _%s_", a.PublishedAt.Format("02.01.2006"))
		}
		if len(a.Tags) > 0 {
			tags := a.Tags
			if len(tags) > 3 {
				tags = tags[:3]
			}
			fmt.Fprintf(&b, "\n   %s", strings.Join(tags, ", "))
		}
	}
	return b.String()
}
