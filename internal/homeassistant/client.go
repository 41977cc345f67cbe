// Package homeassistant provides the REST adapter for the home-automation
// backend. It exposes entity state reads, guarded service calls, and a
// combined context snapshot grouped by domain and area.
//
// Service execution is gated by an allow-list of "domain.service" patterns
// with wildcard support. Calls outside the allow-list fail with
// [PermissionError] before any request leaves the process.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/domovoy-ai/domovoy/internal/config"
)

// callTimeout bounds every single backend request.
const callTimeout = 30 * time.Second

// PermissionError reports a service call rejected by the allow-list.
type PermissionError struct {
	// Service is the rejected "domain.service" pair.
	Service string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("homeassistant: service %s is not allowed", e.Service)
}

// State is one entity state row from the backend.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// Domain returns the entity domain ("light" for "light.kitchen"). Entities
// without a dot fall into "unknown".
func (s State) Domain() string {
	if i := strings.IndexByte(s.EntityID, '.'); i > 0 {
		return s.EntityID[:i]
	}
	return "unknown"
}

// AreaID returns the area attribute, or empty when the entity has none.
func (s State) AreaID() string {
	if v, ok := s.Attributes["area_id"].(string); ok {
		return v
	}
	return ""
}

// Area is one registered area.
type Area struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Context is a full backend snapshot used to ground planning.
type Context struct {
	Config           map[string]any     `json:"config"`
	Areas            []Area             `json:"areas"`
	Devices          []map[string]any   `json:"devices"`
	States           []State            `json:"states"`
	EntitiesByDomain map[string][]State `json:"entities_by_domain"`
	EntitiesByArea   map[string][]State `json:"entities_by_area"`
	TotalEntities    int                `json:"total_entities"`
}

// AutomationDraft is the result of a draft automation request. The
// configuration is returned for review rather than written to the backend.
type AutomationDraft struct {
	Automation map[string]any `json:"automation"`
	Message    string         `json:"message"`
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

// Client talks to the home-automation backend's REST API. Safe for concurrent
// use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger

	allowed []*regexp.Regexp
	confirm []*regexp.Regexp

	cacheTTL time.Duration
	now      func() time.Time
	flight   singleflight.Group

	cacheMu  sync.Mutex
	cached   *Context
	cachedAt time.Time
}

// New creates a client from configuration. Wildcard patterns in
// AllowedServices and RequireConfirmationServices are compiled once here;
// a malformed pattern is a configuration error.
func New(cfg config.HomeAssistantConfig, opts ...Option) (*Client, error) {
	allowed, err := compilePatterns(cfg.AllowedServices)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: allowed_services: %w", err)
	}
	confirm, err := compilePatterns(cfg.RequireConfirmationServices)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: require_confirmation_services: %w", err)
	}

	c := &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		http:     &http.Client{},
		log:      slog.Default(),
		allowed:  allowed,
		confirm:  confirm,
		cacheTTL: time.Duration(cfg.ContextCacheTTLSeconds) * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// compilePatterns turns "domain.service" wildcard patterns into anchored
// regexps. "light.*" matches every service in the light domain.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		expr := strings.ReplaceAll(p, ".", `\.`)
		expr = strings.ReplaceAll(expr, "*", ".*")
		re, err := regexp.Compile("^" + expr + "$")
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, service string) bool {
	for _, re := range patterns {
		if re.MatchString(service) {
			return true
		}
	}
	return false
}

// ServiceAllowed reports whether the allow-list admits the "domain.service"
// pair.
func (c *Client) ServiceAllowed(service string) bool {
	return matchAny(c.allowed, service)
}

// NeedsConfirmation reports whether the service requires explicit user
// confirmation before execution.
func (c *Client) NeedsConfirmation(service string) bool {
	return matchAny(c.confirm, service)
}

// ── Requests ───────────────────────────────────────────────────────────────────

// request performs one API call and decodes the JSON response into out when
// out is non-nil.
func (c *Client) request(ctx context.Context, method, endpoint string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("homeassistant: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.baseURL + "/api/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("homeassistant: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("homeassistant: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("homeassistant: %s %s: status %d: %s",
			method, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("homeassistant: decode %s response: %w", endpoint, err)
	}
	return nil
}

// Ping verifies the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, http.MethodGet, "", nil, nil)
}

// GetStates returns entity states. With a non-empty entityID only that
// entity is fetched.
func (c *Client) GetStates(ctx context.Context, entityID string) ([]State, error) {
	if entityID != "" {
		var s State
		if err := c.request(ctx, http.MethodGet, "states/"+entityID, nil, &s); err != nil {
			return nil, err
		}
		return []State{s}, nil
	}
	var states []State
	if err := c.request(ctx, http.MethodGet, "states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetConfig returns the backend configuration document.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	var cfg map[string]any
	if err := c.request(ctx, http.MethodGet, "config", nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CallService executes "domain.service" with the given service data and
// target, returning the affected entity states. The allow-list is checked
// before any request is made.
func (c *Client) CallService(ctx context.Context, domain, service string, data, target map[string]any) ([]State, error) {
	pair := domain + "." + service
	if !c.ServiceAllowed(pair) {
		return nil, &PermissionError{Service: pair}
	}

	payload := make(map[string]any, len(data)+len(target))
	for k, v := range data {
		payload[k] = v
	}
	for k, v := range target {
		payload[k] = v
	}

	c.log.InfoContext(ctx, "calling service",
		slog.String("domain", domain),
		slog.String("service", service))

	var states []State
	if err := c.request(ctx, http.MethodPost, "services/"+domain+"/"+service, payload, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetContext returns the full backend snapshot, reused within the configured
// TTL. Concurrent refreshes share one upstream fetch.
func (c *Client) GetContext(ctx context.Context) (*Context, error) {
	if c.cacheTTL <= 0 {
		return c.fetchContext(ctx)
	}

	c.cacheMu.Lock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < c.cacheTTL {
		snapshot := c.cached
		c.cacheMu.Unlock()
		return snapshot, nil
	}
	c.cacheMu.Unlock()

	v, err, _ := c.flight.Do("context", func() (any, error) {
		snapshot, err := c.fetchContext(ctx)
		if err != nil {
			return nil, err
		}
		c.cacheMu.Lock()
		c.cached = snapshot
		c.cachedAt = c.now()
		c.cacheMu.Unlock()
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// fetchContext assembles the snapshot. States are mandatory; config, areas,
// and devices degrade to empty values on failure so planning can proceed with
// partial information.
func (c *Client) fetchContext(ctx context.Context) (*Context, error) {
	states, err := c.GetStates(ctx, "")
	if err != nil {
		return nil, err
	}

	cfg, err := c.GetConfig(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "config fetch failed, continuing without", slog.Any("error", err))
		cfg = map[string]any{}
	}

	var areas []Area
	if err := c.request(ctx, http.MethodGet, "areas", nil, &areas); err != nil {
		c.log.WarnContext(ctx, "areas fetch failed, continuing without", slog.Any("error", err))
		areas = []Area{}
	}

	var devices []map[string]any
	if err := c.request(ctx, http.MethodGet, "devices", nil, &devices); err != nil {
		c.log.WarnContext(ctx, "devices fetch failed, continuing without", slog.Any("error", err))
		devices = []map[string]any{}
	}

	byDomain := make(map[string][]State)
	byArea := make(map[string][]State)
	for _, s := range states {
		byDomain[s.Domain()] = append(byDomain[s.Domain()], s)
		if area := s.AreaID(); area != "" {
			byArea[area] = append(byArea[area], s)
		}
	}

	snapshot := &Context{
		Config:           cfg,
		Areas:            areas,
		Devices:          devices,
		States:           states,
		EntitiesByDomain: byDomain,
		EntitiesByArea:   byArea,
		TotalEntities:    len(states),
	}

	c.log.InfoContext(ctx, "context retrieved",
		slog.Int("total_entities", len(states)),
		slog.Int("domains", len(byDomain)),
		slog.Int("areas", len(areas)))

	return snapshot, nil
}

// EntitiesInArea returns the states of all entities assigned to the area.
func (c *Client) EntitiesInArea(ctx context.Context, areaID string) ([]State, error) {
	states, err := c.GetStates(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []State
	for _, s := range states {
		if s.AreaID() == areaID {
			out = append(out, s)
		}
	}
	return out, nil
}

// FindUserLocation scans person and device_tracker entities for the user's
// current location. Returns empty when nobody is home or the scan fails;
// location is advisory, not authoritative.
func (c *Client) FindUserLocation(ctx context.Context, userID string) string {
	states, err := c.GetStates(ctx, "")
	if err != nil {
		c.log.WarnContext(ctx, "location scan failed",
			slog.String("user_id", userID), slog.Any("error", err))
		return ""
	}
	for _, s := range states {
		if !strings.HasPrefix(s.EntityID, "person.") && !strings.HasPrefix(s.EntityID, "device_tracker.") {
			continue
		}
		if s.State != "" && s.State != "not_home" {
			return s.State
		}
	}
	return ""
}

// CreateAutomation returns a draft for the given automation configuration.
// The draft is not written to the backend; it is surfaced to the user for
// review.
func (c *Client) CreateAutomation(ctx context.Context, automation map[string]any) (*AutomationDraft, error) {
	if len(automation) == 0 {
		return nil, fmt.Errorf("homeassistant: create automation: empty configuration")
	}
	c.log.InfoContext(ctx, "automation draft generated")
	return &AutomationDraft{
		Automation: automation,
		Message:    "Automation configuration generated. Manual review recommended.",
	}, nil
}
