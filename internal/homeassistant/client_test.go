package homeassistant_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/homeassistant"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testConfig(url string) config.HomeAssistantConfig {
	return config.HomeAssistantConfig{
		URL:   url,
		Token: "test-token",
		AllowedServices: []string{
			"light.*",
			"switch.turn_on",
			"climate.set_temperature",
		},
		RequireConfirmationServices: []string{
			"lock.*",
			"alarm_control_panel.*",
		},
	}
}

func newTestClient(t *testing.T, handler http.Handler) *homeassistant.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := homeassistant.New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

var sampleStates = []map[string]any{
	{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]any{"area_id": "kitchen"}},
	{"entity_id": "light.bedroom", "state": "off", "attributes": map[string]any{"area_id": "bedroom"}},
	{"entity_id": "sensor.temp", "state": "21.5", "attributes": map[string]any{"area_id": "kitchen"}},
	{"entity_id": "person.ivan", "state": "home", "attributes": map[string]any{}},
}

// ── Allow-list ────────────────────────────────────────────────────────────────

func TestServiceAllowed_Wildcards(t *testing.T) {
	t.Parallel()

	c, err := homeassistant.New(testConfig("http://ha.local:8123"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		service string
		want    bool
	}{
		{"light.turn_on", true},
		{"light.turn_off", true},
		{"switch.turn_on", true},
		{"switch.turn_off", false},
		{"climate.set_temperature", true},
		{"lock.unlock", false},
		{"lightx.turn_on", false},
		{"light_extra.turn_on", false},
	}

	for _, tc := range tests {
		t.Run(tc.service, func(t *testing.T) {
			t.Parallel()
			if got := c.ServiceAllowed(tc.service); got != tc.want {
				t.Errorf("ServiceAllowed(%q) = %v, want %v", tc.service, got, tc.want)
			}
		})
	}
}

func TestNeedsConfirmation(t *testing.T) {
	t.Parallel()

	c, err := homeassistant.New(testConfig("http://ha.local:8123"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !c.NeedsConfirmation("lock.unlock") {
		t.Error("lock.unlock should need confirmation")
	}
	if !c.NeedsConfirmation("alarm_control_panel.alarm_disarm") {
		t.Error("alarm_control_panel.alarm_disarm should need confirmation")
	}
	if c.NeedsConfirmation("light.turn_on") {
		t.Error("light.turn_on should not need confirmation")
	}
}

// ── Service calls ─────────────────────────────────────────────────────────────

func TestCallService_SendsAuthAndPayload(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody map[string]any

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/services/light/turn_on" {
			t.Errorf("path = %q, want /api/services/light/turn_on", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(t, w, []map[string]any{
			{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]any{}},
		})
	}))

	states, err := c.CallService(context.Background(), "light", "turn_on",
		map[string]any{"brightness": 200},
		map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotBody["brightness"] != float64(200) {
		t.Errorf("brightness = %v, want 200", gotBody["brightness"])
	}
	if gotBody["entity_id"] != "light.kitchen" {
		t.Errorf("entity_id = %v, want light.kitchen", gotBody["entity_id"])
	}
	if len(states) != 1 || states[0].EntityID != "light.kitchen" {
		t.Errorf("states = %v, want one light.kitchen", states)
	}
}

func TestCallService_DeniedBeforeRequest(t *testing.T) {
	t.Parallel()

	requests := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))

	_, err := c.CallService(context.Background(), "lock", "unlock", nil, nil)
	if err == nil {
		t.Fatal("CallService for disallowed service should fail")
	}

	var perm *homeassistant.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("error = %v, want PermissionError", err)
	}
	if perm.Service != "lock.unlock" {
		t.Errorf("PermissionError.Service = %q, want lock.unlock", perm.Service)
	}
	if requests != 0 {
		t.Errorf("backend saw %d requests, want 0", requests)
	}
}

func TestCallService_UpstreamError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))

	_, err := c.CallService(context.Background(), "light", "turn_on", nil, nil)
	if err == nil {
		t.Fatal("CallService should surface upstream 401")
	}
}

// ── Context snapshot ──────────────────────────────────────────────────────────

func TestGetContext_GroupsByDomainAndArea(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states":
			writeJSON(t, w, sampleStates)
		case "/api/config":
			writeJSON(t, w, map[string]any{"location_name": "Дом", "version": "2024.6"})
		case "/api/areas":
			writeJSON(t, w, []map[string]any{
				{"area_id": "kitchen", "name": "Кухня"},
				{"area_id": "bedroom", "name": "Спальня"},
			})
		case "/api/devices":
			writeJSON(t, w, []map[string]any{{"id": "dev1"}})
		default:
			http.NotFound(w, r)
		}
	}))

	snap, err := c.GetContext(context.Background())
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}

	if snap.TotalEntities != 4 {
		t.Errorf("TotalEntities = %d, want 4", snap.TotalEntities)
	}
	if got := len(snap.EntitiesByDomain["light"]); got != 2 {
		t.Errorf("light domain has %d entities, want 2", got)
	}
	if got := len(snap.EntitiesByDomain["person"]); got != 1 {
		t.Errorf("person domain has %d entities, want 1", got)
	}
	if got := len(snap.EntitiesByArea["kitchen"]); got != 2 {
		t.Errorf("kitchen area has %d entities, want 2", got)
	}
	if len(snap.Areas) != 2 || snap.Areas[0].Name != "Кухня" {
		t.Errorf("Areas = %v, want Кухня and Спальня", snap.Areas)
	}
	if snap.Config["location_name"] != "Дом" {
		t.Errorf("Config location_name = %v, want Дом", snap.Config["location_name"])
	}
}

func TestGetContext_DegradesWithoutAreasAndDevices(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states":
			writeJSON(t, w, sampleStates)
		case "/api/config":
			writeJSON(t, w, map[string]any{"version": "2024.6"})
		default:
			// Older backends have no areas or devices endpoints.
			http.NotFound(w, r)
		}
	}))

	snap, err := c.GetContext(context.Background())
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(snap.Areas) != 0 || len(snap.Devices) != 0 {
		t.Errorf("Areas/Devices = %v/%v, want empty", snap.Areas, snap.Devices)
	}
	if snap.TotalEntities != 4 {
		t.Errorf("TotalEntities = %d, want 4", snap.TotalEntities)
	}
}

func TestGetContext_CachedWithinTTL(t *testing.T) {
	t.Parallel()

	var stateRequests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states":
			stateRequests++
			writeJSON(t, w, sampleStates)
		case "/api/config":
			writeJSON(t, w, map[string]any{"version": "2024.6"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cfg := testConfig(srv.URL)
	cfg.ContextCacheTTLSeconds = 5

	c, err := homeassistant.New(cfg, homeassistant.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := c.GetContext(context.Background())
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	second, err := c.GetContext(context.Background())
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if stateRequests != 1 {
		t.Errorf("backend saw %d state fetches, want 1", stateRequests)
	}
	if first != second {
		t.Error("second call should return the cached snapshot")
	}

	// Past the TTL the snapshot is refetched.
	now = now.Add(6 * time.Second)
	if _, err := c.GetContext(context.Background()); err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if stateRequests != 2 {
		t.Errorf("backend saw %d state fetches, want 2", stateRequests)
	}
}

func TestGetContext_FailsWithoutStates(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	if _, err := c.GetContext(context.Background()); err == nil {
		t.Fatal("GetContext without states should fail")
	}
}

// ── States and location ───────────────────────────────────────────────────────

func TestGetStates_SingleEntity(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states/light.kitchen" {
			t.Errorf("path = %q, want /api/states/light.kitchen", r.URL.Path)
		}
		writeJSON(t, w, sampleStates[0])
	}))

	states, err := c.GetStates(context.Background(), "light.kitchen")
	if err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if len(states) != 1 || states[0].State != "on" {
		t.Errorf("states = %v, want one entity in state on", states)
	}
}

func TestFindUserLocation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"entity_id": "device_tracker.phone", "state": "not_home", "attributes": map[string]any{}},
			{"entity_id": "person.ivan", "state": "home", "attributes": map[string]any{}},
		})
	}))

	if got := c.FindUserLocation(context.Background(), "ivan"); got != "home" {
		t.Errorf("FindUserLocation = %q, want home", got)
	}
}

func TestFindUserLocation_NobodyHome(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"entity_id": "person.ivan", "state": "not_home", "attributes": map[string]any{}},
		})
	}))

	if got := c.FindUserLocation(context.Background(), "ivan"); got != "" {
		t.Errorf("FindUserLocation = %q, want empty", got)
	}
}

// ── Misc ──────────────────────────────────────────────────────────────────────

func TestPing(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			t.Errorf("path = %q, want /api/", r.URL.Path)
		}
		writeJSON(t, w, map[string]any{"message": "API running."})
	}))

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCreateAutomation_Draft(t *testing.T) {
	t.Parallel()

	c, err := homeassistant.New(testConfig("http://ha.local:8123"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	draft, err := c.CreateAutomation(context.Background(), map[string]any{
		"alias":   "Утренний свет",
		"trigger": map[string]any{"platform": "time", "at": "07:00:00"},
	})
	if err != nil {
		t.Fatalf("CreateAutomation: %v", err)
	}
	if draft.Automation["alias"] != "Утренний свет" {
		t.Errorf("draft alias = %v, want Утренний свет", draft.Automation["alias"])
	}
	if draft.Message == "" {
		t.Error("draft message should explain that review is needed")
	}

	if _, err := c.CreateAutomation(context.Background(), nil); err == nil {
		t.Error("empty automation config should fail")
	}
}

func TestNew_BadPattern(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://ha.local:8123")
	cfg.AllowedServices = []string{"light.("}
	if _, err := homeassistant.New(cfg); err == nil {
		t.Fatal("New with malformed pattern should fail")
	}
}
