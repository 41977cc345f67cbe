package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"github.com/domovoy-ai/domovoy/internal/audit"
	"github.com/domovoy-ai/domovoy/internal/habr"
	"github.com/domovoy-ai/domovoy/internal/homeassistant"
	"github.com/domovoy-ai/domovoy/internal/pipeline"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/internal/search"
	"github.com/domovoy-ai/domovoy/pkg/memory"
	llmmock "github.com/domovoy-ai/domovoy/pkg/provider/llm/mock"
)

// ── Backend fakes ─────────────────────────────────────────────────────────────

type fakeHome struct {
	mu       sync.Mutex
	calls    []string
	denied   map[string]bool
	confirm  map[string]bool
	callErrs map[string]error
	snapshot *homeassistant.Context
	snapErr  error
}

func newFakeHome() *fakeHome {
	return &fakeHome{
		denied:   map[string]bool{},
		confirm:  map[string]bool{},
		callErrs: map[string]error{},
		snapshot: &homeassistant.Context{
			Config:           map[string]any{},
			Areas:            []homeassistant.Area{},
			EntitiesByDomain: map[string][]homeassistant.State{},
			EntitiesByArea:   map[string][]homeassistant.State{},
		},
	}
}

func (f *fakeHome) GetContext(context.Context) (*homeassistant.Context, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return f.snapshot, nil
}

func (f *fakeHome) CallService(_ context.Context, domain, service string, _, _ map[string]any) ([]homeassistant.State, error) {
	svc := domain + "." + service
	f.mu.Lock()
	f.calls = append(f.calls, svc)
	f.mu.Unlock()
	if err := f.callErrs[svc]; err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeHome) ServiceAllowed(service string) bool    { return !f.denied[service] }
func (f *fakeHome) NeedsConfirmation(service string) bool { return f.confirm[service] }

func (f *fakeHome) serviceCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeMemoryContext struct {
	ctx memory.Context
	err error
}

func (f *fakeMemoryContext) BuildContext(context.Context, string, string) (memory.Context, error) {
	return f.ctx, f.err
}

type fakeRules struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (f *fakeRules) RememberRule(_ context.Context, _, ruleText, _ string, _ map[string]any) (memory.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return memory.Receipt{}, f.err
	}
	f.saved = append(f.saved, ruleText)
	return memory.Receipt{Saved: true}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (f *fakeAudit) Append(_ context.Context, r audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeAudit) last(t *testing.T) audit.Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		t.Fatal("no audit records written")
	}
	return f.records[len(f.records)-1]
}

type fakeConversations struct {
	mu    sync.Mutex
	turns [][2]string
	err   error
}

func (f *fakeConversations) RememberConversation(_ context.Context, _, userText, assistantText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.turns = append(f.turns, [2]string{userText, assistantText})
	return nil
}

type fakeSearcher struct {
	result *search.Result
	err    error
}

func (f *fakeSearcher) Search(context.Context, search.Request) (*search.Result, error) {
	return f.result, f.err
}

type fakeArticles struct {
	articles []habr.Article
	err      error
	lastText string
}

func (f *fakeArticles) Search(_ context.Context, q habr.Query) ([]habr.Article, error) {
	f.lastText = q.Text
	if f.err != nil {
		return nil, f.err
	}
	return f.articles, nil
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

type testEnv struct {
	llm      *llmmock.Provider
	home     *fakeHome
	memory   *fakeMemoryContext
	rules    *fakeRules
	audit    *fakeAudit
	convs    *fakeConversations
	searcher *fakeSearcher
	articles *fakeArticles

	orchestrator *pipeline.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		llm:      &llmmock.Provider{},
		home:     newFakeHome(),
		memory:   &fakeMemoryContext{},
		rules:    &fakeRules{},
		audit:    &fakeAudit{},
		convs:    &fakeConversations{},
		searcher: &fakeSearcher{result: &search.Result{Answer: "ответ"}},
		articles: &fakeArticles{},
	}

	limits := ratelimit.NewManager()
	analyzer := pipeline.NewAnalyzer(env.llm, limits, 60, nil)
	resolver := pipeline.NewResolver(env.home, env.memory, nil)
	planner := pipeline.NewPlanner(env.llm, env.searcher, env.articles, limits, 60, "Домовой", nil)
	executor := pipeline.NewExecutor(env.home, env.rules, env.audit, false, nil)
	composer := pipeline.NewComposer(nil, "", nil)

	env.orchestrator = pipeline.NewOrchestrator(analyzer, resolver, planner, executor, composer, env.convs, nil)
	return env
}

func textContext(userID, command string, intent pipeline.Intent) *pipeline.Context {
	return &pipeline.Context{
		UserID:  userID,
		Command: command,
		Intent:  pipeline.Classification{Type: intent, Confidence: 0.9},
	}
}
