package stream_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/domovoy-ai/domovoy/internal/config"
	"github.com/domovoy-ai/domovoy/internal/ratelimit"
	"github.com/domovoy-ai/domovoy/internal/stream"
	"github.com/domovoy-ai/domovoy/pkg/provider/realtime"
	rtmock "github.com/domovoy-ai/domovoy/pkg/provider/realtime/mock"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeClient struct {
	in chan []byte

	mu     sync.Mutex
	frames []map[string]any
}

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan []byte, 16)}
}

func (c *fakeClient) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (c *fakeClient) Write(_ context.Context, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) send(t *testing.T, payload map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- data
}

func (c *fakeClient) disconnect() { close(c.in) }

func (c *fakeClient) frameTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		s, _ := f["type"].(string)
		out = append(out, s)
	}
	return out
}

func (c *fakeClient) lastOfType(frameType string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i]["type"] == frameType {
			return c.frames[i], true
		}
	}
	return nil, false
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	userID string
	output string
}

func (e *fakeExecutor) Execute(_ context.Context, userID, name, arguments string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name+"|"+arguments)
	e.userID = userID
	if e.output == "" {
		return `{"ok": true}`, nil
	}
	return e.output, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// startSession runs a session over fakes and returns the pieces.
func startSession(t *testing.T, opts ...stream.Option) (*fakeClient, *rtmock.Channel, *stream.Session) {
	t.Helper()

	client := newFakeClient()
	upstream := rtmock.NewChannel()
	provider := &rtmock.Provider{Channel: upstream}

	s := stream.NewSession(client, provider, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		client.disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})

	return client, upstream, s
}

func configure(t *testing.T, client *fakeClient, s *stream.Session) {
	t.Helper()
	client.send(t, map[string]any{"type": "configure", "user_id": "u1", "instructions": "Ты Домовой"})
	waitFor(t, func() bool { return s.State() == stream.StateActive })
}

func sentTypes(upstream *rtmock.Channel) []string {
	var out []string
	for _, ev := range upstream.Sent {
		out = append(out, ev.Type)
	}
	return out
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSession_ConfigureHandshake(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	upstream := rtmock.NewChannel()
	provider := &rtmock.Provider{Channel: upstream}
	s := stream.NewSession(client, provider, stream.WithVoice("alloy"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	defer client.disconnect()

	if s.State() != stream.StateOpening {
		t.Fatalf("initial state = %s, want opening", s.State())
	}

	client.send(t, map[string]any{
		"type": "configure", "user_id": "u1", "instructions": "Ты Домовой",
		"tools": []map[string]any{{"name": "run_command", "description": "выполнить команду"}},
	})
	waitFor(t, func() bool { return s.State() == stream.StateActive })

	frame, ok := client.lastOfType("configured")
	if !ok {
		t.Fatalf("configured frame missing, frames = %v", client.frameTypes())
	}
	if frame["session_id"] != s.ID() {
		t.Errorf("session_id = %v, want %s", frame["session_id"], s.ID())
	}
	if s.UserID() != "u1" {
		t.Errorf("user id = %q", s.UserID())
	}

	cfg := provider.OpenCalls[0].Cfg
	if cfg.Voice != "alloy" || cfg.InputAudioFormat != "pcm16" || cfg.OutputAudioFormat != "pcm16" {
		t.Errorf("session config = %+v", cfg)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "run_command" {
		t.Errorf("tools = %+v", cfg.Tools)
	}
}

func TestSession_SecondConfigureRejected(t *testing.T) {
	t.Parallel()

	client, _, s := startSession(t)
	configure(t, client, s)

	client.send(t, map[string]any{"type": "configure", "user_id": "u2"})
	waitFor(t, func() bool {
		_, ok := client.lastOfType("error")
		return ok
	})
	if s.UserID() != "u1" {
		t.Errorf("user id changed to %q", s.UserID())
	}
}

func TestSession_TextInputTriggersResponse(t *testing.T) {
	t.Parallel()

	client, upstream, s := startSession(t)
	configure(t, client, s)

	client.send(t, map[string]any{"type": "text_input", "text": "включи свет"})
	waitFor(t, func() bool { return s.State() == stream.StateResponding })

	types := sentTypes(upstream)
	if len(types) != 2 || types[0] != "conversation.item.create" || types[1] != "response.create" {
		t.Fatalf("upstream events = %v", types)
	}

	var item struct {
		Item struct {
			Role    string `json:"role"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(upstream.Sent[0].Raw, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if item.Item.Role != "user" || item.Item.Content[0].Text != "включи свет" {
		t.Errorf("item = %+v", item.Item)
	}

	upstream.Emit(realtime.Event{Type: "response.done", Raw: []byte(`{"type":"response.done"}`)})
	waitFor(t, func() bool { return s.State() == stream.StateActive })
}

func TestSession_AudioCommit(t *testing.T) {
	t.Parallel()

	client, upstream, s := startSession(t)
	configure(t, client, s)

	client.send(t, map[string]any{"type": "audio_input", "audio": "cGNtMTY="})
	client.send(t, map[string]any{"type": "audio_commit"})
	waitFor(t, func() bool { return s.State() == stream.StateResponding })

	types := sentTypes(upstream)
	want := []string{"input_audio_buffer.append", "input_audio_buffer.commit", "response.create"}
	if len(types) != len(want) {
		t.Fatalf("upstream events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestSession_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	client, upstream, s := startSession(t)
	configure(t, client, s)

	// Cancel with nothing in flight: no upstream traffic.
	client.send(t, map[string]any{"type": "cancel"})
	client.send(t, map[string]any{"type": "text_input", "text": "расскажи сказку"})
	waitFor(t, func() bool { return s.State() == stream.StateResponding })

	client.send(t, map[string]any{"type": "cancel"})
	waitFor(t, func() bool { return s.State() == stream.StateActive })
	client.send(t, map[string]any{"type": "cancel"})

	waitFor(t, func() bool {
		types := sentTypes(upstream)
		cancels := 0
		for _, ty := range types {
			if ty == "response.cancel" {
				cancels++
			}
		}
		return cancels == 1 && types[len(types)-1] == "response.cancel"
	})
}

func TestSession_StragglersForwardedAfterCancel(t *testing.T) {
	t.Parallel()

	client, upstream, s := startSession(t)
	configure(t, client, s)

	client.send(t, map[string]any{"type": "text_input", "text": "привет"})
	waitFor(t, func() bool { return s.State() == stream.StateResponding })

	client.send(t, map[string]any{"type": "cancel"})
	waitFor(t, func() bool { return s.State() == stream.StateActive })

	upstream.Emit(realtime.Event{Type: "response.audio.delta", Raw: []byte(`{"type":"response.audio.delta","delta":"c3RhbGU="}`)})
	upstream.Emit(realtime.Event{Type: "response.cancelled", Raw: []byte(`{"type":"response.cancelled"}`)})

	waitFor(t, func() bool {
		_, ok := client.lastOfType("response.cancelled")
		return ok
	})
	if _, ok := client.lastOfType("response.audio.delta"); !ok {
		t.Error("straggler delta was dropped")
	}
}

func TestSession_ForwardsEventsInOrder(t *testing.T) {
	t.Parallel()

	client, upstream, s := startSession(t)
	configure(t, client, s)

	events := []string{
		"response.created",
		"response.audio.delta",
		"response.audio.delta",
		"response.audio_transcript.delta",
		"response.audio.done",
		"response.done",
	}
	for _, ty := range events {
		upstream.Emit(realtime.Event{Type: ty, Raw: []byte(`{"type":"` + ty + `"}`)})
	}

	waitFor(t, func() bool {
		_, ok := client.lastOfType("response.done")
		return ok
	})

	var forwarded []string
	for _, ty := range client.frameTypes() {
		if ty == "configured" {
			continue
		}
		forwarded = append(forwarded, ty)
	}
	if len(forwarded) != len(events) {
		t.Fatalf("forwarded = %v", forwarded)
	}
	for i := range events {
		if forwarded[i] != events[i] {
			t.Errorf("forwarded[%d] = %s, want %s", i, forwarded[i], events[i])
		}
	}
}

func TestSession_ToolCallExecuted(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{}
	client, upstream, s := startSession(t, stream.WithToolExecutor(executor))
	configure(t, client, s)

	upstream.Emit(realtime.Event{
		Type: "response.function_call_arguments.done",
		Raw:  []byte(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"run_command","arguments":"{\"command\":\"включи свет\"}"}`),
	})

	waitFor(t, func() bool {
		types := sentTypes(upstream)
		return len(types) >= 2 && types[len(types)-1] == "response.create"
	})

	executor.mu.Lock()
	defer executor.mu.Unlock()
	if len(executor.calls) != 1 || executor.userID != "u1" {
		t.Fatalf("executor calls = %v, user = %q", executor.calls, executor.userID)
	}

	var item struct {
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	if err := json.Unmarshal(upstream.Sent[len(upstream.Sent)-2].Raw, &item); err != nil {
		t.Fatalf("unmarshal output item: %v", err)
	}
	if item.Item.Type != "function_call_output" || item.Item.CallID != "call_1" {
		t.Errorf("output item = %+v", item.Item)
	}
	if item.Item.Output != `{"ok": true}` {
		t.Errorf("output = %q", item.Item.Output)
	}
}

func TestSession_RateLimitSparesPingAndAudio(t *testing.T) {
	t.Parallel()

	limits := ratelimit.NewManager()
	client, upstream, s := startSession(t, stream.WithLimits(limits, 2))
	configure(t, client, s) // consumes one budget slot

	client.send(t, map[string]any{"type": "text_input", "text": "раз"})
	waitFor(t, func() bool { return s.State() == stream.StateResponding })
	client.send(t, map[string]any{"type": "cancel"}) // over budget now
	waitFor(t, func() bool {
		frame, ok := client.lastOfType("error")
		return ok && frame["message"] != nil
	})

	before := len(upstream.Sent)
	for range 5 {
		client.send(t, map[string]any{"type": "audio_input", "audio": "cGNtMTY="})
	}
	client.send(t, map[string]any{"type": "ping"})
	waitFor(t, func() bool {
		_, ok := client.lastOfType("pong")
		return ok
	})

	appended := 0
	for _, ev := range upstream.Sent[before:] {
		if ev.Type == "input_audio_buffer.append" {
			appended++
		}
	}
	if appended != 5 {
		t.Errorf("audio frames forwarded = %d, want 5", appended)
	}
}

func TestSession_RateLimitKeyedPerUserOnConfigure(t *testing.T) {
	t.Parallel()

	limits := ratelimit.NewManager()

	first, _, s1 := startSession(t, stream.WithLimits(limits, 1))
	configure(t, first, s1)

	// A different user's configure draws from its own budget.
	second, _, s2 := startSession(t, stream.WithLimits(limits, 1))
	second.send(t, map[string]any{"type": "configure", "user_id": "u2"})
	waitFor(t, func() bool { return s2.State() == stream.StateActive })

	if _, ok := second.lastOfType("error"); ok {
		t.Errorf("second user's configure was limited, frames = %v", second.frameTypes())
	}
	if s2.UserID() != "u2" {
		t.Errorf("user id = %q, want u2", s2.UserID())
	}
}

func TestSession_AudioCommitDuringResponseIsNoop(t *testing.T) {
	t.Parallel()

	client, upstream, s := startSession(t)
	configure(t, client, s)

	client.send(t, map[string]any{"type": "text_input", "text": "привет"})
	waitFor(t, func() bool { return s.State() == stream.StateResponding })

	// A commit racing server-VAD is redundant, not an error.
	before := len(upstream.Sent)
	client.send(t, map[string]any{"type": "audio_commit"})
	client.send(t, map[string]any{"type": "ping"})
	waitFor(t, func() bool {
		_, ok := client.lastOfType("pong")
		return ok
	})

	if _, ok := client.lastOfType("error"); ok {
		t.Errorf("commit during response produced an error frame, frames = %v", client.frameTypes())
	}
	for _, ev := range upstream.Sent[before:] {
		if ev.Type == "input_audio_buffer.commit" || ev.Type == "response.create" {
			t.Errorf("redundant commit reached upstream: %s", ev.Type)
		}
	}
	if s.State() != stream.StateResponding {
		t.Errorf("state = %s, want responding", s.State())
	}
}

func TestSession_KeepalivePing(t *testing.T) {
	t.Parallel()

	client, _, s := startSession(t, stream.WithKeepalive(30*time.Millisecond))
	configure(t, client, s)

	waitFor(t, func() bool {
		_, ok := client.lastOfType("ping")
		return ok
	})
}

func TestSession_TeardownOnDisconnect(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	upstream := rtmock.NewChannel()
	provider := &rtmock.Provider{Channel: upstream}
	s := stream.NewSession(client, provider)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(context.Background())
	}()

	client.send(t, map[string]any{"type": "configure", "user_id": "u1"})
	waitFor(t, func() bool { return s.State() == stream.StateActive })

	client.disconnect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
	if s.State() != stream.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestSession_UpstreamFailureTearsDown(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	upstream := rtmock.NewChannel()
	upstream.ErrVal = io.ErrUnexpectedEOF
	provider := &rtmock.Provider{Channel: upstream}
	s := stream.NewSession(client, provider)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(context.Background())
	}()

	client.send(t, map[string]any{"type": "configure", "user_id": "u1"})
	waitFor(t, func() bool { return s.State() == stream.StateActive })

	_ = upstream.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after upstream failure")
	}
	if _, ok := client.lastOfType("error"); !ok {
		t.Error("client not told about upstream failure")
	}
}

// ── Manager ───────────────────────────────────────────────────────────────────

func TestManager_RegistersAndRemoves(t *testing.T) {
	t.Parallel()

	m := stream.NewManager(&rtmock.Provider{}, nil, ratelimit.NewManager(), config.Config{}, nil)
	client := newFakeClient()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Serve(context.Background(), client)
	}()

	waitFor(t, func() bool { return m.Count() == 1 })
	client.disconnect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if m.Count() != 0 {
		t.Errorf("count = %d after disconnect", m.Count())
	}
}
