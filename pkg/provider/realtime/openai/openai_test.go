package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/domovoy-ai/domovoy/pkg/provider/llm"
	"github.com/domovoy-ai/domovoy/pkg/provider/realtime"
	"github.com/domovoy-ai/domovoy/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ── Open ──────────────────────────────────────────────────────────────────────

func TestOpen_SendsAuthAndModel(t *testing.T) {
	t.Parallel()

	type handshake struct {
		model string
		auth  string
		beta  string
	}
	got := make(chan handshake, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- handshake{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	ch, err := p.Open(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	select {
	case h := <-got:
		if h.model != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q, want gpt-4o-mini-realtime", h.model)
		}
		if h.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want Bearer sk-test", h.auth)
		}
		if h.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q, want realtime=v1", h.beta)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
}

func TestOpen_SessionUpdateCarriesConfig(t *testing.T) {
	t.Parallel()

	updates := make(chan map[string]any, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		updates <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	ch, err := p.Open(context.Background(), realtime.SessionConfig{
		Voice:              "shimmer",
		Instructions:       "Ты голосовой помощник для умного дома.",
		TranscriptionModel: "whisper-1",
		Tools: []llm.ToolDefinition{
			{Name: "call_service", Description: "Execute a home automation action"},
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	select {
	case raw := <-updates:
		if raw["type"] != "session.update" {
			t.Fatalf("first event type = %v, want session.update", raw["type"])
		}
		session, _ := raw["session"].(map[string]any)
		if session == nil {
			t.Fatal("session.update has no session object")
		}
		if session["voice"] != "shimmer" {
			t.Errorf("voice = %v, want shimmer", session["voice"])
		}
		if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
			t.Errorf("audio formats = %v/%v, want pcm16/pcm16",
				session["input_audio_format"], session["output_audio_format"])
		}
		trans, _ := session["input_audio_transcription"].(map[string]any)
		if trans == nil || trans["model"] != "whisper-1" {
			t.Errorf("input_audio_transcription = %v, want whisper-1", trans)
		}
		td, _ := session["turn_detection"].(map[string]any)
		if td == nil || td["type"] != "server_vad" {
			t.Fatalf("turn_detection = %v, want server_vad defaults", td)
		}
		if td["threshold"] != 0.5 || td["prefix_padding_ms"] != float64(300) || td["silence_duration_ms"] != float64(500) {
			t.Errorf("turn_detection tuning = %v, want 0.5/300/500", td)
		}
		tools, _ := session["tools"].([]any)
		if len(tools) != 1 {
			t.Fatalf("tools = %v, want one entry", tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

// ── Event flow ────────────────────────────────────────────────────────────────

func TestChannel_ForwardsIncomingEventsInOrder(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "QUJD"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	ch, err := p.Open(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	want := []string{"session.created", "response.audio.delta", "response.done"}
	for i, expected := range want {
		select {
		case evt, ok := <-ch.Events():
			if !ok {
				t.Fatalf("event channel closed after %d events: %v", i, ch.Err())
			}
			if evt.Type != expected {
				t.Fatalf("event %d type = %q, want %q", i, evt.Type, expected)
			}
			if len(evt.Raw) == 0 {
				t.Errorf("event %d has empty raw payload", i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d (%s)", i, expected)
		}
	}
}

func TestChannel_SendWritesRawPayload(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 2)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 2 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			frames <- raw
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	ch, err := p.Open(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	<-frames // session.update

	err = ch.Send(context.Background(), realtime.Event{
		Type: "input_audio_buffer.append",
		Raw:  json.RawMessage(`{"type":"input_audio_buffer.append","audio":"QUJD"}`),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case raw := <-frames:
		if raw["type"] != "input_audio_buffer.append" {
			t.Errorf("type = %v, want input_audio_buffer.append", raw["type"])
		}
		if raw["audio"] != "QUJD" {
			t.Errorf("audio = %v, want QUJD", raw["audio"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for appended audio frame")
	}
}

func TestChannel_SendAfterCloseFails(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	ch, err := p.Open(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close: %v, want nil", err)
	}

	err = ch.Send(context.Background(), realtime.Event{Type: "response.cancel"})
	if err == nil {
		t.Fatal("Send after Close should fail")
	}
}

func TestChannel_EventsClosedAfterServerDisconnect(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Handler returns; deferred close ends the connection cleanly.
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	ch, err := p.Open(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	select {
	case _, ok := <-ch.Events():
		if ok {
			// Drain anything buffered; the channel must close eventually.
			for range ch.Events() {
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event channel to close")
	}
}
