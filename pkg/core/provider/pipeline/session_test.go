package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxa-labs/callbridge/pkg/core/provider"
)

// mockStack is a scripted pipeline control server.
type mockStack struct {
	srv      *httptest.Server
	received chan map[string]any
	binary   chan []byte
	conns    chan *websocket.Conn
}

func newMockStack(t *testing.T) *mockStack {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	m := &mockStack{
		received: make(chan map[string]any, 32),
		binary:   make(chan []byte, 32),
		conns:    make(chan *websocket.Conn, 1),
	}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.conns <- conn
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				m.binary <- data
				continue
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				m.received <- msg
			}
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockStack) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

func (m *mockStack) send(t *testing.T, v any) {
	t.Helper()
	select {
	case conn := <-m.conns:
		m.conns <- conn
		data, _ := json.Marshal(v)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("mock send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection to send on")
	}
}

func (m *mockStack) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-m.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
		return nil
	}
}

func testConfig(url string) provider.Config {
	return provider.Config{
		Backend:      "pipeline",
		URL:          url,
		Model:        "chat-1",
		Voice:        "nova",
		Instructions: "You answer phones.",
		SampleRate:   8000,
		Tools: []provider.ToolSpec{
			{
				Name:        "transfer",
				Description: "Transfer the call",
				Schema:      map[string]any{"type": "object"},
			},
		},
	}
}

func openSession(t *testing.T, m *mockStack) *Session {
	t.Helper()
	s := NewSession(testConfig(m.url()))
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func nextEvent(t *testing.T, s *Session) provider.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestOpenSendsSetMode(t *testing.T) {
	m := newMockStack(t)
	openSession(t, m)

	msg := m.next(t)
	if msg["type"] != "set_mode" || msg["mode"] != "stt" {
		t.Fatalf("expected set_mode stt, got %v", msg)
	}
	cfg := msg["config"].(map[string]any)
	if cfg["sample_rate"].(float64) != 8000 {
		t.Errorf("expected 8000 sample rate, got %v", cfg["sample_rate"])
	}
}

func TestStatusReadyEmitsSessionReady(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t) // set_mode

	m.send(t, map[string]any{"type": "status", "state": "ready"})

	ev, ok := nextEvent(t, s).(*provider.SessionReadyEvent)
	if !ok {
		t.Fatal("expected SessionReadyEvent")
	}
	if ev.SampleRate != 8000 {
		t.Errorf("unexpected sample rate %d", ev.SampleRate)
	}
}

func TestSendAudioUsesBinaryFrames(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	if err := s.SendAudio([]byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	select {
	case data := <-m.binary:
		if len(data) != 4 || data[0] != 5 {
			t.Error("binary frame corrupted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no binary frame received")
	}
}

func TestFinalTranscriptTriggersLLMRequest(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	m.send(t, map[string]any{"type": "stt_response", "text": "transfer me", "final": false})
	if ev, ok := nextEvent(t, s).(*provider.PartialTranscriptEvent); !ok || ev.Text != "transfer me" {
		t.Fatal("expected PartialTranscriptEvent")
	}

	m.send(t, map[string]any{"type": "stt_response", "text": "transfer me to sales", "final": true})
	if ev, ok := nextEvent(t, s).(*provider.FinalTranscriptEvent); !ok || ev.Text != "transfer me to sales" {
		t.Fatal("expected FinalTranscriptEvent")
	}

	req := m.next(t)
	if req["type"] != "llm_request" {
		t.Fatalf("expected llm_request after final transcript, got %v", req["type"])
	}

	msgs := req["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)
	if last["role"] != "user" || last["content"] != "transfer me to sales" {
		t.Errorf("history does not end with the user turn: %v", last)
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Error("expected system prompt first in history")
	}

	tools := req["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["name"] != "transfer" {
		t.Errorf("expected flat tool schema with top-level name, got %v", tool)
	}
	if _, nested := tool["function"]; nested {
		t.Error("pipeline tool schema must be flat, found nested function key")
	}
}

func TestLLMDeltaStreamsToTTS(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	m.send(t, map[string]any{"type": "llm_response", "delta": "One moment."})
	if ev, ok := nextEvent(t, s).(*provider.AgentTextEvent); !ok || ev.Delta != "One moment." {
		t.Fatal("expected AgentTextEvent")
	}
	req := m.next(t)
	if req["type"] != "tts_request" || req["text"] != "One moment." {
		t.Fatalf("expected tts_request with delta text, got %v", req)
	}

	m.send(t, map[string]any{"type": "llm_response", "done": true})
	req = m.next(t)
	if req["type"] != "tts_request" || req["flush"] != true {
		t.Fatalf("expected flush tts_request at end of reply, got %v", req)
	}
}

func TestFlatToolCallSurfaces(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	m.send(t, map[string]any{"type": "llm_response", "tool_call": map[string]any{
		"id": "tc_1", "name": "transfer", "arguments": map[string]any{"target": "sales"},
	}})

	tc, ok := nextEvent(t, s).(*provider.ToolCallRequestedEvent)
	if !ok {
		t.Fatal("expected ToolCallRequestedEvent")
	}
	if tc.ID != "tc_1" || tc.Name != "transfer" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Arguments, &args); err != nil || args["target"] != "sales" {
		t.Error("arguments not preserved as raw JSON")
	}
}

func TestTTSRechunksIntoFrames(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	// 800 bytes at 8kHz: two 320-byte frames plus a 160-byte tail.
	chunk := base64.StdEncoding.EncodeToString(make([]byte, 800))
	m.send(t, map[string]any{"type": "tts_response", "audio": chunk})

	for i := 0; i < 2; i++ {
		ev, ok := nextEvent(t, s).(*provider.AgentAudioEvent)
		if !ok || len(ev.Audio) != 320 {
			t.Fatalf("expected 320-byte frame %d, got %T", i, ev)
		}
	}

	m.send(t, map[string]any{"type": "tts_response", "done": true})
	ev, ok := nextEvent(t, s).(*provider.AgentAudioEvent)
	if !ok || len(ev.Audio) != 160 {
		t.Fatalf("expected 160-byte tail, got %T", ev)
	}
	if _, ok := nextEvent(t, s).(*provider.TurnCompleteEvent); !ok {
		t.Fatal("expected TurnCompleteEvent after synthesis ends")
	}
}

func TestSubmitToolResultReentersLLM(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	err := s.SubmitToolResult(provider.ToolResult{ID: "tc_1", Name: "transfer", Content: "done"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	req := m.next(t)
	if req["type"] != "llm_request" {
		t.Fatalf("expected llm_request, got %v", req["type"])
	}
	msgs := req["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)
	if last["role"] != "tool" {
		t.Errorf("expected tool role last, got %v", last["role"])
	}
	tr := last["tool_result"].(map[string]any)
	if tr["id"] != "tc_1" || tr["content"] != "done" {
		t.Errorf("tool result not forwarded: %v", tr)
	}
}

func TestInterruptSendsCancel(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	if err := s.Interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if msg := m.next(t); msg["type"] != "cancel" {
		t.Errorf("expected cancel, got %v", msg["type"])
	}
}

func TestComponentErrorSurfaces(t *testing.T) {
	m := newMockStack(t)
	s := openSession(t, m)
	m.next(t)

	m.send(t, map[string]any{"type": "error", "component": "tts", "kind": "provider_protocol_error", "message": "voice not found"})

	ev, ok := nextEvent(t, s).(*provider.ErrorEvent)
	if !ok {
		t.Fatal("expected ErrorEvent")
	}
	if !strings.Contains(ev.Err.Error(), "voice not found") || !strings.Contains(ev.Err.Error(), "tts") {
		t.Errorf("error lost component or message: %v", ev.Err)
	}
}
