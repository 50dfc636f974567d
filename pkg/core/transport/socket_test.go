package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxa-labs/callbridge/pkg/core/audio"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoSocketServer upgrades and echoes binary messages back.
func echoSocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestSocketRoundTrip(t *testing.T) {
	srv := echoSocketServer(t)
	defer srv.Close()

	info := CallInfo{CallID: "call-1", Encoding: audio.EncodingPCM16, SampleRate: 16000}
	sock, err := DialSocket(context.Background(), wsURL(srv), nil, info, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sock.Close()

	payload := make([]byte, 640)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := sock.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sock.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != len(payload) || got[0] != 0 || got[639] != payload[639] {
		t.Error("echoed payload does not match")
	}
}

func TestSocketStopControlEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`))
		// Hold the connection open so EOF comes from the control event.
		conn.ReadMessage()
	}))
	defer srv.Close()

	info := CallInfo{CallID: "call-2", Encoding: audio.EncodingPCM16, SampleRate: 16000}
	sock, err := DialSocket(context.Background(), wsURL(srv), nil, info, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sock.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF from stop control, got %v", err)
	}
}

func TestSocketCloseIdempotent(t *testing.T) {
	srv := echoSocketServer(t)
	defer srv.Close()

	sock, err := DialSocket(context.Background(), wsURL(srv), nil, CallInfo{CallID: "call-3"}, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := sock.Send([]byte{0, 0}); err == nil {
		t.Error("expected send on closed socket to fail")
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	var attempts int
	cfg := RetryConfig{Attempts: 3, InitialDelay: time.Millisecond}
	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("refused")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetrySucceedsMidway(t *testing.T) {
	var attempts int
	cfg := RetryConfig{Attempts: 3, InitialDelay: time.Millisecond}
	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestDialSocketRetriesThenFails(t *testing.T) {
	info := CallInfo{CallID: "call-4"}
	cfg := RetryConfig{Attempts: 2, InitialDelay: time.Millisecond}
	start := time.Now()
	_, err := DialSocket(context.Background(), "ws://127.0.0.1:1/audio", nil, info, cfg)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if time.Since(start) < time.Millisecond {
		t.Error("expected at least one backoff delay")
	}
}
