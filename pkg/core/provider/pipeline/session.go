package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxa-labs/callbridge/pkg/core"
	"github.com/voxa-labs/callbridge/pkg/core/audio"
	"github.com/voxa-labs/callbridge/pkg/core/provider"
)

// Session is a provider.Session over the pipeline control socket. It owns
// the STT-to-LLM-to-TTS handoffs so the orchestrator sees the same event
// stream as with the realtime backend.
type Session struct {
	config provider.Config

	conn    *websocket.Conn
	events  chan provider.Event
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	mu         sync.Mutex
	partial    strings.Builder
	replyText  strings.Builder
	history    []chatMessage
	frameBytes int
	audioTail  []byte
}

// NewSession creates an unopened pipeline session.
func NewSession(config provider.Config) *Session {
	frameBytes := audio.Config{
		SampleRate:    config.SampleRate,
		Channels:      1,
		BitsPerSample: 16,
	}.FrameBytes()

	s := &Session{
		config:     config,
		events:     make(chan provider.Event, 100),
		done:       make(chan struct{}),
		frameBytes: frameBytes,
	}
	if config.Instructions != "" {
		s.history = append(s.history, chatMessage{Role: "system", Content: config.Instructions})
	}
	return s
}

// Factory returns a provider.Factory for the given configuration.
func Factory(config provider.Config) provider.Factory {
	return func(ctx context.Context) (provider.Session, error) {
		s := NewSession(config)
		if err := s.Open(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Open dials the control socket and puts the stack in streaming STT mode.
func (s *Session) Open(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return core.NewProviderProtocolError("pipeline", err.Error(), false)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return core.NewTransportError("pipeline", true,
				fmt.Errorf("control socket connect (status %d): %w", resp.StatusCode, err))
		}
		return core.NewTransportError("pipeline", true, fmt.Errorf("control socket connect: %w", err))
	}
	s.conn = conn

	go s.readLoop()

	return s.writeJSON(message{
		Type: "set_mode",
		Mode: "stt",
		Config: map[string]any{
			"sample_rate": s.config.SampleRate,
			"encoding":    "pcm_s16le",
		},
	})
}

// SendAudio forwards caller PCM as a binary frame.
func (s *Session) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return core.NewTransportError("pipeline", false, fmt.Errorf("session closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return core.NewTransportError("pipeline", true, err)
	}
	return nil
}

// SendText submits a typed user message, bypassing STT.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	s.history = append(s.history, chatMessage{Role: "user", Content: text})
	req := s.llmRequestLocked()
	s.mu.Unlock()
	return s.writeJSON(req)
}

// SubmitToolResult returns a tool outcome and requests the follow-up turn.
func (s *Session) SubmitToolResult(result provider.ToolResult) error {
	s.mu.Lock()
	s.history = append(s.history, chatMessage{
		Role: "tool",
		ToolResult: &toolResult{
			ID:      result.ID,
			Name:    result.Name,
			Content: result.Content,
			IsError: result.IsError,
		},
	})
	req := s.llmRequestLocked()
	s.mu.Unlock()
	return s.writeJSON(req)
}

// Interrupt cancels in-flight generation and synthesis.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	s.replyText.Reset()
	s.audioTail = nil
	s.mu.Unlock()
	return s.writeJSON(message{Type: "cancel"})
}

// SwitchModel swaps one component's model mid-call.
func (s *Session) SwitchModel(component, model string) error {
	return s.writeJSON(message{Type: "switch_model", Component: component, Model: model})
}

// Events returns the normalized event stream.
func (s *Session) Events() <-chan provider.Event {
	return s.events
}

// Close tears the control socket down. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	if s.conn != nil {
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		return s.conn.Close()
	}
	return nil
}

// llmRequestLocked builds the request from current history. Caller holds mu.
func (s *Session) llmRequestLocked() message {
	tools := make([]flatTool, 0, len(s.config.Tools))
	for _, t := range s.config.Tools {
		tools = append(tools, flatTool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	msgs := make([]chatMessage, len(s.history))
	copy(msgs, s.history)
	return message{
		Type:     "llm_request",
		Messages: msgs,
		Tools:    tools,
		Model:    s.config.Model,
	}
}

func (s *Session) writeJSON(v any) error {
	if s.closed.Load() {
		return core.NewTransportError("pipeline", false, fmt.Errorf("session closed"))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return core.NewProviderProtocolError("pipeline", "marshal control message: "+err.Error(), false)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewTransportError("pipeline", true, err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(&provider.ErrorEvent{Err: core.NewTransportError("pipeline", true, err)})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emit(&provider.ErrorEvent{
				Err: core.NewProviderProtocolError("pipeline", "malformed control message", true),
			})
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg message) {
	switch msg.Type {
	case "status":
		if msg.State == "ready" {
			s.emit(&provider.SessionReadyEvent{SampleRate: s.config.SampleRate})
		}

	case "stt_response":
		s.handleTranscript(msg)

	case "llm_response":
		s.handleLLM(msg)

	case "tts_response":
		s.handleTTS(msg)

	case "error":
		s.emit(&provider.ErrorEvent{
			Err: core.NewProviderProtocolError(componentOr(msg.Component, "pipeline"), msg.Message, true),
		})
	}
}

// handleTranscript buffers partials and kicks off the LLM turn on final.
func (s *Session) handleTranscript(msg message) {
	if !msg.Final {
		s.mu.Lock()
		if s.partial.Len() > 0 {
			s.partial.WriteByte(' ')
		}
		s.partial.WriteString(msg.Text)
		s.mu.Unlock()
		s.emit(&provider.PartialTranscriptEvent{Text: msg.Text})
		return
	}

	s.mu.Lock()
	text := msg.Text
	if text == "" {
		text = s.partial.String()
	}
	s.partial.Reset()
	if text == "" {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, chatMessage{Role: "user", Content: text})
	req := s.llmRequestLocked()
	s.mu.Unlock()

	s.emit(&provider.FinalTranscriptEvent{Text: text})
	if err := s.writeJSON(req); err != nil {
		s.emit(&provider.ErrorEvent{Err: err})
	}
}

// handleLLM streams reply deltas to TTS and surfaces tool calls.
func (s *Session) handleLLM(msg message) {
	if msg.ToolCall != nil {
		s.emit(&provider.ToolCallRequestedEvent{
			ID:        msg.ToolCall.ID,
			Name:      msg.ToolCall.Name,
			Arguments: msg.ToolCall.Arguments,
		})
		return
	}

	if msg.Delta != "" {
		s.mu.Lock()
		s.replyText.WriteString(msg.Delta)
		s.mu.Unlock()

		s.emit(&provider.AgentTextEvent{Delta: msg.Delta})
		if err := s.writeJSON(message{Type: "tts_request", Text: msg.Delta, Voice: s.config.Voice}); err != nil {
			s.emit(&provider.ErrorEvent{Err: err})
		}
	}

	if msg.Done {
		s.mu.Lock()
		reply := s.replyText.String()
		s.replyText.Reset()
		if reply != "" {
			s.history = append(s.history, chatMessage{Role: "assistant", Content: reply})
		}
		s.mu.Unlock()

		if err := s.writeJSON(message{Type: "tts_request", Flush: true}); err != nil {
			s.emit(&provider.ErrorEvent{Err: err})
		}
	}
}

// handleTTS re-chunks synthesized audio into frame-sized events.
func (s *Session) handleTTS(msg message) {
	if msg.Audio != "" {
		chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			s.emit(&provider.ErrorEvent{
				Err: core.NewProviderProtocolError("tts", "bad audio encoding", true),
			})
			return
		}

		s.mu.Lock()
		s.audioTail = append(s.audioTail, chunk...)
		var frames [][]byte
		for len(s.audioTail) >= s.frameBytes {
			frame := make([]byte, s.frameBytes)
			copy(frame, s.audioTail[:s.frameBytes])
			s.audioTail = s.audioTail[s.frameBytes:]
			frames = append(frames, frame)
		}
		s.mu.Unlock()

		for _, f := range frames {
			s.emit(&provider.AgentAudioEvent{Audio: f})
		}
	}

	if msg.Done {
		s.mu.Lock()
		tail := s.audioTail
		s.audioTail = nil
		s.mu.Unlock()

		if len(tail) > 0 {
			s.emit(&provider.AgentAudioEvent{Audio: tail})
		}
		s.emit(&provider.TurnCompleteEvent{})
	}
}

func (s *Session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func componentOr(component, fallback string) string {
	if component != "" {
		return component
	}
	return fallback
}
