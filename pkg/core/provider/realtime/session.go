package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxa-labs/callbridge/pkg/core"
	"github.com/voxa-labs/callbridge/pkg/core/provider"
)

// Session is a provider.Session over one realtime websocket.
type Session struct {
	config provider.Config

	conn    *websocket.Conn
	events  chan provider.Event
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// NewSession creates an unopened realtime session.
func NewSession(config provider.Config) *Session {
	return &Session{
		config: config,
		events: make(chan provider.Event, 100),
		done:   make(chan struct{}),
	}
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

// Open dials the backend and sends the session configuration. The
// handshake completes asynchronously; a SessionReady event follows on the
// event stream once the backend acknowledges.
func (s *Session) Open(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return core.NewProviderProtocolError("realtime", err.Error(), false)
	}

	header := http.Header{}
	if s.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, s.config.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return core.NewTransportError("realtime", true,
				fmt.Errorf("backend connect (status %d): %w", resp.StatusCode, err))
		}
		return core.NewTransportError("realtime", true, fmt.Errorf("backend connect: %w", err))
	}
	s.conn = conn

	go s.readLoop()

	update := sessionUpdate{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Model:             s.config.Model,
			Instructions:      s.config.Instructions,
			Voice:             s.config.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Tools:             makeToolDefs(s.config.Tools),
			TurnDetection:     s.config.TurnDetection,
		},
	}
	if err := s.write(update); err != nil {
		s.Close()
		return err
	}
	return nil
}

func makeToolDefs(specs []provider.ToolSpec) []toolDef {
	defs := make([]toolDef, 0, len(specs))
	for _, t := range specs {
		defs = append(defs, toolDef{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return defs
}

// SendAudio forwards caller PCM as a base64 append message.
func (s *Session) SendAudio(pcm []byte) error {
	return s.write(audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText submits a typed user message and requests a response.
func (s *Session) SendText(text string) error {
	item := itemCreate{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.write(item); err != nil {
		return err
	}
	return s.write(responseCreate{Type: "response.create"})
}

// SubmitToolResult returns a tool outcome and requests the follow-up
// response.
func (s *Session) SubmitToolResult(result provider.ToolResult) error {
	output := result.Content
	if result.IsError {
		payload, _ := json.Marshal(map[string]string{"error": result.Content})
		output = string(payload)
	}
	item := itemCreate{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:   "function_call_output",
			CallID: result.ID,
			Output: output,
		},
	}
	if err := s.write(item); err != nil {
		return err
	}
	return s.write(responseCreate{Type: "response.create"})
}

// Interrupt cancels the in-flight response.
func (s *Session) Interrupt() error {
	return s.write(responseCancel{Type: "response.cancel"})
}

// Events returns the normalized event stream.
func (s *Session) Events() <-chan provider.Event {
	return s.events
}

// Close tears the socket down. Safe to call more than once.
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

func (s *Session) write(v any) error {
	if s.closed.Load() {
		return core.NewTransportError("realtime", false, fmt.Errorf("session closed"))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return core.NewProviderProtocolError("realtime", "marshal client event: "+err.Error(), false)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewTransportError("realtime", true, err)
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

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(&provider.ErrorEvent{Err: core.NewTransportError("realtime", true, err)})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.emit(&provider.ErrorEvent{
				Err: core.NewProviderProtocolError("realtime", "malformed server event", true),
			})
			continue
		}

		switch ev.Type {
		case "session.created", "session.updated":
			if ev.Type == "session.created" {
				s.emit(&provider.SessionReadyEvent{
					SessionID:  ev.Session.ID,
					SampleRate: s.config.SampleRate,
				})
			}

		case "conversation.item.input_audio_transcription.delta":
			s.emit(&provider.PartialTranscriptEvent{Text: ev.Delta})

		case "conversation.item.input_audio_transcription.completed":
			s.emit(&provider.FinalTranscriptEvent{Text: ev.Transcript})

		case "input_audio_buffer.speech_started":
			s.emit(&provider.InterruptedEvent{Reason: "speech_started"})

		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				s.emit(&provider.ErrorEvent{
					Err: core.NewProviderProtocolError("realtime", "bad audio delta encoding", true),
				})
				continue
			}
			s.emit(&provider.AgentAudioEvent{Audio: audio})

		case "response.audio_transcript.delta":
			s.emit(&provider.AgentTextEvent{Delta: ev.Delta})

		case "response.function_call_arguments.done":
			s.emit(&provider.ToolCallRequestedEvent{
				ID:        ev.CallID,
				Name:      ev.Name,
				Arguments: json.RawMessage(ev.Arguments),
			})

		case "response.done":
			s.emit(&provider.TurnCompleteEvent{})

		case "error":
			s.emit(&provider.ErrorEvent{
				Err: core.NewProviderProtocolError("realtime", ev.Error.Message, true),
			})
		}
	}
}

func (s *Session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
