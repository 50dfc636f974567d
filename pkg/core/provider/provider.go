// Package provider defines the normalized session abstraction over
// conversational AI backends. A backend is one Session per call; the
// dialog orchestrator consumes the same event stream whether the backend
// is a monolithic realtime socket or a modular STT/LLM/TTS pipeline.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Session is a live conversation with one backend. Events are ordered per
// session and the channel is closed when the session ends. SendAudio
// accepts 16-bit little-endian PCM at the configured sample rate.
type Session interface {
	// Open establishes the backend connection and completes the handshake.
	Open(ctx context.Context) error

	// SendAudio forwards one chunk of caller PCM.
	SendAudio(pcm []byte) error

	// SendText submits a typed user message in place of audio.
	SendText(text string) error

	// SubmitToolResult returns a tool outcome to the model.
	SubmitToolResult(result ToolResult) error

	// Interrupt cancels the in-flight agent response after a barge-in.
	Interrupt() error

	// Events is the normalized event stream. Closed on session end.
	Events() <-chan Event

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Factory opens sessions for a configured backend. The orchestrator uses
// it for the initial connect and the single reconnect attempt.
type Factory func(ctx context.Context) (Session, error)

// ToolSpec advertises one callable tool to the backend.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// ToolResult carries a tool outcome back to the backend.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Config is the backend-independent session configuration.
type Config struct {
	// Backend selects the variant: "realtime" or "pipeline".
	Backend string `json:"backend"`

	// URL of the backend socket.
	URL string `json:"url"`

	// APIKey for the backend, if it requires one.
	APIKey string `json:"api_key,omitempty"`

	// Model name, backend-specific.
	Model string `json:"model,omitempty"`

	// Voice for synthesis.
	Voice string `json:"voice,omitempty"`

	// Instructions is the system prompt.
	Instructions string `json:"instructions,omitempty"`

	// SampleRate of PCM exchanged with the backend.
	SampleRate int `json:"sample_rate"`

	// Tools advertised for this call.
	Tools []ToolSpec `json:"tools,omitempty"`

	// TurnDetection overrides the backend's activity detection. Leave nil
	// to keep backend defaults; overrides are experimental.
	TurnDetection map[string]any `json:"turn_detection,omitempty"`
}

// Validate reports the first configuration problem.
func (c Config) Validate() error {
	switch c.Backend {
	case "realtime", "pipeline":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.URL == "" {
		return fmt.Errorf("backend url required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	return nil
}

// Event is the interface for all normalized provider events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// SessionReadyEvent is emitted once the backend handshake completes.
type SessionReadyEvent struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
}

func (e *SessionReadyEvent) EventType() string { return "session.ready" }

// PartialTranscriptEvent carries an interim caller transcript.
type PartialTranscriptEvent struct {
	Text string `json:"text"`
}

func (e *PartialTranscriptEvent) EventType() string { return "transcript.partial" }

// FinalTranscriptEvent carries a committed caller transcript.
type FinalTranscriptEvent struct {
	Text string `json:"text"`
}

func (e *FinalTranscriptEvent) EventType() string { return "transcript.final" }

// AgentAudioEvent carries one chunk of synthesized agent speech, PCM16LE
// at the session sample rate.
type AgentAudioEvent struct {
	Audio []byte `json:"audio"`
}

func (e *AgentAudioEvent) EventType() string { return "agent.audio" }

// AgentTextEvent carries the agent's reply text as it streams.
type AgentTextEvent struct {
	Delta string `json:"delta"`
}

func (e *AgentTextEvent) EventType() string { return "agent.text" }

// ToolCallRequestedEvent asks the engine to run a tool.
type ToolCallRequestedEvent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (e *ToolCallRequestedEvent) EventType() string { return "tool.requested" }

// TurnCompleteEvent marks the end of an agent turn.
type TurnCompleteEvent struct{}

func (e *TurnCompleteEvent) EventType() string { return "turn.complete" }

// InterruptedEvent reports a backend-detected caller interruption.
type InterruptedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *InterruptedEvent) EventType() string { return "turn.interrupted" }

// ErrorEvent surfaces a backend error on the event stream.
type ErrorEvent struct {
	Err error `json:"-"`
}

func (e *ErrorEvent) EventType() string { return "error" }
