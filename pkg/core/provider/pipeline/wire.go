// Package pipeline adapts a modular STT/LLM/TTS stack behind one local
// control websocket to the normalized provider session. Caller audio goes
// up as binary frames; JSON text messages multiplex the three components.
package pipeline

import "encoding/json"

// message is the control envelope in both directions. Type selects which
// fields are meaningful; unknown types are skipped.
type message struct {
	Type string `json:"type"`

	// set_mode
	Mode   string         `json:"mode,omitempty"`
	Config map[string]any `json:"config,omitempty"`

	// audio (base64 JSON alternative to binary frames)
	Audio string `json:"audio,omitempty"`

	// stt_response
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// llm_request
	Messages []chatMessage `json:"messages,omitempty"`
	Tools    []flatTool    `json:"tools,omitempty"`

	// llm_response
	Delta    string    `json:"delta,omitempty"`
	Done     bool      `json:"done,omitempty"`
	ToolCall *toolCall `json:"tool_call,omitempty"`

	// tts_request / tts_response
	Voice string `json:"voice,omitempty"`
	Flush bool   `json:"flush,omitempty"`

	// status
	State string `json:"state,omitempty"`

	// switch_model
	Component string `json:"component,omitempty"`
	Model     string `json:"model,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

type chatMessage struct {
	Role       string      `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolResult *toolResult `json:"tool_result,omitempty"`
}

type toolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// flatTool is the pipeline's tool schema: no function wrapper.
type flatTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
