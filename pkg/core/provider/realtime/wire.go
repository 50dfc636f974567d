// Package realtime adapts a monolithic full-duplex realtime backend to
// the normalized provider session. One websocket carries caller audio up
// and agent audio, transcripts, and tool calls down.
package realtime

// Client-to-server messages.

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Model             string         `json:"model,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	Tools             []toolDef      `json:"tools,omitempty"`
	TurnDetection     map[string]any `json:"turn_detection,omitempty"`
}

type toolDef struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16LE
}

type responseCancel struct {
	Type string `json:"type"`
}

type responseCreate struct {
	Type string `json:"type"`
}

type itemCreate struct {
	Type string   `json:"type"`
	Item wireItem `json:"item"`
}

type wireItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverEvent is the demux envelope for everything the backend sends.
// Fields are populated per type; unknown types are skipped.
type serverEvent struct {
	Type string `json:"type"`

	Session struct {
		ID string `json:"id"`
	} `json:"session"`

	// response.audio.delta, response.audio_transcript.delta, and
	// input transcription deltas all use this field.
	Delta string `json:"delta"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript"`

	// response.function_call_arguments.done
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
