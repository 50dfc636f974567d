// Package dialog owns the per-call conversation state and the
// orchestrator that binds transport, audio path, barge-in, provider, and
// tools into one call.
package dialog

// TurnState is the call's position in the turn-taking cycle.
type TurnState int

const (
	// TurnIdle means no turn is in progress.
	TurnIdle TurnState = iota
	// TurnListening means caller audio is streaming to the backend.
	TurnListening
	// TurnThinking means a committed transcript awaits the agent's reply.
	TurnThinking
	// TurnSpeaking means agent audio is playing toward the caller.
	TurnSpeaking
	// TurnInterrupted means a barge-in is tearing down agent playback.
	TurnInterrupted
)

// String returns a human-readable turn state name.
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "IDLE"
	case TurnListening:
		return "LISTENING"
	case TurnThinking:
		return "THINKING"
	case TurnSpeaking:
		return "SPEAKING"
	case TurnInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}
