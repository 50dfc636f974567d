package dialog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxa-labs/callbridge/pkg/core/bargein"
)

// Session is the per-call state owned by one orchestrator.
type Session struct {
	ID        string
	Backend   string
	StartedAt time.Time

	History *History
	Gate    *bargein.Gate

	mu         sync.Mutex
	turn       TurnState
	tools      []ToolCallRecord
	callerRMS  float64
	callerPeak float64
}

// ToolCallRecord is one ledger entry for a requested tool call.
type ToolCallRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Success  bool      `json:"success"`
	Terminal bool      `json:"terminal"`
	At       time.Time `json:"at"`
}

// NewSession creates call state with a fresh ID.
func NewSession(backend string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Backend:   backend,
		StartedAt: time.Now(),
		History:   NewHistory(),
		Gate:      bargein.NewGate(),
	}
}

// Turn returns the current turn state.
func (s *Session) Turn() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// SetTurn moves to a new turn state and returns the previous one.
func (s *Session) SetTurn(next TurnState) TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.turn
	s.turn = next
	return prev
}

// SetCallerLevel records the current caller audio levels, measured over
// the orchestrator's recent-audio window.
func (s *Session) SetCallerLevel(rms, peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerRMS = rms
	s.callerPeak = peak
}

// CallerLevel returns the most recent caller audio levels.
func (s *Session) CallerLevel() (rms, peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callerRMS, s.callerPeak
}

// RecordToolCall appends to the tool ledger.
func (s *Session) RecordToolCall(rec ToolCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.At = time.Now()
	s.tools = append(s.tools, rec)
}

// ToolCalls returns a copy of the ledger.
func (s *Session) ToolCalls() []ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolCallRecord, len(s.tools))
	copy(out, s.tools)
	return out
}

// Summary is the read-only diagnostics view of a session.
type Summary struct {
	ID         string    `json:"id"`
	Backend    string    `json:"backend"`
	Turn       string    `json:"turn"`
	StartedAt  time.Time `json:"started_at"`
	Turns      int       `json:"history_len"`
	ToolCalls  int       `json:"tool_calls"`
	CallerRMS  float64   `json:"caller_rms"`
	CallerPeak float64   `json:"caller_peak"`
}

// Summarize builds the diagnostics view.
func (s *Session) Summarize() Summary {
	rms, peak := s.CallerLevel()
	return Summary{
		ID:         s.ID,
		Backend:    s.Backend,
		Turn:       s.Turn().String(),
		StartedAt:  s.StartedAt,
		Turns:      s.History.Len(),
		ToolCalls:  len(s.ToolCalls()),
		CallerRMS:  rms,
		CallerPeak: peak,
	}
}
