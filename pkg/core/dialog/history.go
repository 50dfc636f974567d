package dialog

import (
	"sync"
	"time"
)

// Entry is one conversation turn in the history.
type Entry struct {
	Role      string    `json:"role"` // "user", "assistant", "tool"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// History is the append-only conversation record for one call.
type History struct {
	mu      sync.Mutex
	entries []Entry
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds an entry. Entries are never modified or removed.
func (h *History) Append(role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// Entries returns a copy of the history in order.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Last returns the most recent entry, if any.
func (h *History) Last() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1], true
}
