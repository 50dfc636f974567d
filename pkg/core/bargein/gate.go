package bargein

import "sync"

// Gate tracks agent audio in flight toward the caller. While any token is
// outstanding, inbound caller audio is held back from the provider so the
// agent's own voice cannot echo into its input. Holds are counted, not
// boolean: overlapping spans (synthesis still streaming while earlier
// audio drains onto the wire) each acquire independently, and inbound
// forwarding resumes only when every token has been released.
type Gate struct {
	mu          sync.Mutex
	outstanding int
}

// Token represents one span of agent audio in flight. Release is
// idempotent; releasing twice cannot reopen the gate early for another
// holder.
type Token struct {
	gate     *Gate
	released bool
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Acquire marks agent audio in flight until the returned token is
// released.
func (g *Gate) Acquire() *Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outstanding++
	return &Token{gate: g}
}

// Release returns the token. Safe to call more than once.
func (t *Token) Release() {
	t.gate.mu.Lock()
	defer t.gate.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	t.gate.outstanding--
}

// Suppressed reports whether any token is outstanding.
func (g *Gate) Suppressed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding > 0
}

// Outstanding returns the current holder count, for diagnostics.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}
