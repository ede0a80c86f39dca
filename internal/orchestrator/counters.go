package orchestrator

import "sync"

// SessionCounters tracks per-session running operation counts. It is an
// explicit dependency-injected instance, never a package-level
// singleton, so parallel test instances cannot bleed state into each
// other. Init, Increment, Finalize, and Clear are the only mutation
// surface.
type SessionCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewSessionCounters() *SessionCounters {
	return &SessionCounters{counts: make(map[string]int)}
}

// Init registers a session with a zero count. Re-initializing resets
// the count.
func (c *SessionCounters) Init(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID] = 0
}

// Increment bumps a session's count, registering it if unknown, and
// returns the new value.
func (c *SessionCounters) Increment(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID]++
	return c.counts[sessionID]
}

// Finalize removes a session and returns its final count.
func (c *SessionCounters) Finalize(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	final := c.counts[sessionID]
	delete(c.counts, sessionID)
	return final
}

// Clear drops all sessions.
func (c *SessionCounters) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}

// Get returns a session's current count without mutating it.
func (c *SessionCounters) Get(sessionID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[sessionID]
	return n, ok
}
