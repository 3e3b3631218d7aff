package spine

import (
	"sync"

	"github.com/govspine/govspine/internal/sensor"
)

// islandContext tracks the in-memory state the Spine needs per island
// beyond what the Ledger persists: the recent turn window fed to the
// Sensor and Verifier, and a running audit pass rate for the
// Verification axis of POAV. Rebuilt lazily; losing it across a restart
// only costs Sensor/Verifier some context, never ledger integrity.
type islandContext struct {
	mu            sync.Mutex
	turns         []sensor.Turn
	auditTotal    int
	auditPassed   int
	lastUserText  string
}

type contextRegistry struct {
	mu   sync.Mutex
	byID map[string]*islandContext
}

func newContextRegistry() *contextRegistry {
	return &contextRegistry{byID: make(map[string]*islandContext)}
}

func (r *contextRegistry) get(islandID string) *islandContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[islandID]
	if !ok {
		c = &islandContext{}
		r.byID[islandID] = c
	}
	return c
}

func (r *contextRegistry) drop(islandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, islandID)
}

func (c *islandContext) window() []sensor.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sensor.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *islandContext) recordTurn(user, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, sensor.Turn{User: user, Response: response})
	c.lastUserText = user
}

func (c *islandContext) recordAudit(passed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auditTotal++
	if passed {
		c.auditPassed++
	}
}

// auditPassRate returns the Verification axis input: 1.0 when no audits
// have run yet, since there is no evidence of failure — consistent with
// the Sensor's innocent-until-proven default.
func (c *islandContext) auditPassRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auditTotal == 0 {
		return 1.0
	}
	return float64(c.auditPassed) / float64(c.auditTotal)
}

// lastUserTextOr returns the most recent recorded user turn, falling back
// to the current utterance's text on the island's first turn.
func (c *islandContext) lastUserTextOr(current string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastUserText == "" {
		return current
	}
	return c.lastUserText
}

// recentPayloads returns the response half of recent turns, the grounding
// haystack the Verifier checks new claims against.
func (c *islandContext) recentPayloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.turns))
	for _, t := range c.turns {
		out = append(out, t.Response)
	}
	return out
}
