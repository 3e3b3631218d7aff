package ledger

import (
	"fmt"
	"sync"
	"time"
)

// IslandState is one of ACTIVE, SUSPENDED, CLOSED.
type IslandState string

const (
	IslandActive    IslandState = "ACTIVE"
	IslandSuspended IslandState = "SUSPENDED"
	IslandClosed    IslandState = "CLOSED"
)

// Meta is the persisted, non-record state of one TimeIsland: everything
// needed to resume chain construction without replaying every record.
type Meta struct {
	IslandID            string      `json:"island_id"`
	CreatedAt           time.Time   `json:"created_at"`
	State               IslandState `json:"state"`
	ContextDigest       string      `json:"context_digest"`
	IslandHash          string      `json:"island_hash"` // tip
	NextSequence        uint64      `json:"next_sequence"`
	ConsecutiveRollbacks int        `json:"consecutive_rollbacks"`
	BreakerTripped      bool        `json:"breaker_tripped"`
}

// islandHandle pairs the persisted Meta with the mutex that serializes
// all writers for this island. One writer at a time per island; no
// cross-island locks, matching the per-island mutex model the escalation
// package uses for ProcessState.
type islandHandle struct {
	mu         sync.Mutex
	meta       Meta
	lastRecord Record // in-memory only; reconstructed on rehydrate from the records bucket
}

// transition validates and applies a state machine edge. Returns an
// error describing the illegal transition rather than silently ignoring
// it; CLOSED is always terminal.
func (h *islandHandle) transition(to IslandState) error {
	from := h.meta.State
	if from == IslandClosed {
		if to == IslandClosed {
			return nil // idempotent close, see Laws: Idempotence
		}
		return fmt.Errorf("island %s is CLOSED (terminal), cannot transition to %s", h.meta.IslandID, to)
	}
	switch {
	case from == IslandActive && to == IslandActive:
		return nil // append keeps it ACTIVE
	case from == IslandActive && to == IslandSuspended:
	case from == IslandActive && to == IslandClosed:
	case from == IslandSuspended && to == IslandActive:
	case from == IslandSuspended && to == IslandClosed:
	default:
		return fmt.Errorf("illegal transition %s -> %s for island %s", from, to, h.meta.IslandID)
	}
	h.meta.State = to
	return nil
}

func (h *islandHandle) canAppend() error {
	if h.meta.BreakerTripped {
		return fmt.Errorf("%w: island %s", ErrIslandBreakerTripped, h.meta.IslandID)
	}
	if h.meta.State != IslandActive {
		return fmt.Errorf("%w: island %s is %s", ErrIslandNotActive, h.meta.IslandID, h.meta.State)
	}
	return nil
}
