package ledger

import "errors"

// Sentinel errors returned at the ledger boundary. Wrapped with context
// via fmt.Errorf("...: %w", ...) so callers can still errors.Is against
// these while getting a readable message.
var (
	ErrIslandNotActive      = errors.New("IslandNotActive")
	ErrIslandBreakerTripped = errors.New("IslandBreakerTripped")
	ErrChainCorrupted       = errors.New("ChainCorrupted")
	ErrSequenceGap          = errors.New("SequenceGap")
)
