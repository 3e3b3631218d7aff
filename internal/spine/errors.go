package spine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies boundary errors so callers can branch on kind
// rather than parse a message.
type ErrorKind string

const (
	KindIslandNotActive        ErrorKind = "IslandNotActive"
	KindIslandBreakerTripped   ErrorKind = "IslandBreakerTripped"
	KindCallerDeadlineExceeded ErrorKind = "CallerDeadlineExceeded"
	KindDrafterUnavailable     ErrorKind = "DrafterUnavailable"
	KindPolicyRejected         ErrorKind = "PolicyRejected"
	KindChainCorrupted         ErrorKind = "ChainCorrupted"
	KindBackpressure           ErrorKind = "Backpressure"
)

// BoundaryError is returned at the caller-facing surface for every error
// kind in the taxonomy. All kinds are retriable except PolicyRejected and
// ChainCorrupted.
type BoundaryError struct {
	kind   ErrorKind
	reason string
	cause  error
}

func (e *BoundaryError) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("%s: %s", e.kind, e.reason)
	}
	return string(e.kind)
}

func (e *BoundaryError) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy kind.
func (e *BoundaryError) Kind() ErrorKind { return e.kind }

// Retriable reports whether the caller should retry. Only PolicyRejected
// and ChainCorrupted are not.
func (e *BoundaryError) Retriable() bool {
	return e.kind != KindPolicyRejected && e.kind != KindChainCorrupted
}

func newBoundaryError(kind ErrorKind, reason string, cause error) *BoundaryError {
	return &BoundaryError{kind: kind, reason: reason, cause: cause}
}

// AsBoundaryError extracts a *BoundaryError from err, if present.
func AsBoundaryError(err error) (*BoundaryError, bool) {
	var be *BoundaryError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
