package scrapequota

import (
	"errors"
	"fmt"
)

// Sentinel errors. The in-process decision path never returns these for an
// ordinary denial — CheckQuota and TryReserve signal denial with a false
// boolean plus a meter event. They exist for the state-store layer and for
// callers that need a typed error at an outer boundary.
var (
	ErrQuotaExceeded   = errors.New("scrapequota: quota exceeded")
	ErrBreakerOpen     = errors.New("scrapequota: circuit breaker open")
	ErrStateCorrupt    = errors.New("scrapequota: persisted state corrupt")
	ErrStateStale      = errors.New("scrapequota: persisted state stale")
	ErrUnknownTaskType = errors.New("scrapequota: unknown task type")
)

// StateError wraps a state-store failure with its operation context.
type StateError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("scrapequota: state %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether a state-store error should degrade to zeroed
// defaults rather than abort construction. Corrupt and stale snapshots are
// recoverable; anything else (permissions, I/O) is surfaced through the meter
// but still non-fatal by design.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrStateCorrupt) || errors.Is(err, ErrStateStale)
}
