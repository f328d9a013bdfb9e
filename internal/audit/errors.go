package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrSinkUnavailable means a record could not be durably written or read
	// back. Callers may retry.
	ErrSinkUnavailable = errors.New("audit sink unavailable")
	// ErrChainCorrupted means the persisted chain failed verification. The
	// chain refuses appends until an operator resolves it.
	ErrChainCorrupted = errors.New("audit chain corrupted")
	ErrClosed         = fmt.Errorf("%w: chain closed", ErrSinkUnavailable)
	ErrInvalidEntry   = errors.New("invalid audit entry")

	errTornRecord = errors.New("final record is not newline-terminated")
)

// CorruptionError reports the first record that failed verification.
type CorruptionError struct {
	BrokenAt uint64
	Reason   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("audit chain corrupted at sequence %d: %s", e.BrokenAt, e.Reason)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrChainCorrupted
}

func sinkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSinkUnavailable, op, err)
}
