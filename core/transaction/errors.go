package transaction

import (
	"errors"
	"fmt"
)

var (
	ErrNotOwner           = errors.New("server does not own the partition")
	ErrConflict           = errors.New("transaction conflicts with an unobserved transaction")
	ErrQuorumUnavailable  = errors.New("partition suspended: quorum unavailable")
	ErrRecovering         = errors.New("partition is recovering")
	ErrTimeout            = errors.New("timed out waiting for quorum, outcome unknown")
	ErrStaleObservation   = errors.New("observed high-water-mark is older than the conflict window")
	ErrDuplicateID        = errors.New("transaction id already exists with different content")
	ErrOutOfOrder         = errors.New("transaction id is not next in sequence")
	ErrRangeUnavailable   = errors.New("requested range is not available")
	ErrPartitionNotFound  = errors.New("partition not found")
	ErrPartitionExists    = errors.New("partition already exists")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrClosed             = errors.New("closed")
)

// ConflictError is returned for a conflicting submission. It names the
// earliest conflicting transaction.
type ConflictError struct {
	ReqID ReqID
	ID    ID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s (transaction %d)", ErrConflict, e.ReqID, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// IsInvariantViolation reports whether err means a replica log disagrees with
// the leader. Such errors force the partition back through recovery.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrOutOfOrder)
}
