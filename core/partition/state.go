package partition

import "fmt"

// State is the lifecycle state of a partition on this server.
type State int32

const (
	// StateUnassigned: not owned here; submissions fail with NotOwner.
	StateUnassigned State = iota
	// StateRecovering: ownership granted, replica logs being reconciled.
	StateRecovering
	// StateActive: accepting submissions.
	StateActive
	// StateSuspended: quorum unavailable; submissions fail until a recovery
	// succeeds.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "UNASSIGNED"
	case StateRecovering:
		return "RECOVERING"
	case StateActive:
		return "ACTIVE"
	case StateSuspended:
		return "SUSPENDED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
