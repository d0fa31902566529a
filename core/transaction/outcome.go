package transaction

import (
	"context"
	"errors"
	"fmt"
)

// Status is the client-visible result of a submission.
type Status int

const (
	StatusCommitted Status = iota
	StatusConflict
	StatusSuspended
	StatusNotOwner
	StatusTimeout
	StatusStaleObservation
	StatusFailed
)

var statusNames = [...]string{
	StatusCommitted:        "COMMITTED",
	StatusConflict:         "CONFLICT",
	StatusSuspended:        "SUSPENDED",
	StatusNotOwner:         "NOT_OWNER",
	StatusTimeout:          "TIMEOUT",
	StatusStaleObservation: "STALE_OBSERVATION",
	StatusFailed:           "FAILED",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome is what a submission resolves to.
type Outcome struct {
	Status        Status `json:"status"`
	TransactionID ID     `json:"transaction_id,omitempty"`
	ConflictReqID ReqID  `json:"conflict_req_id,omitempty"`
	ConflictID    ID     `json:"conflict_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// OutcomeOf converts the result of Partition.Submit into an Outcome. On a
// timeout id is the id the transaction was given, if any.
func OutcomeOf(id ID, err error) Outcome {
	if err == nil {
		return Outcome{Status: StatusCommitted, TransactionID: id}
	}
	out := Outcome{Status: StatusOf(err), TransactionID: id, Message: err.Error()}
	var ce *ConflictError
	if errors.As(err, &ce) {
		out.ConflictReqID = ce.ReqID
		out.ConflictID = ce.ID
	}
	return out
}

// StatusOf classifies a submission error.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusCommitted
	case errors.Is(err, ErrConflict):
		return StatusConflict
	case errors.Is(err, ErrNotOwner):
		return StatusNotOwner
	case errors.Is(err, ErrQuorumUnavailable), errors.Is(err, ErrRecovering):
		return StatusSuspended
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrStaleObservation):
		return StatusStaleObservation
	default:
		return StatusFailed
	}
}

// Err turns an Outcome back into the error Submit would have returned.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusCommitted:
		return nil
	case StatusConflict:
		return &ConflictError{ReqID: o.ConflictReqID, ID: o.ConflictID}
	case StatusSuspended:
		return ErrQuorumUnavailable
	case StatusNotOwner:
		return ErrNotOwner
	case StatusTimeout:
		return ErrTimeout
	case StatusStaleObservation:
		return ErrStaleObservation
	default:
		return errors.New(o.Message)
	}
}
