package wire

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/transaction"
)

type mapping struct {
	reason string
	err    error
	code   codes.Code
}

// mappings is ordered: the first sentinel an error matches wins.
var mappings = []mapping{
	{"NOT_OWNER", transaction.ErrNotOwner, codes.FailedPrecondition},
	{"CONFLICT", transaction.ErrConflict, codes.Aborted},
	{"QUORUM_UNAVAILABLE", transaction.ErrQuorumUnavailable, codes.Unavailable},
	{"RECOVERING", transaction.ErrRecovering, codes.Unavailable},
	{"TIMEOUT", transaction.ErrTimeout, codes.DeadlineExceeded},
	{"STALE_OBSERVATION", transaction.ErrStaleObservation, codes.OutOfRange},
	{"DUPLICATE_ID", transaction.ErrDuplicateID, codes.AlreadyExists},
	{"OUT_OF_ORDER", transaction.ErrOutOfOrder, codes.FailedPrecondition},
	{"RANGE_UNAVAILABLE", transaction.ErrRangeUnavailable, codes.OutOfRange},
	{"PARTITION_NOT_FOUND", transaction.ErrPartitionNotFound, codes.NotFound},
	{"PARTITION_EXISTS", transaction.ErrPartitionExists, codes.AlreadyExists},
	{"INVALID_TRANSACTION", transaction.ErrInvalidTransaction, codes.InvalidArgument},
	{"CLOSED", transaction.ErrClosed, codes.Unavailable},
	{"NOT_LEADER", coordination.ErrNotLeader, codes.Unavailable},
	{"UNKNOWN_SERVER", coordination.ErrUnknownServer, codes.NotFound},
	{"STALE_ASSIGNMENT", coordination.ErrStaleAssignment, codes.Aborted},
	{"REPLICA_EXISTS", coordination.ErrReplicaExists, codes.AlreadyExists},
	{"REPLICA_NOT_FOUND", coordination.ErrReplicaNotFound, codes.NotFound},
}

// remoteError is an error received from a peer. It matches the sentinel the
// peer reported under errors.Is.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// ToStatus converts a server-side error to a gRPC status error. The message
// carries a reason prefix that FromStatus turns back into the sentinel.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return status.Error(m.code, m.reason+": "+err.Error())
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts an error returned by a gRPC call back into a local
// error. Known reasons match their sentinels; deadline and cancellation
// codes match the context errors.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	if reason, rest, found := strings.Cut(msg, ": "); found {
		for _, m := range mappings {
			if m.reason == reason {
				return &remoteError{sentinel: m.err, msg: rest}
			}
		}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &remoteError{sentinel: context.DeadlineExceeded, msg: msg}
	case codes.Canceled:
		return &remoteError{sentinel: context.Canceled, msg: msg}
	}
	return err
}
