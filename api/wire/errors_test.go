package wire

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/transaction"
)

func TestStatusRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not owner", fmt.Errorf("partition 3: %w", transaction.ErrNotOwner), codes.FailedPrecondition},
		{"conflict", &transaction.ConflictError{ReqID: transaction.ReqID{ClientID: "c", Seq: 1}, ID: 4}, codes.Aborted},
		{"quorum", transaction.ErrQuorumUnavailable, codes.Unavailable},
		{"out of order", fmt.Errorf("append 7: %w", transaction.ErrOutOfOrder), codes.FailedPrecondition},
		{"partition not found", transaction.ErrPartitionNotFound, codes.NotFound},
		{"not leader", coordination.ErrNotLeader, codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ToStatus(tt.err)
			assert.Equal(t, tt.code, status.Code(st))

			back := FromStatus(st)
			require.Error(t, back)
			assert.True(t, errors.Is(back, errors.Unwrap(tt.err)) || errors.Is(back, tt.err),
				"%v should match the original sentinel", back)
		})
	}
}

func TestToStatus_PassesThroughStatusErrors(t *testing.T) {
	st := status.Error(codes.PermissionDenied, "nope")
	assert.Equal(t, st, ToStatus(st))
	assert.Nil(t, ToStatus(nil))
	assert.Nil(t, FromStatus(nil))
}

func TestFromStatus_UnknownReason(t *testing.T) {
	err := FromStatus(status.Error(codes.Internal, "disk on fire: sector 9"))
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.False(t, errors.Is(err, transaction.ErrNotOwner))

	plain := errors.New("not a status")
	assert.Equal(t, plain, FromStatus(plain))
}

func TestFromStatus_KeepsMessage(t *testing.T) {
	err := FromStatus(ToStatus(fmt.Errorf("partition 9: %w", transaction.ErrPartitionNotFound)))
	assert.ErrorIs(t, err, transaction.ErrPartitionNotFound)
	assert.Equal(t, "partition 9: partition not found", err.Error())
}
