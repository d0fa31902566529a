package transaction

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEqual(t *testing.T) {
	txn := &Transaction{
		ReqID:         ReqID{ClientID: "c1", Seq: 4},
		WriteLockKeys: []string{"A"},
		ReadLockKeys:  []string{"B"},
		Body:          []byte("payload"),
	}
	a := txn.Record(3)
	b := txn.Record(3)
	require.True(t, a.Equal(b))

	b.Body = []byte("other")
	assert.False(t, a.Equal(b))

	c := txn.Record(4)
	assert.False(t, a.Equal(c))
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, (*Transaction)(nil).Validate(), ErrInvalidTransaction)
	require.ErrorIs(t, (&Transaction{}).Validate(), ErrInvalidTransaction)
	require.ErrorIs(t, (&Transaction{ReqID: ReqID{ClientID: "c"}, PartitionID: -1}).Validate(), ErrInvalidTransaction)
	require.NoError(t, (&Transaction{ReqID: ReqID{ClientID: "c"}}).Validate())
}

func TestOutcomeRoundTrip(t *testing.T) {
	cases := []struct {
		err    error
		status Status
	}{
		{nil, StatusCommitted},
		{&ConflictError{ReqID: ReqID{ClientID: "x", Seq: 1}, ID: 9}, StatusConflict},
		{fmt.Errorf("partition 3: %w", ErrNotOwner), StatusNotOwner},
		{ErrQuorumUnavailable, StatusSuspended},
		{ErrRecovering, StatusSuspended},
		{ErrTimeout, StatusTimeout},
		{ErrStaleObservation, StatusStaleObservation},
		{errors.New("boom"), StatusFailed},
	}
	for _, tc := range cases {
		out := OutcomeOf(7, tc.err)
		require.Equal(t, tc.status, out.Status, "err=%v", tc.err)
		if tc.err == nil {
			require.Equal(t, ID(7), out.TransactionID)
			require.NoError(t, out.Err())
			continue
		}
		require.Error(t, out.Err())
		require.Equal(t, tc.status, StatusOf(out.Err()))
	}

	out := OutcomeOf(0, &ConflictError{ReqID: ReqID{ClientID: "x", Seq: 1}, ID: 9})
	var ce *ConflictError
	require.ErrorAs(t, out.Err(), &ce)
	require.Equal(t, ID(9), ce.ID)
	require.Equal(t, "x", ce.ReqID.ClientID)
}

func TestIsInvariantViolation(t *testing.T) {
	assert.True(t, IsInvariantViolation(fmt.Errorf("append: %w", ErrOutOfOrder)))
	assert.True(t, IsInvariantViolation(ErrDuplicateID))
	assert.False(t, IsInvariantViolation(ErrRangeUnavailable))
}
