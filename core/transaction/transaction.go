// Package transaction defines the records that flow through a gojowal
// partition: client transactions, the replicated log records built from
// them, and the outcomes reported back to clients.
package transaction

import (
	"bytes"
	"fmt"
	"slices"
)

// ID is a per-partition transaction id. Ids start at 1; NoID means
// "nothing committed yet" or "not assigned".
type ID uint64

// NoID is the zero id.
const NoID ID = 0

// ReqID identifies a client request. It is unique per client and is used to
// de-duplicate re-submissions and to report conflicts.
type ReqID struct {
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

func (r ReqID) String() string {
	return fmt.Sprintf("%s#%d", r.ClientID, r.Seq)
}

// IsZero reports whether the request id was never set.
func (r ReqID) IsZero() bool {
	return r.ClientID == "" && r.Seq == 0
}

// Transaction is what a client submits. It is immutable once submitted.
type Transaction struct {
	ReqID         ReqID    `json:"req_id"`
	PartitionID   int32    `json:"partition_id"`
	WriteLockKeys []string `json:"write_lock_keys,omitempty"`
	ReadLockKeys  []string `json:"read_lock_keys,omitempty"`
	Body          []byte   `json:"body,omitempty"`
	// ClientHighWaterMark is the last partition state the client observed
	// before deciding what to write.
	ClientHighWaterMark ID `json:"client_high_water_mark"`
}

// Validate checks the fields the server relies on.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if t.ReqID.ClientID == "" {
		return fmt.Errorf("%w: missing client id", ErrInvalidTransaction)
	}
	if t.PartitionID < 0 {
		return fmt.Errorf("%w: negative partition id %d", ErrInvalidTransaction, t.PartitionID)
	}
	return nil
}

// Record builds the log record stored by replicas once id has been assigned.
func (t *Transaction) Record(id ID) Record {
	return Record{
		ID:            id,
		ReqID:         t.ReqID,
		WriteLockKeys: t.WriteLockKeys,
		ReadLockKeys:  t.ReadLockKeys,
		Body:          t.Body,
	}
}

// Record is one entry of a partition log.
type Record struct {
	ID            ID       `json:"id"`
	ReqID         ReqID    `json:"req_id"`
	WriteLockKeys []string `json:"write_lock_keys,omitempty"`
	ReadLockKeys  []string `json:"read_lock_keys,omitempty"`
	Body          []byte   `json:"body,omitempty"`
}

// Equal reports whether two records have identical content. Replicas use it
// to accept idempotent re-appends.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID &&
		r.ReqID == o.ReqID &&
		slices.Equal(r.WriteLockKeys, o.WriteLockKeys) &&
		slices.Equal(r.ReadLockKeys, o.ReadLockKeys) &&
		bytes.Equal(r.Body, o.Body)
}
