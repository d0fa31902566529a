// Package replication fans ordered transaction records of one partition out
// to its storage replicas and tracks the quorum commit point.
package replication

import (
	"context"

	"github.com/sushant-115/gojowal/core/storage"
	"github.com/sushant-115/gojowal/core/transaction"
)

// Replica is a storage replica as seen by a partition leader. The remote
// implementation lives in api/storage_service; LocalReplica wraps an
// in-process store.
type Replica interface {
	ID() string
	Append(ctx context.Context, partitionID int32, rec transaction.Record) error
	// Read returns the records in [from, to), clipped to the replica's
	// high-water-mark.
	Read(ctx context.Context, partitionID int32, from, to transaction.ID) ([]transaction.Record, error)
	HighWaterMark(ctx context.Context, partitionID int32) (transaction.ID, error)
	TruncateAfter(ctx context.Context, partitionID int32, id transaction.ID) error
	Ping(ctx context.Context) error
}

// LocalReplica serves a storage.Store in the same process.
type LocalReplica struct {
	id    string
	store *storage.Store
}

func NewLocalReplica(id string, store *storage.Store) *LocalReplica {
	return &LocalReplica{id: id, store: store}
}

func (r *LocalReplica) ID() string { return r.id }

func (r *LocalReplica) Append(ctx context.Context, partitionID int32, rec transaction.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.store.Append(partitionID, rec)
}

func (r *LocalReplica) Read(ctx context.Context, partitionID int32, from, to transaction.ID) ([]transaction.Record, error) {
	c, err := r.store.Read(partitionID, from, to)
	if err != nil {
		return nil, err
	}
	return storage.ReadAll(c)
}

func (r *LocalReplica) HighWaterMark(ctx context.Context, partitionID int32) (transaction.ID, error) {
	return r.store.HighWaterMark(partitionID)
}

func (r *LocalReplica) TruncateAfter(ctx context.Context, partitionID int32, id transaction.ID) error {
	return r.store.TruncateAfter(partitionID, id)
}

func (r *LocalReplica) Ping(ctx context.Context) error {
	return ctx.Err()
}
