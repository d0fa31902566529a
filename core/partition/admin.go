package partition

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/transaction"
)

// Status is a point-in-time view of a partition for operators.
type Status struct {
	PartitionID   int32                       `json:"partition_id"`
	State         string                      `json:"state"`
	HighWaterMark transaction.ID              `json:"high_water_mark"`
	NextID        transaction.ID              `json:"next_id,omitempty"`
	QuorumSize    int                         `json:"quorum_size"`
	WindowFloor   transaction.ID              `json:"window_floor"`
	WindowLen     int                         `json:"window_len"`
	Replicas      []replication.ReplicaStatus `json:"replicas"`
}

func (p *Partition) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		PartitionID:   p.id,
		State:         p.State().String(),
		HighWaterMark: p.HighWaterMark(),
		QuorumSize:    quorumFor(p.opts.QuorumSize, len(p.replicas)),
	}
	if p.detector != nil {
		st.NextID = p.nextID
		st.WindowFloor = p.detector.Floor()
		st.WindowLen = p.detector.Len()
	}
	if p.coord != nil {
		st.Replicas = p.coord.Status()
		return st
	}
	for _, r := range p.replicas {
		st.Replicas = append(st.Replicas, replication.ReplicaStatus{ReplicaID: r.ID()})
	}
	return st
}

// ReplicaIDs lists the replica set in order.
func (p *Partition) ReplicaIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.replicas))
	for i, r := range p.replicas {
		ids[i] = r.ID()
	}
	return ids
}

// Replicas returns the replica set in order.
func (p *Partition) Replicas() []replication.Replica {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.replicas)
}

// AddReplica extends the replica set. An owned partition re-runs recovery
// over the new set, after which the new replica is caught up in the
// background.
func (p *Partition) AddReplica(ctx context.Context, r replication.Replica) error {
	p.mu.Lock()
	next := append(slices.Clone(p.replicas), r)
	if err := validateReplicaSet(next, p.opts.QuorumSize); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("partition %d: add replica %s: %w", p.id, r.ID(), err)
	}
	p.replicas = next
	owned := p.State() != StateUnassigned
	p.mu.Unlock()

	p.logger.Info("Replica added", zap.String("replica", r.ID()))
	if owned {
		return p.recover(ctx)
	}
	return nil
}

// catchUpPoll is how often RemoveReplica checks the remaining replicas.
const catchUpPoll = 10 * time.Millisecond

// RemoveReplica shrinks the replica set. On an owned partition the remaining
// replicas must first hold the high-water-mark on a quorum of the smaller
// set; removal is refused if they do not catch up in time.
func (p *Partition) RemoveReplica(ctx context.Context, replicaID string) error {
	p.mu.Lock()
	next, err := p.without(replicaID)
	coord := p.coord
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if coord != nil {
		if err := p.awaitCaughtUp(ctx, coord, next); err != nil {
			return fmt.Errorf("partition %d: remove replica %s: %w", p.id, replicaID, err)
		}
	}

	p.mu.Lock()
	next, err = p.without(replicaID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.replicas = next
	owned := p.State() != StateUnassigned
	p.mu.Unlock()

	p.logger.Info("Replica removed", zap.String("replica", replicaID))
	if owned {
		return p.recover(ctx)
	}
	return nil
}

// without returns the replica set minus replicaID. Callers hold p.mu.
func (p *Partition) without(replicaID string) ([]replication.Replica, error) {
	i := slices.IndexFunc(p.replicas, func(r replication.Replica) bool { return r.ID() == replicaID })
	if i < 0 {
		return nil, fmt.Errorf("partition %d: replica %s is not in the replica set", p.id, replicaID)
	}
	next := slices.Delete(slices.Clone(p.replicas), i, i+1)
	if err := validateReplicaSet(next, p.opts.QuorumSize); err != nil {
		return nil, fmt.Errorf("partition %d: remove replica %s: %w", p.id, replicaID, err)
	}
	return next, nil
}

// awaitCaughtUp waits until a quorum of replicas holds the high-water-mark,
// as acknowledged to coord.
func (p *Partition) awaitCaughtUp(ctx context.Context, coord *replication.Coordinator, replicas []replication.Replica) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RecoveryTimeout)
	defer cancel()
	quorum := quorumFor(p.opts.QuorumSize, len(replicas))
	member := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		member[r.ID()] = true
	}
	ticker := p.opts.Clock.Ticker(catchUpPoll)
	defer ticker.Stop()
	for {
		hwm := p.HighWaterMark()
		holding := 0
		for _, st := range coord.Status() {
			if member[st.ReplicaID] && st.Acked >= hwm {
				holding++
			}
		}
		if holding >= quorum {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d of the remaining replicas hold id %d, need %d",
				transaction.ErrQuorumUnavailable, holding, hwm, quorum)
		case <-ticker.C:
		}
	}
}
