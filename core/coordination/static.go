package coordination

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/transaction"
)

// Static owns a fixed set of partitions on the local server. Replica set
// changes are kept in memory only.
type Static struct {
	serverID string
	logger   *zap.Logger

	mu         sync.Mutex
	partitions map[int32]PartitionInfo
	listener   OwnershipListener
	// notifyMu orders listener calls.
	notifyMu sync.Mutex
}

var _ Service = (*Static)(nil)

func NewStatic(serverID string, partitions map[int32][]string, logger *zap.Logger) *Static {
	s := &Static{
		serverID:   serverID,
		logger:     logger.Named("coordination"),
		partitions: make(map[int32]PartitionInfo, len(partitions)),
	}
	for id, replicas := range partitions {
		s.partitions[id] = PartitionInfo{
			ID:         id,
			Replicas:   slices.Clone(replicas),
			Owner:      serverID,
			Generation: 1,
		}
	}
	return s
}

// Start grants every configured partition to listener.
func (s *Static) Start(ctx context.Context, listener OwnershipListener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("coordination: already started")
	}
	s.listener = listener
	var grants []Assignment
	for _, id := range slices.Sorted(maps.Keys(s.partitions)) {
		grants = append(grants, s.partitions[id].assignment())
	}
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, a := range grants {
		s.logger.Info("Ownership granted", zap.Int32("partition", a.PartitionID), zap.Strings("replicas", a.Replicas))
		listener.OnOwnershipGranted(a)
	}
	return nil
}

func (s *Static) update(partitionID int32, fn func(p *PartitionInfo) error) error {
	s.mu.Lock()
	p, ok := s.partitions[partitionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("partition %d: %w", partitionID, transaction.ErrPartitionNotFound)
	}
	p = p.clone()
	before := slices.Clone(p.Replicas)
	if err := fn(&p); err != nil {
		s.mu.Unlock()
		return err
	}
	s.partitions[partitionID] = p
	listener := s.listener
	s.mu.Unlock()

	if listener != nil && !slices.Equal(before, p.Replicas) {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		listener.OnReplicaSetChanged(p.assignment())
	}
	return nil
}

func (s *Static) AddReplica(ctx context.Context, partitionID int32, address string) error {
	return s.update(partitionID, func(p *PartitionInfo) error {
		if slices.Contains(p.Replicas, address) {
			return fmt.Errorf("partition %d, %s: %w", partitionID, address, ErrReplicaExists)
		}
		p.Replicas = append(p.Replicas, address)
		return nil
	})
}

func (s *Static) RemoveReplica(ctx context.Context, partitionID int32, address string) error {
	return s.update(partitionID, func(p *PartitionInfo) error {
		i := slices.Index(p.Replicas, address)
		if i < 0 {
			return fmt.Errorf("partition %d, %s: %w", partitionID, address, ErrReplicaNotFound)
		}
		if len(p.Replicas) == 1 {
			return fmt.Errorf("partition %d: cannot remove the last replica", partitionID)
		}
		p.Replicas = slices.Delete(p.Replicas, i, i+1)
		p.unflag(address)
		return nil
	})
}

// SetPreferredServer records the hint. Static ownership never moves, so the
// hint has no effect beyond being reported.
func (s *Static) SetPreferredServer(ctx context.Context, partitionID int32, serverID string) error {
	return s.update(partitionID, func(p *PartitionInfo) error {
		p.PreferredServer = serverID
		return nil
	})
}

func (s *Static) ClearPreferredServer(ctx context.Context, partitionID int32, serverID string) error {
	return s.update(partitionID, func(p *PartitionInfo) error {
		if p.PreferredServer == serverID {
			p.PreferredServer = ""
		}
		return nil
	})
}

// FlagReplica records the flag so operators see it in status output.
func (s *Static) FlagReplica(ctx context.Context, partitionID int32, address, reason string) error {
	err := s.update(partitionID, func(p *PartitionInfo) error {
		return p.flag(address, reason)
	})
	if err == nil {
		s.logger.Warn("Replica flagged", zap.Int32("partition", partitionID),
			zap.String("replica", address), zap.String("reason", reason))
	}
	return err
}

func (s *Static) ClearReplicaFlag(ctx context.Context, partitionID int32, address string) error {
	return s.update(partitionID, func(p *PartitionInfo) error {
		p.unflag(address)
		return nil
	})
}

func (s *Static) Partitions() []PartitionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PartitionInfo, 0, len(s.partitions))
	for _, id := range slices.Sorted(maps.Keys(s.partitions)) {
		out = append(out, s.partitions[id].clone())
	}
	return out
}

func (s *Static) Close() error { return nil }
