// Package coordination decides which log server owns each partition and
// tells the local server when that changes.
//
// Two implementations exist. Raft keeps servers, partitions and owners in a
// hashicorp/raft replicated state machine and lets the raft leader place
// partitions on live servers. Static serves a fixed set of partitions from
// configuration and is meant for single-server deployments.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrNotLeader        = errors.New("not the coordination leader")
	ErrUnknownServer    = errors.New("unknown server")
	ErrStaleAssignment  = errors.New("stale ownership assignment")
	ErrReplicaExists    = errors.New("replica already in replica set")
	ErrReplicaNotFound  = errors.New("replica not in replica set")
	ErrUnknownOperation = errors.New("unknown coordination command")
)

// Assignment grants ownership of a partition to the local server.
// Generation increases every time ownership of the partition moves.
type Assignment struct {
	PartitionID int32
	Replicas    []string
	Generation  uint64
}

// OwnershipListener receives ownership changes for the local server. Calls
// are made one at a time from a single goroutine.
type OwnershipListener interface {
	OnOwnershipGranted(a Assignment)
	OnOwnershipRevoked(partitionID int32)
	OnReplicaSetChanged(a Assignment)
}

// Service is the coordination surface a log server depends on.
type Service interface {
	// Start begins delivering ownership changes to listener.
	Start(ctx context.Context, listener OwnershipListener) error
	AddReplica(ctx context.Context, partitionID int32, address string) error
	RemoveReplica(ctx context.Context, partitionID int32, address string) error
	// SetPreferredServer records a placement hint: the partition should be
	// led by serverID while that server is live.
	SetPreferredServer(ctx context.Context, partitionID int32, serverID string) error
	// ClearPreferredServer drops the hint if it names serverID.
	ClearPreferredServer(ctx context.Context, partitionID int32, serverID string) error
	// FlagReplica records that a replica keeps failing and needs operator
	// attention. ClearReplicaFlag drops the record once it is healthy again.
	FlagReplica(ctx context.Context, partitionID int32, address, reason string) error
	ClearReplicaFlag(ctx context.Context, partitionID int32, address string) error
	Partitions() []PartitionInfo
	Close() error
}

// ServerInfo describes a log server known to the coordination service.
type ServerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Live    bool   `json:"live"`
}

// PartitionInfo is the replicated record of one partition.
type PartitionInfo struct {
	ID              int32    `json:"id"`
	Replicas        []string `json:"replicas"`
	PreferredServer string   `json:"preferred_server,omitempty"`
	Owner           string   `json:"owner,omitempty"`
	Generation      uint64   `json:"generation"`
	// Flagged maps replicas reported as failing to the last error seen.
	Flagged map[string]string `json:"flagged,omitempty"`
}

func (p PartitionInfo) clone() PartitionInfo {
	p.Replicas = slices.Clone(p.Replicas)
	p.Flagged = maps.Clone(p.Flagged)
	return p
}

func (p *PartitionInfo) flag(address, reason string) error {
	if !slices.Contains(p.Replicas, address) {
		return fmt.Errorf("partition %d, %s: %w", p.ID, address, ErrReplicaNotFound)
	}
	if p.Flagged == nil {
		p.Flagged = make(map[string]string)
	}
	p.Flagged[address] = reason
	return nil
}

func (p *PartitionInfo) unflag(address string) {
	delete(p.Flagged, address)
	if len(p.Flagged) == 0 {
		p.Flagged = nil
	}
}

func (p PartitionInfo) assignment() Assignment {
	return Assignment{PartitionID: p.ID, Replicas: slices.Clone(p.Replicas), Generation: p.Generation}
}
