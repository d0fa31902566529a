// Package server is the session layer of a log server: it keeps the
// registry of owned partitions in step with the coordination service and
// routes client and admin requests to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/partition"
	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/transaction"
)

// Dialer opens a replica client for one partition. Requests it sends carry
// the leader generation so storage can fence out older leaders.
type Dialer interface {
	Dial(address string, partitionID int32, generation uint64) (replication.Replica, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(address string, partitionID int32, generation uint64) (replication.Replica, error)

func (f DialFunc) Dial(address string, partitionID int32, generation uint64) (replication.Replica, error) {
	return f(address, partitionID, generation)
}

type Config struct {
	ServerID     string
	Partition    partition.Options
	Dialer       Dialer
	Coordination coordination.Service
	// ConnectivityTimeout bounds each replica ping.
	ConnectivityTimeout time.Duration
	Logger              *zap.Logger
}

// Server owns the partitions granted to it and serves requests for them.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	registry *Registry

	// ownershipMu orders ownership callbacks.
	ownershipMu sync.Mutex
	generations map[int32]uint64

	preferredMu sync.Mutex
	preferred   map[int32]struct{}
}

var _ coordination.OwnershipListener = (*Server)(nil)

func New(cfg Config) (*Server, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("server: a replica dialer is required")
	}
	if cfg.Coordination == nil {
		return nil, errors.New("server: a coordination service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ConnectivityTimeout <= 0 {
		cfg.ConnectivityTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger.Named("server"),
		registry:    NewRegistry(),
		generations: make(map[int32]uint64),
		preferred:   make(map[int32]struct{}),
	}
	if s.cfg.Partition.Logger == nil {
		s.cfg.Partition.Logger = cfg.Logger
	}
	if s.cfg.Partition.OnReplicaFlagged == nil {
		s.cfg.Partition.OnReplicaFlagged = func(partitionID int32, replicaID string, err error) {
			s.logger.Error("Replica needs operator attention",
				zap.Int32("partition", partitionID), zap.String("replica", replicaID), zap.Error(err))
			go s.recordFlag(partitionID, replicaID, err.Error())
		}
	}
	if s.cfg.Partition.OnReplicaRecovered == nil {
		s.cfg.Partition.OnReplicaRecovered = func(partitionID int32, replicaID string) {
			s.logger.Info("Flagged replica recovered",
				zap.Int32("partition", partitionID), zap.String("replica", replicaID))
			go s.recordFlag(partitionID, replicaID, "")
		}
	}
	return s, nil
}

// recordFlag publishes a replica flag to the coordination service so it
// shows up in status on every server. An empty reason clears the flag.
func (s *Server) recordFlag(partitionID int32, replicaID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectivityTimeout)
	defer cancel()
	var err error
	if reason == "" {
		err = s.cfg.Coordination.ClearReplicaFlag(ctx, partitionID, replicaID)
	} else {
		err = s.cfg.Coordination.FlagReplica(ctx, partitionID, replicaID, reason)
	}
	if err != nil {
		s.logger.Warn("Cannot record replica flag", zap.Int32("partition", partitionID),
			zap.String("replica", replicaID), zap.Error(err))
	}
}

func (s *Server) Registry() *Registry { return s.registry }

// Start subscribes to ownership changes.
func (s *Server) Start(ctx context.Context) error {
	return s.cfg.Coordination.Start(ctx, s)
}

func (s *Server) dialAll(a coordination.Assignment) ([]replication.Replica, error) {
	replicas := make([]replication.Replica, 0, len(a.Replicas))
	for _, addr := range a.Replicas {
		r, err := s.cfg.Dialer.Dial(addr, a.PartitionID, a.Generation)
		if err != nil {
			return nil, fmt.Errorf("dial replica %s: %w", addr, err)
		}
		replicas = append(replicas, r)
	}
	return replicas, nil
}

func (s *Server) OnOwnershipGranted(a coordination.Assignment) {
	s.ownershipMu.Lock()
	defer s.ownershipMu.Unlock()
	logger := s.logger.With(zap.Int32("partition", a.PartitionID), zap.Uint64("generation", a.Generation))

	if old, ok := s.registry.Remove(a.PartitionID); ok {
		logger.Warn("Ownership granted again, dropping previous instance")
		old.Revoke()
	}
	replicas, err := s.dialAll(a)
	if err != nil {
		logger.Error("Cannot take ownership", zap.Error(err))
		return
	}
	p, err := partition.New(a.PartitionID, replicas, s.cfg.Partition)
	if err != nil {
		logger.Error("Cannot take ownership", zap.Error(err))
		return
	}
	s.generations[a.PartitionID] = a.Generation
	s.registry.Put(p)
	p.Grant()
	logger.Info("Took ownership of partition", zap.Strings("replicas", a.Replicas))
}

func (s *Server) OnOwnershipRevoked(partitionID int32) {
	s.ownershipMu.Lock()
	defer s.ownershipMu.Unlock()
	delete(s.generations, partitionID)
	p, ok := s.registry.Remove(partitionID)
	if !ok {
		return
	}
	p.Revoke()
	s.logger.Info("Gave up ownership of partition", zap.Int32("partition", partitionID))
}

// OnReplicaSetChanged applies additions before removals so the replica set
// never shrinks below what the new set needs.
func (s *Server) OnReplicaSetChanged(a coordination.Assignment) {
	s.ownershipMu.Lock()
	defer s.ownershipMu.Unlock()
	logger := s.logger.With(zap.Int32("partition", a.PartitionID))
	p, err := s.registry.Get(a.PartitionID)
	if err != nil {
		logger.Debug("Replica set changed for a partition not owned here")
		return
	}
	current := p.ReplicaIDs()
	ctx := context.Background()
	for _, addr := range a.Replicas {
		if slices.Contains(current, addr) {
			continue
		}
		r, err := s.cfg.Dialer.Dial(addr, a.PartitionID, s.generations[a.PartitionID])
		if err != nil {
			logger.Error("Failed to dial new replica", zap.String("replica", addr), zap.Error(err))
			continue
		}
		if err := p.AddReplica(ctx, r); err != nil {
			logger.Error("Failed to add replica", zap.String("replica", addr), zap.Error(err))
		}
	}
	for _, addr := range current {
		if slices.Contains(a.Replicas, addr) {
			continue
		}
		if err := p.RemoveReplica(ctx, addr); err != nil {
			logger.Error("Failed to remove replica", zap.String("replica", addr), zap.Error(err))
		}
	}
}

// Handle serves one request.
func (s *Server) Handle(ctx context.Context, req Request) (Response, error) {
	switch r := req.(type) {
	case SubmitRequest:
		return s.submit(ctx, r)
	case HighWaterMarkRequest:
		p, err := s.registry.Get(r.PartitionID)
		if err != nil {
			return nil, err
		}
		return HighWaterMarkResponse{PartitionID: r.PartitionID, HighWaterMark: p.HighWaterMark()}, nil
	case AddReplicaRequest:
		if err := s.cfg.Coordination.AddReplica(ctx, r.PartitionID, r.Address); err != nil {
			return nil, err
		}
		return AckResponse{}, nil
	case RemoveReplicaRequest:
		if err := s.cfg.Coordination.RemoveReplica(ctx, r.PartitionID, r.Address); err != nil {
			return nil, err
		}
		return AckResponse{}, nil
	case CheckConnectivityRequest:
		return s.checkConnectivity(ctx, r.PartitionIDs)
	case AddPreferredPartitionRequest:
		return s.setPreferred(ctx, r.PartitionIDs, true)
	case RemovePreferredPartitionRequest:
		return s.setPreferred(ctx, r.PartitionIDs, false)
	case PartitionStatusRequest:
		return s.status(r.PartitionIDs)
	case TrimConflictWindowRequest:
		p, err := s.registry.Get(r.PartitionID)
		if err != nil {
			return nil, err
		}
		p.TrimConflictWindow(r.Observed)
		return AckResponse{}, nil
	default:
		return nil, fmt.Errorf("server: unsupported request %T", req)
	}
}

func (s *Server) submit(ctx context.Context, r SubmitRequest) (Response, error) {
	if r.Transaction == nil {
		return nil, errors.New("server: submit without a transaction")
	}
	p, err := s.registry.Get(r.Transaction.PartitionID)
	if err != nil {
		return SubmitResponse{Outcome: transaction.OutcomeOf(0, err)}, nil
	}
	id, err := p.Submit(ctx, r.Transaction)
	return SubmitResponse{Outcome: transaction.OutcomeOf(id, err)}, nil
}

func (s *Server) owned(ids []int32) ([]*partition.Partition, error) {
	if len(ids) == 0 {
		ids = s.registry.IDs()
	}
	out := make([]*partition.Partition, 0, len(ids))
	for _, id := range ids {
		p, err := s.registry.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Server) checkConnectivity(ctx context.Context, ids []int32) (Response, error) {
	parts, err := s.owned(ids)
	if err != nil {
		return nil, err
	}
	results := make(map[int32]map[string]string, len(parts))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, p := range parts {
		results[p.ID()] = make(map[string]string)
		for _, r := range p.Replicas() {
			g.Go(func() error {
				pctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectivityTimeout)
				defer cancel()
				msg := ""
				if err := r.Ping(pctx); err != nil {
					msg = err.Error()
				}
				mu.Lock()
				results[p.ID()][r.ID()] = msg
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return ConnectivityResponse{Results: results}, nil
}

func (s *Server) setPreferred(ctx context.Context, ids []int32, prefer bool) (Response, error) {
	var merr *multierror.Error
	for _, id := range ids {
		var err error
		if prefer {
			err = s.cfg.Coordination.SetPreferredServer(ctx, id, s.cfg.ServerID)
		} else {
			err = s.cfg.Coordination.ClearPreferredServer(ctx, id, s.cfg.ServerID)
		}
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("partition %d: %w", id, err))
			continue
		}
		s.preferredMu.Lock()
		if prefer {
			s.preferred[id] = struct{}{}
		} else {
			delete(s.preferred, id)
		}
		s.preferredMu.Unlock()
		s.logger.Info("Preferred partition updated", zap.Int32("partition", id), zap.Bool("preferred", prefer))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return AckResponse{}, nil
}

func (s *Server) status(ids []int32) (Response, error) {
	parts, err := s.owned(ids)
	if err != nil {
		return nil, err
	}
	resp := StatusResponse{}
	for _, p := range parts {
		resp.Partitions = append(resp.Partitions, p.Status())
	}
	for _, info := range s.cfg.Coordination.Partitions() {
		if len(info.Flagged) == 0 || !slices.ContainsFunc(parts, func(p *partition.Partition) bool { return p.ID() == info.ID }) {
			continue
		}
		if resp.Flagged == nil {
			resp.Flagged = make(map[int32]map[string]string)
		}
		resp.Flagged[info.ID] = info.Flagged
	}
	s.preferredMu.Lock()
	resp.Preferred = slices.Sorted(maps.Keys(s.preferred))
	s.preferredMu.Unlock()
	return resp, nil
}

// Close stops delivery from the coordination service and releases every
// owned partition.
func (s *Server) Close() error {
	err := s.cfg.Coordination.Close()
	s.ownershipMu.Lock()
	defer s.ownershipMu.Unlock()
	for _, id := range s.registry.IDs() {
		if p, ok := s.registry.Remove(id); ok {
			p.Revoke()
		}
	}
	return err
}
