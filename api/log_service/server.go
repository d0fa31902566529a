package logservice

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/api/wire"
	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/server"
)

// Handler serves decoded requests. *server.Server implements it.
type Handler interface {
	Handle(ctx context.Context, req server.Request) (server.Response, error)
}

// CommandApplier applies coordination commands forwarded by other log
// servers. *coordination.Raft implements it.
type CommandApplier interface {
	ApplyForwarded(ctx context.Context, command []byte) error
}

// Server adapts a Handler to the gRPC service.
type Server struct {
	handler Handler
	applier CommandApplier
	logger  *zap.Logger
}

var _ LogServiceServer = (*Server)(nil)

// NewServer creates the service. applier may be nil when the server does not
// take part in raft coordination.
func NewServer(handler Handler, applier CommandApplier, logger *zap.Logger) *Server {
	return &Server{handler: handler, applier: applier, logger: logger.Named("log_service")}
}

func handle[T server.Response](ctx context.Context, s *Server, req server.Request) (T, error) {
	var zero T
	resp, err := s.handler.Handle(ctx, req)
	if err != nil {
		return zero, err
	}
	out, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("log service: unexpected response %T to %T", resp, req)
	}
	return out, nil
}

func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	tx := req.Transaction
	resp, err := handle[server.SubmitResponse](ctx, s, server.SubmitRequest{Transaction: &tx})
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Outcome: resp.Outcome}, nil
}

func (s *Server) HighWaterMark(ctx context.Context, req *HighWaterMarkRequest) (*HighWaterMarkResponse, error) {
	resp, err := handle[server.HighWaterMarkResponse](ctx, s, server.HighWaterMarkRequest{PartitionID: req.PartitionID})
	if err != nil {
		return nil, err
	}
	return &HighWaterMarkResponse{PartitionID: resp.PartitionID, HighWaterMark: resp.HighWaterMark}, nil
}

func (s *Server) ack(ctx context.Context, req server.Request) (*wire.Empty, error) {
	if _, err := handle[server.AckResponse](ctx, s, req); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Server) AddReplica(ctx context.Context, req *ReplicaRequest) (*wire.Empty, error) {
	return s.ack(ctx, server.AddReplicaRequest{PartitionID: req.PartitionID, Address: req.Address})
}

func (s *Server) RemoveReplica(ctx context.Context, req *ReplicaRequest) (*wire.Empty, error) {
	return s.ack(ctx, server.RemoveReplicaRequest{PartitionID: req.PartitionID, Address: req.Address})
}

func (s *Server) CheckConnectivity(ctx context.Context, req *PartitionsRequest) (*ConnectivityResponse, error) {
	resp, err := handle[server.ConnectivityResponse](ctx, s, server.CheckConnectivityRequest{PartitionIDs: req.PartitionIDs})
	if err != nil {
		return nil, err
	}
	return &ConnectivityResponse{Results: resp.Results}, nil
}

func (s *Server) AddPreferredPartition(ctx context.Context, req *PartitionsRequest) (*wire.Empty, error) {
	return s.ack(ctx, server.AddPreferredPartitionRequest{PartitionIDs: req.PartitionIDs})
}

func (s *Server) RemovePreferredPartition(ctx context.Context, req *PartitionsRequest) (*wire.Empty, error) {
	return s.ack(ctx, server.RemovePreferredPartitionRequest{PartitionIDs: req.PartitionIDs})
}

func (s *Server) PartitionStatus(ctx context.Context, req *PartitionsRequest) (*StatusResponse, error) {
	resp, err := handle[server.StatusResponse](ctx, s, server.PartitionStatusRequest{PartitionIDs: req.PartitionIDs})
	if err != nil {
		return nil, err
	}
	return &StatusResponse{Partitions: resp.Partitions, Preferred: resp.Preferred, Flagged: resp.Flagged}, nil
}

func (s *Server) TrimConflictWindow(ctx context.Context, req *TrimRequest) (*wire.Empty, error) {
	return s.ack(ctx, server.TrimConflictWindowRequest{PartitionID: req.PartitionID, Observed: req.Observed})
}

func (s *Server) ForwardCommand(ctx context.Context, req *ForwardRequest) (*wire.Empty, error) {
	if s.applier == nil {
		return nil, fmt.Errorf("%w: server does not run raft coordination", coordination.ErrNotLeader)
	}
	if err := s.applier.ApplyForwarded(ctx, req.Command); err != nil {
		s.logger.Debug("Forwarded command rejected", zap.Error(err))
		return nil, err
	}
	return &wire.Empty{}, nil
}
