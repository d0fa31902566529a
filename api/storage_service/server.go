// Package storageservice exposes a storage replica over gRPC and provides
// the client a log server uses to reach it.
package storageservice

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/gojowal/api/wire"
	"github.com/sushant-115/gojowal/core/storage"
	"github.com/sushant-115/gojowal/core/transaction"
)

// DefaultReadBatch is the number of records per Read stream message.
const DefaultReadBatch = 256

// Server serves a storage.Store.
type Server struct {
	store     *storage.Store
	readBatch int
	logger    *zap.Logger
}

var _ StorageServiceServer = (*Server)(nil)

func NewServer(store *storage.Store, logger *zap.Logger) *Server {
	return &Server{store: store, readBatch: DefaultReadBatch, logger: logger.Named("storage_service")}
}

// SetReadBatch sets the number of records per Read stream message.
func (s *Server) SetReadBatch(n int) {
	if n > 0 {
		s.readBatch = n
	}
}

func (s *Server) fence(req *PartitionRequest) error {
	return s.store.Fence(req.PartitionID, req.Generation)
}

func (s *Server) Append(ctx context.Context, req *AppendRequest) (*wire.Empty, error) {
	if err := s.store.AppendFenced(req.PartitionID, req.Generation, req.Record); err != nil {
		if transaction.IsInvariantViolation(err) {
			s.logger.Warn("Rejected append", zap.Int32("partition", req.PartitionID),
				zap.Uint64("id", uint64(req.Record.ID)), zap.Error(err))
		}
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Server) Read(req *ReadRequest, stream grpc.ServerStream) error {
	if err := s.fence(&req.PartitionRequest); err != nil {
		return err
	}
	cursor, err := s.store.Read(req.PartitionID, req.From, req.To)
	if err != nil {
		return err
	}
	batch := make([]transaction.Record, 0, s.readBatch)
	for {
		rec, err := cursor.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		batch = append(batch, rec)
		if len(batch) == s.readBatch {
			if err := stream.SendMsg(&ReadResponse{Records: batch}); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return stream.SendMsg(&ReadResponse{Records: batch})
	}
	return nil
}

func (s *Server) HighWaterMark(ctx context.Context, req *PartitionRequest) (*HighWaterMarkResponse, error) {
	if err := s.fence(req); err != nil {
		return nil, err
	}
	hwm, err := s.store.HighWaterMark(req.PartitionID)
	if err != nil {
		return nil, err
	}
	return &HighWaterMarkResponse{HighWaterMark: hwm}, nil
}

func (s *Server) TruncateAfter(ctx context.Context, req *TruncateRequest) (*wire.Empty, error) {
	if err := s.store.TruncateAfterFenced(req.PartitionID, req.Generation, req.After); err != nil {
		return nil, err
	}
	s.logger.Info("Truncated partition", zap.Int32("partition", req.PartitionID),
		zap.Uint64("after", uint64(req.After)), zap.Uint64("generation", req.Generation))
	return &wire.Empty{}, nil
}

func (s *Server) AddPartition(ctx context.Context, req *PartitionRequest) (*wire.Empty, error) {
	if err := s.store.AddPartition(req.PartitionID); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Server) RemovePartition(ctx context.Context, req *PartitionRequest) (*wire.Empty, error) {
	if err := s.store.RemovePartition(req.PartitionID); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Server) ListPartitions(ctx context.Context, _ *wire.Empty) (*ListPartitionsResponse, error) {
	return &ListPartitionsResponse{PartitionIDs: s.store.Partitions()}, nil
}

func (s *Server) Ping(ctx context.Context, _ *wire.Empty) (*wire.Empty, error) {
	return &wire.Empty{}, nil
}
