package storageservice

import (
	"context"

	"google.golang.org/grpc"

	"github.com/sushant-115/gojowal/api/wire"
	"github.com/sushant-115/gojowal/core/transaction"
)

const ServiceName = "gojowal.StorageService"

// PartitionRequest addresses a partition. Generation is the sender's leader
// generation; zero means an administrative request that is never fenced.
type PartitionRequest struct {
	PartitionID int32  `json:"partition_id"`
	Generation  uint64 `json:"generation,omitempty"`
}

type AppendRequest struct {
	PartitionRequest
	Record transaction.Record `json:"record"`
}

type ReadRequest struct {
	PartitionRequest
	From transaction.ID `json:"from"`
	To   transaction.ID `json:"to"`
}

// ReadResponse is one batch of a Read stream.
type ReadResponse struct {
	Records []transaction.Record `json:"records"`
}

type HighWaterMarkResponse struct {
	HighWaterMark transaction.ID `json:"high_water_mark"`
}

type TruncateRequest struct {
	PartitionRequest
	After transaction.ID `json:"after"`
}

type ListPartitionsResponse struct {
	PartitionIDs []int32 `json:"partition_ids"`
}

// StorageServiceServer is implemented by Server.
type StorageServiceServer interface {
	Append(context.Context, *AppendRequest) (*wire.Empty, error)
	Read(*ReadRequest, grpc.ServerStream) error
	HighWaterMark(context.Context, *PartitionRequest) (*HighWaterMarkResponse, error)
	TruncateAfter(context.Context, *TruncateRequest) (*wire.Empty, error)
	AddPartition(context.Context, *PartitionRequest) (*wire.Empty, error)
	RemovePartition(context.Context, *PartitionRequest) (*wire.Empty, error)
	ListPartitions(context.Context, *wire.Empty) (*ListPartitionsResponse, error)
	Ping(context.Context, *wire.Empty) (*wire.Empty, error)
}

var readStream = grpc.StreamDesc{
	StreamName:    "Read",
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(ReadRequest)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return wire.ToStatus(srv.(StorageServiceServer).Read(in, stream))
	},
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		wire.Unary(ServiceName, "Append", StorageServiceServer.Append),
		wire.Unary(ServiceName, "HighWaterMark", StorageServiceServer.HighWaterMark),
		wire.Unary(ServiceName, "TruncateAfter", StorageServiceServer.TruncateAfter),
		wire.Unary(ServiceName, "AddPartition", StorageServiceServer.AddPartition),
		wire.Unary(ServiceName, "RemovePartition", StorageServiceServer.RemovePartition),
		wire.Unary(ServiceName, "ListPartitions", StorageServiceServer.ListPartitions),
		wire.Unary(ServiceName, "Ping", StorageServiceServer.Ping),
	},
	Streams: []grpc.StreamDesc{readStream},
}

// Register adds the storage service to a gRPC server.
func Register(s *grpc.Server, srv StorageServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}
