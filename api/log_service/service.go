// Package logservice is the client-facing gRPC service of a log server. It
// also carries coordination commands forwarded between log servers.
package logservice

import (
	"context"

	"google.golang.org/grpc"

	"github.com/sushant-115/gojowal/api/wire"
	"github.com/sushant-115/gojowal/core/partition"
	"github.com/sushant-115/gojowal/core/transaction"
)

const ServiceName = "gojowal.LogService"

type SubmitRequest struct {
	Transaction transaction.Transaction `json:"transaction"`
}

type SubmitResponse struct {
	Outcome transaction.Outcome `json:"outcome"`
}

type HighWaterMarkRequest struct {
	PartitionID int32 `json:"partition_id"`
}

type HighWaterMarkResponse struct {
	PartitionID   int32          `json:"partition_id"`
	HighWaterMark transaction.ID `json:"high_water_mark"`
}

// ReplicaRequest adds or removes one storage replica of a partition.
type ReplicaRequest struct {
	PartitionID int32  `json:"partition_id"`
	Address     string `json:"address"`
}

// PartitionsRequest names partitions. An empty list means every partition
// the server owns where that makes sense.
type PartitionsRequest struct {
	PartitionIDs []int32 `json:"partition_ids,omitempty"`
}

type ConnectivityResponse struct {
	// Results maps partition to replica address to the ping error, empty
	// when the replica answered.
	Results map[int32]map[string]string `json:"results"`
}

type StatusResponse struct {
	Partitions []partition.Status          `json:"partitions"`
	Preferred  []int32                     `json:"preferred,omitempty"`
	Flagged    map[int32]map[string]string `json:"flagged,omitempty"`
}

type TrimRequest struct {
	PartitionID int32          `json:"partition_id"`
	Observed    transaction.ID `json:"observed"`
}

// ForwardRequest carries an encoded coordination command to the raft leader.
type ForwardRequest struct {
	Command []byte `json:"command"`
}

// LogServiceServer is implemented by Server.
type LogServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	HighWaterMark(context.Context, *HighWaterMarkRequest) (*HighWaterMarkResponse, error)
	AddReplica(context.Context, *ReplicaRequest) (*wire.Empty, error)
	RemoveReplica(context.Context, *ReplicaRequest) (*wire.Empty, error)
	CheckConnectivity(context.Context, *PartitionsRequest) (*ConnectivityResponse, error)
	AddPreferredPartition(context.Context, *PartitionsRequest) (*wire.Empty, error)
	RemovePreferredPartition(context.Context, *PartitionsRequest) (*wire.Empty, error)
	PartitionStatus(context.Context, *PartitionsRequest) (*StatusResponse, error)
	TrimConflictWindow(context.Context, *TrimRequest) (*wire.Empty, error)
	ForwardCommand(context.Context, *ForwardRequest) (*wire.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LogServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		wire.Unary(ServiceName, "Submit", LogServiceServer.Submit),
		wire.Unary(ServiceName, "HighWaterMark", LogServiceServer.HighWaterMark),
		wire.Unary(ServiceName, "AddReplica", LogServiceServer.AddReplica),
		wire.Unary(ServiceName, "RemoveReplica", LogServiceServer.RemoveReplica),
		wire.Unary(ServiceName, "CheckConnectivity", LogServiceServer.CheckConnectivity),
		wire.Unary(ServiceName, "AddPreferredPartition", LogServiceServer.AddPreferredPartition),
		wire.Unary(ServiceName, "RemovePreferredPartition", LogServiceServer.RemovePreferredPartition),
		wire.Unary(ServiceName, "PartitionStatus", LogServiceServer.PartitionStatus),
		wire.Unary(ServiceName, "TrimConflictWindow", LogServiceServer.TrimConflictWindow),
		wire.Unary(ServiceName, "ForwardCommand", LogServiceServer.ForwardCommand),
	},
}

// Register adds the log service to a gRPC server.
func Register(s *grpc.Server, srv LogServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}
