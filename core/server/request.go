package server

import (
	"github.com/sushant-115/gojowal/core/partition"
	"github.com/sushant-115/gojowal/core/transaction"
)

// Request is one of the request types below. Server.Handle dispatches on the
// concrete type.
type Request interface {
	isRequest()
}

type SubmitRequest struct {
	Transaction *transaction.Transaction
}

type HighWaterMarkRequest struct {
	PartitionID int32
}

type AddReplicaRequest struct {
	PartitionID int32
	Address     string
}

type RemoveReplicaRequest struct {
	PartitionID int32
	Address     string
}

// CheckConnectivityRequest pings the replicas of the listed partitions, or
// of every owned partition when the list is empty.
type CheckConnectivityRequest struct {
	PartitionIDs []int32
}

type AddPreferredPartitionRequest struct {
	PartitionIDs []int32
}

type RemovePreferredPartitionRequest struct {
	PartitionIDs []int32
}

// PartitionStatusRequest reports the listed partitions, or every owned
// partition when the list is empty.
type PartitionStatusRequest struct {
	PartitionIDs []int32
}

// TrimConflictWindowRequest reports that every client of a partition has
// observed at least Observed.
type TrimConflictWindowRequest struct {
	PartitionID int32
	Observed    transaction.ID
}

func (SubmitRequest) isRequest()                   {}
func (HighWaterMarkRequest) isRequest()            {}
func (AddReplicaRequest) isRequest()               {}
func (RemoveReplicaRequest) isRequest()            {}
func (CheckConnectivityRequest) isRequest()        {}
func (AddPreferredPartitionRequest) isRequest()    {}
func (RemovePreferredPartitionRequest) isRequest() {}
func (PartitionStatusRequest) isRequest()          {}
func (TrimConflictWindowRequest) isRequest()       {}

// Response is the result of a handled Request.
type Response interface {
	isResponse()
}

type SubmitResponse struct {
	Outcome transaction.Outcome
}

type HighWaterMarkResponse struct {
	PartitionID   int32
	HighWaterMark transaction.ID
}

// ConnectivityResponse maps partition to replica address to the ping error
// text, empty when the replica answered.
type ConnectivityResponse struct {
	Results map[int32]map[string]string
}

type StatusResponse struct {
	Partitions []partition.Status
	// Preferred lists the partitions this server asked to lead.
	Preferred []int32
	// Flagged maps partitions to replicas recorded as needing attention,
	// with the last error seen for each.
	Flagged map[int32]map[string]string
}

type AckResponse struct{}

func (SubmitResponse) isResponse()        {}
func (HighWaterMarkResponse) isResponse() {}
func (ConnectivityResponse) isResponse()  {}
func (StatusResponse) isResponse()        {}
func (AckResponse) isResponse()           {}
