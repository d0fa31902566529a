package logservice

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/sushant-115/gojowal/api/wire"
	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/transaction"
	"github.com/sushant-115/gojowal/pkg/connection"
)

// Client talks to one log server. It stamps submissions with its own client
// id and a per-client sequence number.
type Client struct {
	conn     grpc.ClientConnInterface
	clientID string
	seq      atomic.Uint64
}

// NewClient creates a client with a random client id.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return NewClientWithID(conn, uuid.NewString())
}

// NewClientWithID creates a client that submits as clientID.
func NewClientWithID(conn grpc.ClientConnInterface, clientID string) *Client {
	return &Client{conn: conn, clientID: clientID}
}

func (c *Client) ClientID() string { return c.clientID }

// NextReqID reserves a request id. Re-submitting a transaction under the same
// id is safe.
func (c *Client) NextReqID() transaction.ReqID {
	return transaction.ReqID{ClientID: c.clientID, Seq: c.seq.Add(1)}
}

// Submit sends tx, assigning it a request id if it has none. The returned
// error covers transport failures only; rejections are in the Outcome.
func (c *Client) Submit(ctx context.Context, tx transaction.Transaction) (transaction.Outcome, error) {
	if tx.ReqID.IsZero() {
		tx.ReqID = c.NextReqID()
	}
	resp, err := wire.Invoke[SubmitResponse](ctx, c.conn, ServiceName, "Submit", &SubmitRequest{Transaction: tx})
	if err != nil {
		return transaction.Outcome{}, err
	}
	return resp.Outcome, nil
}

func (c *Client) HighWaterMark(ctx context.Context, partitionID int32) (transaction.ID, error) {
	resp, err := wire.Invoke[HighWaterMarkResponse](ctx, c.conn, ServiceName, "HighWaterMark",
		&HighWaterMarkRequest{PartitionID: partitionID})
	if err != nil {
		return 0, err
	}
	return resp.HighWaterMark, nil
}

func (c *Client) AddReplica(ctx context.Context, partitionID int32, address string) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "AddReplica",
		&ReplicaRequest{PartitionID: partitionID, Address: address})
	return err
}

func (c *Client) RemoveReplica(ctx context.Context, partitionID int32, address string) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "RemoveReplica",
		&ReplicaRequest{PartitionID: partitionID, Address: address})
	return err
}

func (c *Client) CheckConnectivity(ctx context.Context, partitionIDs ...int32) (map[int32]map[string]string, error) {
	resp, err := wire.Invoke[ConnectivityResponse](ctx, c.conn, ServiceName, "CheckConnectivity",
		&PartitionsRequest{PartitionIDs: partitionIDs})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) AddPreferredPartitions(ctx context.Context, partitionIDs ...int32) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "AddPreferredPartition",
		&PartitionsRequest{PartitionIDs: partitionIDs})
	return err
}

func (c *Client) RemovePreferredPartitions(ctx context.Context, partitionIDs ...int32) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "RemovePreferredPartition",
		&PartitionsRequest{PartitionIDs: partitionIDs})
	return err
}

func (c *Client) Status(ctx context.Context, partitionIDs ...int32) (*StatusResponse, error) {
	return wire.Invoke[StatusResponse](ctx, c.conn, ServiceName, "PartitionStatus",
		&PartitionsRequest{PartitionIDs: partitionIDs})
}

func (c *Client) TrimConflictWindow(ctx context.Context, partitionID int32, observed transaction.ID) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "TrimConflictWindow",
		&TrimRequest{PartitionID: partitionID, Observed: observed})
	return err
}

func (c *Client) ForwardCommand(ctx context.Context, command []byte) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "ForwardCommand", &ForwardRequest{Command: command})
	return err
}

// Forwarder delivers coordination commands to the raft leader's log service
// over pooled connections.
type Forwarder struct {
	pool *connection.ConnectionPoolManager
}

var _ coordination.Forwarder = (*Forwarder)(nil)

func NewForwarder(pool *connection.ConnectionPoolManager) *Forwarder {
	return &Forwarder{pool: pool}
}

func (f *Forwarder) Forward(ctx context.Context, address string, command []byte) error {
	conn, err := f.pool.Get(address)
	if err != nil {
		return err
	}
	return NewClient(conn).ForwardCommand(ctx, command)
}
