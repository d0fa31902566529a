package storageservice

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"

	"github.com/sushant-115/gojowal/api/wire"
	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/transaction"
)

// Client is a typed client of one storage node.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Append(ctx context.Context, partitionID int32, generation uint64, rec transaction.Record) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "Append", &AppendRequest{
		PartitionRequest: PartitionRequest{PartitionID: partitionID, Generation: generation},
		Record:           rec,
	})
	return err
}

// Read collects the records in [from, to).
func (c *Client) Read(ctx context.Context, partitionID int32, generation uint64, from, to transaction.ID) ([]transaction.Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.conn.NewStream(ctx, &readStream, "/"+ServiceName+"/Read", wire.CallOption())
	if err != nil {
		return nil, wire.FromStatus(err)
	}
	req := &ReadRequest{
		PartitionRequest: PartitionRequest{PartitionID: partitionID, Generation: generation},
		From:             from,
		To:               to,
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, wire.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, wire.FromStatus(err)
	}
	var out []transaction.Record
	for {
		var batch ReadResponse
		err := stream.RecvMsg(&batch)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, wire.FromStatus(err)
		}
		out = append(out, batch.Records...)
	}
}

func (c *Client) HighWaterMark(ctx context.Context, partitionID int32, generation uint64) (transaction.ID, error) {
	resp, err := wire.Invoke[HighWaterMarkResponse](ctx, c.conn, ServiceName, "HighWaterMark",
		&PartitionRequest{PartitionID: partitionID, Generation: generation})
	if err != nil {
		return 0, err
	}
	return resp.HighWaterMark, nil
}

func (c *Client) TruncateAfter(ctx context.Context, partitionID int32, generation uint64, id transaction.ID) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "TruncateAfter", &TruncateRequest{
		PartitionRequest: PartitionRequest{PartitionID: partitionID, Generation: generation},
		After:            id,
	})
	return err
}

func (c *Client) AddPartition(ctx context.Context, partitionID int32) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "AddPartition", &PartitionRequest{PartitionID: partitionID})
	return err
}

func (c *Client) RemovePartition(ctx context.Context, partitionID int32) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "RemovePartition", &PartitionRequest{PartitionID: partitionID})
	return err
}

func (c *Client) ListPartitions(ctx context.Context) ([]int32, error) {
	resp, err := wire.Invoke[ListPartitionsResponse](ctx, c.conn, ServiceName, "ListPartitions", &wire.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.PartitionIDs, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := wire.Invoke[wire.Empty](ctx, c.conn, ServiceName, "Ping", &wire.Empty{})
	return err
}

// Replica is a remote storage replica as seen by one partition leader. Every
// request carries the leader's generation.
type Replica struct {
	client     *Client
	address    string
	generation uint64
}

var _ replication.Replica = (*Replica)(nil)

func NewReplica(conn grpc.ClientConnInterface, address string, generation uint64) *Replica {
	return &Replica{client: NewClient(conn), address: address, generation: generation}
}

// ID is the replica's address.
func (r *Replica) ID() string { return r.address }

func (r *Replica) Append(ctx context.Context, partitionID int32, rec transaction.Record) error {
	return r.client.Append(ctx, partitionID, r.generation, rec)
}

func (r *Replica) Read(ctx context.Context, partitionID int32, from, to transaction.ID) ([]transaction.Record, error) {
	return r.client.Read(ctx, partitionID, r.generation, from, to)
}

func (r *Replica) HighWaterMark(ctx context.Context, partitionID int32) (transaction.ID, error) {
	return r.client.HighWaterMark(ctx, partitionID, r.generation)
}

func (r *Replica) TruncateAfter(ctx context.Context, partitionID int32, id transaction.ID) error {
	return r.client.TruncateAfter(ctx, partitionID, r.generation, id)
}

func (r *Replica) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("replica %s: %w", r.address, err)
	}
	return nil
}
