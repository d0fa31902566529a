package storageservice

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/gojowal/core/storage"
	"github.com/sushant-115/gojowal/core/transaction"
)

const testPartition int32 = 1

// startServer serves a fresh store holding testPartition over an in-memory
// listener and returns a client connection to it.
func startServer(t *testing.T) (*Server, *grpc.ClientConn) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{Partitions: []int32{testPartition}}, zap.NewNop())
	require.NoError(t, err)

	srv := NewServer(store, zap.NewNop())
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, srv)
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		store.Close()
	})
	return srv, conn
}

func record(id transaction.ID) transaction.Record {
	return transaction.Record{
		ID:            id,
		ReqID:         transaction.ReqID{ClientID: "svc-test", Seq: uint64(id)},
		WriteLockKeys: []string{fmt.Sprintf("k%d", id)},
		Body:          []byte(fmt.Sprintf("payload %d", id)),
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReplica_AppendReadHighWaterMark(t *testing.T) {
	srv, conn := startServer(t)
	srv.readBatch = 2
	ctx := testContext(t)
	r := NewReplica(conn, "storage-a:9000", 1)
	assert.Equal(t, "storage-a:9000", r.ID())
	require.NoError(t, r.Ping(ctx))

	hwm, err := r.HighWaterMark(ctx, testPartition)
	require.NoError(t, err)
	assert.Equal(t, transaction.NoID, hwm)

	for id := transaction.ID(1); id <= 5; id++ {
		require.NoError(t, r.Append(ctx, testPartition, record(id)))
	}
	// Re-appending an identical record is accepted.
	require.NoError(t, r.Append(ctx, testPartition, record(5)))

	hwm, err = r.HighWaterMark(ctx, testPartition)
	require.NoError(t, err)
	assert.Equal(t, transaction.ID(5), hwm)

	// Five records in batches of two, clipped to the high-water-mark.
	recs, err := r.Read(ctx, testPartition, 1, 100)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		assert.True(t, rec.Equal(record(transaction.ID(i+1))), "record %d differs: %+v", i+1, rec)
	}

	recs, err = r.Read(ctx, testPartition, 2, 4)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, transaction.ID(2), recs[0].ID)

	_, err = r.Read(ctx, testPartition, 6, 10)
	assert.ErrorIs(t, err, transaction.ErrRangeUnavailable)

	require.NoError(t, r.TruncateAfter(ctx, testPartition, 3))
	hwm, err = r.HighWaterMark(ctx, testPartition)
	require.NoError(t, err)
	assert.Equal(t, transaction.ID(3), hwm)
}

func TestReplica_AppendErrorsKeepTheirSentinels(t *testing.T) {
	_, conn := startServer(t)
	ctx := testContext(t)
	r := NewReplica(conn, "storage-a:9000", 1)

	err := r.Append(ctx, testPartition, record(2))
	assert.ErrorIs(t, err, transaction.ErrOutOfOrder)
	assert.True(t, transaction.IsInvariantViolation(err))

	require.NoError(t, r.Append(ctx, testPartition, record(1)))
	changed := record(1)
	changed.Body = []byte("something else")
	err = r.Append(ctx, testPartition, changed)
	assert.ErrorIs(t, err, transaction.ErrDuplicateID)

	err = r.Append(ctx, 42, record(1))
	assert.ErrorIs(t, err, transaction.ErrPartitionNotFound)
}

func TestReplica_OlderGenerationIsFenced(t *testing.T) {
	_, conn := startServer(t)
	ctx := testContext(t)
	oldLeader := NewReplica(conn, "storage-a:9000", 1)
	newLeader := NewReplica(conn, "storage-a:9000", 2)

	require.NoError(t, oldLeader.Append(ctx, testPartition, record(1)))
	hwm, err := newLeader.HighWaterMark(ctx, testPartition)
	require.NoError(t, err)
	assert.Equal(t, transaction.ID(1), hwm)

	err = oldLeader.Append(ctx, testPartition, record(2))
	assert.ErrorIs(t, err, transaction.ErrNotOwner)
	_, err = oldLeader.Read(ctx, testPartition, 1, 2)
	assert.ErrorIs(t, err, transaction.ErrNotOwner)
	assert.ErrorIs(t, oldLeader.TruncateAfter(ctx, testPartition, 0), transaction.ErrNotOwner)

	require.NoError(t, newLeader.Append(ctx, testPartition, record(2)))
}

func TestClient_PartitionAdministration(t *testing.T) {
	_, conn := startServer(t)
	ctx := testContext(t)
	c := NewClient(conn)

	require.NoError(t, c.AddPartition(ctx, 7))
	assert.ErrorIs(t, c.AddPartition(ctx, 7), transaction.ErrPartitionExists)

	ids, err := c.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int32{testPartition, 7}, ids)

	require.NoError(t, c.RemovePartition(ctx, testPartition))
	assert.ErrorIs(t, c.RemovePartition(ctx, testPartition), transaction.ErrPartitionNotFound)

	ids, err = c.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int32{7}, ids)
}
