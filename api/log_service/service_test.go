package logservice

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	storageservice "github.com/sushant-115/gojowal/api/storage_service"
	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/partition"
	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/server"
	"github.com/sushant-115/gojowal/core/storage"
	"github.com/sushant-115/gojowal/core/transaction"
	"github.com/sushant-115/gojowal/pkg/connection"
)

const testPartition int32 = 1

// bufNet routes addresses to in-memory listeners.
type bufNet struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func (n *bufNet) listen(t *testing.T, address string, register func(*grpc.Server)) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
	n.mu.Lock()
	n.listeners[address] = lis
	n.mu.Unlock()
}

func (n *bufNet) dialer(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	lis, ok := n.listeners[address]
	n.mu.Unlock()
	if !ok {
		return nil, errors.New("no listener at " + address)
	}
	return lis.DialContext(ctx)
}

func (n *bufNet) pool(t *testing.T) *connection.ConnectionPoolManager {
	p := connection.NewConnectionPoolManager(
		grpc.WithContextDialer(n.dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	t.Cleanup(p.Close)
	return p
}

// recordingApplier stands in for raft on the receiving side of a forward.
type recordingApplier struct {
	mu       sync.Mutex
	commands [][]byte
	err      error
}

func (a *recordingApplier) ApplyForwarded(ctx context.Context, command []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.commands = append(a.commands, command)
	return nil
}

// startCluster runs three storage nodes and one log server owning
// testPartition, all over in-memory listeners.
func startCluster(t *testing.T, applier CommandApplier) (*bufNet, *Client) {
	t.Helper()
	network := &bufNet{listeners: map[string]*bufconn.Listener{}}
	replicas := []string{"storage-1", "storage-2", "storage-3"}
	for _, addr := range replicas {
		store, err := storage.Open(t.TempDir(), storage.Options{Partitions: []int32{testPartition}}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		network.listen(t, addr, func(gs *grpc.Server) {
			storageservice.Register(gs, storageservice.NewServer(store, zap.NewNop()))
		})
	}

	pool := network.pool(t)
	srv, err := server.New(server.Config{
		ServerID: "log-1",
		Partition: partition.Options{
			SubmitTimeout:         5 * time.Second,
			RecoveryRetryInterval: 20 * time.Millisecond,
			BackoffMin:            2 * time.Millisecond,
			BackoffMax:            20 * time.Millisecond,
			ProbeInterval:         10 * time.Millisecond,
		},
		Dialer: server.DialFunc(func(address string, _ int32, generation uint64) (replication.Replica, error) {
			conn, err := pool.Get(address)
			if err != nil {
				return nil, err
			}
			return storageservice.NewReplica(conn, address, generation), nil
		}),
		Coordination: coordination.NewStatic("log-1", map[int32][]string{testPartition: replicas}, zap.NewNop()),
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	require.NoError(t, srv.Start(context.Background()))

	network.listen(t, "log-1", func(gs *grpc.Server) {
		Register(gs, NewServer(srv, applier, zap.NewNop()))
	})
	conn, err := pool.Get("log-1")
	require.NoError(t, err)
	client := NewClientWithID(conn, "client-under-test")

	require.Eventually(t, func() bool {
		st, err := client.Status(context.Background(), testPartition)
		return err == nil && len(st.Partitions) == 1 && st.Partitions[0].State == partition.StateActive.String()
	}, 5*time.Second, 10*time.Millisecond)
	return network, client
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_SubmitAndConflict(t *testing.T) {
	_, client := startCluster(t, nil)
	ctx := testContext(t)

	first, err := client.Submit(ctx, transaction.Transaction{
		PartitionID:   testPartition,
		WriteLockKeys: []string{"account-7"},
		Body:          []byte("debit 10"),
	})
	require.NoError(t, err)
	require.Equal(t, transaction.StatusCommitted, first.Status, first.Message)
	assert.Equal(t, transaction.ID(1), first.TransactionID)

	// Written without having observed the first transaction.
	second, err := client.Submit(ctx, transaction.Transaction{
		PartitionID:   testPartition,
		WriteLockKeys: []string{"account-7"},
		Body:          []byte("debit 20"),
	})
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusConflict, second.Status)
	assert.Equal(t, transaction.ID(1), second.ConflictID)
	assert.Equal(t, "client-under-test", second.ConflictReqID.ClientID)
	assert.ErrorIs(t, second.Err(), transaction.ErrConflict)

	third, err := client.Submit(ctx, transaction.Transaction{
		PartitionID:         testPartition,
		WriteLockKeys:       []string{"account-7"},
		Body:                []byte("debit 20"),
		ClientHighWaterMark: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCommitted, third.Status)
	assert.Equal(t, transaction.ID(2), third.TransactionID)

	hwm, err := client.HighWaterMark(ctx, testPartition)
	require.NoError(t, err)
	assert.Equal(t, transaction.ID(2), hwm)
}

func TestClient_ResubmissionIsIdempotent(t *testing.T) {
	_, client := startCluster(t, nil)
	ctx := testContext(t)

	tx := transaction.Transaction{
		ReqID:         client.NextReqID(),
		PartitionID:   testPartition,
		WriteLockKeys: []string{"k"},
	}
	first, err := client.Submit(ctx, tx)
	require.NoError(t, err)
	again, err := client.Submit(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCommitted, again.Status)
	assert.Equal(t, first.TransactionID, again.TransactionID)
}

func TestClient_UnownedPartition(t *testing.T) {
	_, client := startCluster(t, nil)
	ctx := testContext(t)

	out, err := client.Submit(ctx, transaction.Transaction{PartitionID: 99})
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusNotOwner, out.Status)

	_, err = client.HighWaterMark(ctx, 99)
	assert.ErrorIs(t, err, transaction.ErrNotOwner)
}

func TestClient_AdministrativeRequests(t *testing.T) {
	_, client := startCluster(t, nil)
	ctx := testContext(t)

	results, err := client.CheckConnectivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int32]map[string]string{
		testPartition: {"storage-1": "", "storage-2": "", "storage-3": ""},
	}, results)

	require.NoError(t, client.AddPreferredPartitions(ctx, testPartition))
	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int32{testPartition}, st.Preferred)
	require.Len(t, st.Partitions, 1)
	assert.Len(t, st.Partitions[0].Replicas, 3)

	require.NoError(t, client.RemovePreferredPartitions(ctx, testPartition))
	st, err = client.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Preferred)

	require.NoError(t, client.TrimConflictWindow(ctx, testPartition, 0))
	assert.ErrorIs(t, client.TrimConflictWindow(ctx, 99, 0), transaction.ErrNotOwner)
}

func TestForwarder(t *testing.T) {
	applier := &recordingApplier{}
	network, _ := startCluster(t, applier)
	fwd := NewForwarder(network.pool(t))
	ctx := testContext(t)

	require.NoError(t, fwd.Forward(ctx, "log-1", []byte(`{"type":"set_server_live"}`)))
	applier.mu.Lock()
	assert.Equal(t, [][]byte{[]byte(`{"type":"set_server_live"}`)}, applier.commands)
	applier.err = coordination.ErrNotLeader
	applier.mu.Unlock()

	err := fwd.Forward(ctx, "log-1", []byte(`{}`))
	assert.ErrorIs(t, err, coordination.ErrNotLeader)
}

func TestForwarder_WithoutRaft(t *testing.T) {
	network, _ := startCluster(t, nil)
	err := NewForwarder(network.pool(t)).Forward(testContext(t), "log-1", []byte(`{}`))
	assert.ErrorIs(t, err, coordination.ErrNotLeader)
}
