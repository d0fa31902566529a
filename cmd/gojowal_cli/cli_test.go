package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	logservice "github.com/sushant-115/gojowal/api/log_service"
	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/partition"
	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/server"
	"github.com/sushant-115/gojowal/core/storage"
)

// startLogServer runs a log server owning partitions 0 and 1 over local
// replicas and returns a connection to its log service.
func startLogServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	ids := []int32{0, 1}
	replicas := map[string]replication.Replica{}
	for _, addr := range []string{"a", "b", "c"} {
		store, err := storage.Open(t.TempDir(), storage.Options{Partitions: ids}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		replicas[addr] = replication.NewLocalReplica(addr, store)
	}
	srv, err := server.New(server.Config{
		ServerID: "log-1",
		Partition: partition.Options{
			RecoveryRetryInterval: 20 * time.Millisecond,
			BackoffMin:            2 * time.Millisecond,
			BackoffMax:            20 * time.Millisecond,
		},
		Dialer: server.DialFunc(func(address string, _ int32, _ uint64) (replication.Replica, error) {
			return replicas[address], nil
		}),
		Coordination: coordination.NewStatic("log-1", map[int32][]string{
			0: {"a", "b", "c"},
			1: {"a", "b", "c"},
		}, zap.NewNop()),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	require.NoError(t, srv.Start(context.Background()))
	require.Eventually(t, func() bool {
		for _, id := range ids {
			p, err := srv.Registry().Get(id)
			if err != nil || p.State() != partition.StateActive {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	logservice.Register(gs, logservice.NewServer(srv, nil, zap.NewNop()))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///log-1",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRunValidate(t *testing.T) {
	conn := startLogServer(t)
	newClient := func() *logservice.Client { return logservice.NewClient(conn) }

	for _, shared := range []bool{false, true} {
		res, err := runValidate(context.Background(), validateConfig{
			partitions:   []int32{0, 1},
			clients:      4,
			transactions: 10,
			sharedKey:    shared,
			retryDelay:   time.Millisecond,
		}, 5*time.Second, newClient)
		require.NoError(t, err, "shared key %v", shared)
		assert.Equal(t, int64(40), res.Committed)
		assert.Equal(t, res.Start[0]+res.Start[1]+40, res.End[0]+res.End[1])
	}
}

func TestRunValidate_RejectsEmptyWorkload(t *testing.T) {
	_, err := runValidate(context.Background(), validateConfig{clients: 1, transactions: 1}, time.Second, nil)
	assert.Error(t, err)
}

func TestParsePartitions(t *testing.T) {
	ids, err := parsePartitions([]string{"0", "7", "12"})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 7, 12}, ids)

	_, err = parsePartitions([]string{"seven"})
	assert.Error(t, err)
}

func TestRootCommand_FlagsPersistAcrossShellLines(t *testing.T) {
	o := defaultOptions()
	root := newRootCommand(o)
	root.SetArgs([]string{"--server", "10.0.0.9:7100", "generate-certs", "--dir", t.TempDir()})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Equal(t, "10.0.0.9:7100", o.server)
	assert.Contains(t, out.String(), "ca.crt")

	// A new tree built from the same options keeps the value as its default.
	lineOpts := *o
	newRootCommand(&lineOpts)
	assert.Equal(t, "10.0.0.9:7100", lineOpts.server)
}
