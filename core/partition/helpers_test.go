package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/storage"
	"github.com/sushant-115/gojowal/core/transaction"
)

var errDown = errors.New("replica down")

// testReplica is a LocalReplica that can be taken offline or made to hold
// appends until released.
type testReplica struct {
	*replication.LocalReplica
	store *storage.Store

	mu   sync.Mutex
	down bool
	gate chan struct{}
}

func (r *testReplica) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// hold makes appends block until the returned function is called.
func (r *testReplica) hold() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.gate = gate
	return func() {
		r.mu.Lock()
		r.gate = nil
		r.mu.Unlock()
		close(gate)
	}
}

func (r *testReplica) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errDown
	}
	return nil
}

func (r *testReplica) Append(ctx context.Context, pid int32, rec transaction.Record) error {
	if err := r.check(); err != nil {
		return err
	}
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.LocalReplica.Append(ctx, pid, rec)
}

func (r *testReplica) Read(ctx context.Context, pid int32, from, to transaction.ID) ([]transaction.Record, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.LocalReplica.Read(ctx, pid, from, to)
}

func (r *testReplica) HighWaterMark(ctx context.Context, pid int32) (transaction.ID, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.LocalReplica.HighWaterMark(ctx, pid)
}

func (r *testReplica) TruncateAfter(ctx context.Context, pid int32, id transaction.ID) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.LocalReplica.TruncateAfter(ctx, pid, id)
}

func (r *testReplica) Ping(ctx context.Context) error { return r.check() }

func (r *testReplica) hwm(t *testing.T) transaction.ID {
	t.Helper()
	id, err := r.store.HighWaterMark(testPartition)
	require.NoError(t, err)
	return id
}

const testPartition int32 = 3

func newReplicas(t *testing.T, n int) []*testReplica {
	t.Helper()
	out := make([]*testReplica, n)
	for i := range out {
		s, err := storage.Open(t.TempDir(), storage.Options{Partitions: []int32{testPartition}}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out[i] = &testReplica{LocalReplica: replication.NewLocalReplica(fmt.Sprintf("r%d", i+1), s), store: s}
	}
	return out
}

func testOptions() Options {
	return Options{
		SubmitTimeout:         5 * time.Second,
		RecoveryTimeout:       2 * time.Second,
		RecoveryRetryInterval: 20 * time.Millisecond,
		AppendTimeout:         5 * time.Second,
		BackoffMin:            2 * time.Millisecond,
		BackoffMax:            20 * time.Millisecond,
		ProbeInterval:         10 * time.Millisecond,
	}
}

func newPartition(t *testing.T, replicas []*testReplica, opts Options) *Partition {
	t.Helper()
	rs := make([]replication.Replica, len(replicas))
	for i, r := range replicas {
		rs[i] = r
	}
	p, err := New(testPartition, rs, opts)
	require.NoError(t, err)
	t.Cleanup(p.Revoke)
	return p
}

func waitState(t *testing.T, p *Partition, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == s }, 5*time.Second, 2*time.Millisecond,
		"partition never reached %s, still %s", s, p.State())
}

var seqCounter struct {
	sync.Mutex
	n uint64
}

func txn(observed transaction.ID, writes, reads []string) *transaction.Transaction {
	seqCounter.Lock()
	seqCounter.n++
	seq := seqCounter.n
	seqCounter.Unlock()
	return &transaction.Transaction{
		ReqID:               transaction.ReqID{ClientID: "tester", Seq: seq},
		PartitionID:         testPartition,
		WriteLockKeys:       writes,
		ReadLockKeys:        reads,
		Body:                []byte(fmt.Sprintf("body-%d", seq)),
		ClientHighWaterMark: observed,
	}
}

// seedLog writes records 1..n straight into a replica's store.
func seedLog(t *testing.T, r *testReplica, n int, writeKey string) {
	t.Helper()
	for i := 1; i <= n; i++ {
		rec := transaction.Record{
			ID:            transaction.ID(i),
			ReqID:         transaction.ReqID{ClientID: "old-leader", Seq: uint64(i)},
			WriteLockKeys: []string{writeKey},
			Body:          []byte(fmt.Sprintf("seed-%d", i)),
		}
		require.NoError(t, r.store.Append(testPartition, rec))
	}
}
