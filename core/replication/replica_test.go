package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/storage"
	"github.com/sushant-115/gojowal/core/transaction"
)

var errReplicaDown = errors.New("replica down")

// flakyReplica wraps a LocalReplica so tests can take it offline or make it
// return a specific append error.
type flakyReplica struct {
	*LocalReplica
	store *storage.Store

	mu        sync.Mutex
	down      bool
	appendErr error
	appended  []transaction.ID
}

func (f *flakyReplica) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyReplica) setAppendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

func (f *flakyReplica) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errReplicaDown
	}
	return nil
}

func (f *flakyReplica) Append(ctx context.Context, pid int32, rec transaction.Record) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	injected := f.appendErr
	f.mu.Unlock()
	if injected != nil {
		return injected
	}
	if err := f.LocalReplica.Append(ctx, pid, rec); err != nil {
		return err
	}
	f.mu.Lock()
	f.appended = append(f.appended, rec.ID)
	f.mu.Unlock()
	return nil
}

func (f *flakyReplica) Read(ctx context.Context, pid int32, from, to transaction.ID) ([]transaction.Record, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.LocalReplica.Read(ctx, pid, from, to)
}

func (f *flakyReplica) HighWaterMark(ctx context.Context, pid int32) (transaction.ID, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.LocalReplica.HighWaterMark(ctx, pid)
}

func (f *flakyReplica) TruncateAfter(ctx context.Context, pid int32, id transaction.ID) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.LocalReplica.TruncateAfter(ctx, pid, id)
}

func (f *flakyReplica) Ping(ctx context.Context) error {
	return f.check()
}

// hwm reads the replica's store directly, bypassing the down flag.
func (f *flakyReplica) hwm(t *testing.T) transaction.ID {
	t.Helper()
	id, err := f.store.HighWaterMark(0)
	require.NoError(t, err)
	return id
}

func (f *flakyReplica) record(t *testing.T, id transaction.ID) transaction.Record {
	t.Helper()
	c, err := f.store.Read(0, id, id+1)
	require.NoError(t, err)
	rec, err := c.Next()
	require.NoError(t, err)
	return rec
}

// newTestReplicas creates n replicas, each backed by its own store hosting
// partition 0.
func newTestReplicas(t *testing.T, n int) []*flakyReplica {
	t.Helper()
	out := make([]*flakyReplica, n)
	for i := range out {
		s, err := storage.Open(t.TempDir(), storage.Options{Partitions: []int32{0}}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out[i] = &flakyReplica{LocalReplica: NewLocalReplica(fmt.Sprintf("replica-%d", i+1), s), store: s}
	}
	return out
}

func asReplicas(rs []*flakyReplica) []Replica {
	out := make([]Replica, len(rs))
	for i, r := range rs {
		out[i] = r
	}
	return out
}

func rec(id transaction.ID, body string) transaction.Record {
	return transaction.Record{
		ID:            id,
		ReqID:         transaction.ReqID{ClientID: "test", Seq: uint64(id)},
		WriteLockKeys: []string{"k"},
		Body:          []byte(body),
	}
}

// seed writes records 1..n with the given body prefix straight into a store.
func seed(t *testing.T, r *flakyReplica, n int, prefix string) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, r.store.Append(0, rec(transaction.ID(i), fmt.Sprintf("%s-%d", prefix, i))))
	}
}
