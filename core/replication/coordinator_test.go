package replication

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojowal/core/transaction"
)

func testConfig(replicas []*flakyReplica) Config {
	return Config{
		PartitionID:   0,
		Replicas:      asReplicas(replicas),
		AppendTimeout: time.Second,
		BackoffMin:    2 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
		ProbeInterval: 20 * time.Millisecond,
	}
}

func startCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Close)
	return c
}

func TestNew_ValidatesQuorum(t *testing.T) {
	replicas := newTestReplicas(t, 3)

	cfg := testConfig(replicas)
	c, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, c.QuorumSize())

	cfg.QuorumSize = 1
	_, err = New(cfg)
	require.Error(t, err)

	cfg.QuorumSize = 4
	_, err = New(cfg)
	require.Error(t, err)

	cfg = testConfig([]*flakyReplica{replicas[0], replicas[0]})
	_, err = New(cfg)
	require.Error(t, err)

	require.NoError(t, ValidateQuorum(3, 3))
	require.Error(t, ValidateQuorum(1, 0))
}

// TestReplicate_CommitsOnQuorum covers the basic scenario: with one of three
// replicas down, a record commits on the other two. When the third replica
// comes back it receives the record in the background.
func TestReplicate_CommitsOnQuorum(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	replicas[2].setDown(true)

	var commits atomic.Uint64
	cfg := testConfig(replicas)
	cfg.Hooks.OnCommit = func(id transaction.ID) { commits.Store(uint64(id)) }
	c := startCoordinator(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Replicate(ctx, rec(1, "first")))
	require.Equal(t, transaction.ID(1), c.CommitPoint())
	require.Equal(t, uint64(1), commits.Load())
	require.Equal(t, transaction.ID(1), replicas[0].hwm(t))
	require.Equal(t, transaction.ID(1), replicas[1].hwm(t))
	require.Equal(t, transaction.ID(0), replicas[2].hwm(t))

	replicas[2].setDown(false)
	require.Eventually(t, func() bool { return replicas[2].hwm(t) == 1 }, 5*time.Second, 5*time.Millisecond)
}

// TestEnqueue_InOrderDelivery pushes many records and checks every replica
// received them exactly once and in id order.
func TestEnqueue_InOrderDelivery(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	c := startCoordinator(t, testConfig(replicas))

	var last <-chan struct{}
	for i := 1; i <= 50; i++ {
		ch, err := c.Enqueue(rec(transaction.ID(i), fmt.Sprint(i)))
		require.NoError(t, err)
		last = ch
	}
	_, err := c.Enqueue(rec(60, "gap"))
	require.ErrorIs(t, err, transaction.ErrOutOfOrder)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx, last))
	require.Equal(t, transaction.ID(50), c.CommitPoint())

	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if r.hwm(t) != 50 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	for _, r := range replicas {
		r.mu.Lock()
		ids := append([]transaction.ID(nil), r.appended...)
		r.mu.Unlock()
		require.Len(t, ids, 50)
		for i, id := range ids {
			require.Equal(t, transaction.ID(i+1), id)
		}
	}
}

// TestQuorumLostAndRestored takes two of three replicas down. The pending
// record times out with an unknown outcome, the quorum-lost hook fires, and
// once the replicas return the same record still commits.
func TestQuorumLostAndRestored(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	replicas[1].setDown(true)
	replicas[2].setDown(true)

	lost := make(chan struct{}, 1)
	restored := make(chan struct{}, 1)
	cfg := testConfig(replicas)
	cfg.Hooks.OnQuorumLost = func() { lost <- struct{}{} }
	cfg.Hooks.OnQuorumRestored = func() { restored <- struct{}{} }
	c := startCoordinator(t, cfg)

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("quorum loss was not reported")
	}
	require.False(t, c.HasQuorum())
	require.ErrorIs(t, c.Replicate(context.Background(), rec(1, "x")), transaction.ErrQuorumUnavailable)

	ch, err := c.Enqueue(rec(1, "x"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx, ch), transaction.ErrTimeout)

	replicas[1].setDown(false)
	select {
	case <-restored:
	case <-time.After(5 * time.Second):
		t.Fatal("quorum restoration was not reported")
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, c.Wait(ctx2, ch))
	require.True(t, c.HasQuorum())
}

// TestCatchUp_FromPeer starts a leader whose baseline is already on two
// replicas. The empty third replica must be filled from a peer because the
// leader never buffered those records.
func TestCatchUp_FromPeer(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	seed(t, replicas[0], 5, "v")
	seed(t, replicas[1], 5, "v")

	cfg := testConfig(replicas)
	cfg.Baseline = 5
	cfg.CatchUpBatch = 2
	c := startCoordinator(t, cfg)

	require.Eventually(t, func() bool { return replicas[2].hwm(t) == 5 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, replicas[0].record(t, 4).Equal(replicas[2].record(t, 4)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Replicate(ctx, rec(6, "new")))
	require.Eventually(t, func() bool { return replicas[2].hwm(t) == 6 }, 5*time.Second, 5*time.Millisecond)
}

// TestSync_TruncatesTailBeyondBaseline gives one replica a record the
// previous leader never committed. The new leader removes it and replaces it
// with its own record under the same id.
func TestSync_TruncatesTailBeyondBaseline(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	seed(t, replicas[0], 3, "v")
	seed(t, replicas[1], 2, "v")
	seed(t, replicas[2], 2, "v")

	cfg := testConfig(replicas)
	cfg.Baseline = 2
	c := startCoordinator(t, cfg)

	require.Eventually(t, func() bool { return replicas[0].hwm(t) == 2 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Replicate(ctx, rec(3, "replacement")))
	require.Eventually(t, func() bool { return replicas[0].hwm(t) == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []byte("replacement"), replicas[0].record(t, 3).Body)
}

// TestSync_RepairsDivergentRecord brings back a replica whose last record was
// written by a deposed leader and differs from the committed one.
func TestSync_RepairsDivergentRecord(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	seed(t, replicas[0], 2, "v")
	seed(t, replicas[1], 2, "v")
	seed(t, replicas[2], 1, "v")
	require.NoError(t, replicas[2].store.Append(0, rec(2, "stale")))
	replicas[2].setDown(true)

	cfg := testConfig(replicas)
	cfg.Baseline = 2
	c := startCoordinator(t, cfg)

	require.Eventually(t, func() bool {
		synced := 0
		for _, st := range c.Status() {
			if st.Synced {
				synced++
			}
		}
		return synced == 2
	}, 5*time.Second, 5*time.Millisecond)

	replicas[2].setDown(false)
	require.Eventually(t, func() bool {
		return replicas[2].hwm(t) == 2 && replicas[2].record(t, 2).Equal(replicas[0].record(t, 2))
	}, 5*time.Second, 5*time.Millisecond)
}

// TestSync_RepairsDivergenceBelowMatchingRecord gives a replica a stale
// record underneath a last record that happens to match. Every id above the
// commit point is compared with the recovered copy, so the stale record is
// found and replaced.
func TestSync_RepairsDivergenceBelowMatchingRecord(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	seed(t, replicas[0], 5, "v")
	seed(t, replicas[1], 5, "v")
	seed(t, replicas[2], 3, "v")
	require.NoError(t, replicas[2].store.Append(0, rec(4, "stale")))
	require.NoError(t, replicas[2].store.Append(0, rec(5, "v-5")))

	cfg := testConfig(replicas)
	cfg.Baseline = 5
	cfg.Committed = 3
	for id := transaction.ID(1); id <= 5; id++ {
		cfg.Recovered = append(cfg.Recovered, replicas[0].record(t, id))
	}
	c := startCoordinator(t, cfg)

	require.Eventually(t, func() bool {
		return replicas[2].hwm(t) == 5 && replicas[2].record(t, 4).Equal(replicas[0].record(t, 4))
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.CommitPoint() == 5 }, 5*time.Second, 5*time.Millisecond)
}

func TestInvariantViolationHook(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	replicas[0].setAppendErr(fmt.Errorf("remote: %w", transaction.ErrDuplicateID))

	violations := make(chan string, 16)
	cfg := testConfig(replicas)
	cfg.Hooks.OnInvariantViolation = func(id string, err error) {
		select {
		case violations <- id:
		default:
		}
	}
	c := startCoordinator(t, cfg)
	_, err := c.Enqueue(rec(1, "x"))
	require.NoError(t, err)

	select {
	case id := <-violations:
		require.Equal(t, "replica-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("invariant violation was not reported")
	}
}

// TestReplicaFlagging drives retries with a mock clock: the flag hook fires
// once after the configured number of consecutive failures and not again
// while the streak continues. The recovered hook fires once the replica
// answers again.
func TestReplicaFlagging(t *testing.T) {
	replicas := newTestReplicas(t, 3)
	replicas[2].setDown(true)

	mock := clock.NewMock()
	var flagged atomic.Int32
	cfg := testConfig(replicas)
	cfg.Clock = mock
	cfg.FlagThreshold = 3
	cfg.Hooks.OnReplicaFlagged = func(id string, err error) {
		assert.Equal(t, "replica-3", id)
		assert.ErrorIs(t, err, errReplicaDown)
		flagged.Add(1)
	}
	var recovered atomic.Int32
	cfg.Hooks.OnReplicaRecovered = func(id string) {
		assert.Equal(t, "replica-3", id)
		recovered.Add(1)
	}
	c := startCoordinator(t, cfg)

	require.Eventually(t, func() bool {
		mock.Add(cfg.BackoffMax)
		return flagged.Load() == 1
	}, 5*time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		mock.Add(cfg.BackoffMax)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, int32(1), flagged.Load())

	var st ReplicaStatus
	for _, s := range c.Status() {
		if s.ReplicaID == "replica-3" {
			st = s
		}
	}
	require.True(t, st.Flagged)
	require.False(t, st.Healthy)
	require.GreaterOrEqual(t, st.Failures, 3)
	require.True(t, c.HasQuorum())
	require.Zero(t, recovered.Load())

	replicas[2].setDown(false)
	require.Eventually(t, func() bool {
		mock.Add(cfg.BackoffMax)
		return recovered.Load() == 1
	}, 5*time.Second, time.Millisecond)
	for _, s := range c.Status() {
		if s.ReplicaID == "replica-3" {
			require.False(t, s.Flagged)
		}
	}
	require.Equal(t, int32(1), recovered.Load())
}

// TestBackOff_NeverStops checks that retry delays stay within the jittered
// bounds and that the policy keeps retrying long after any elapsed-time limit
// would have expired.
func TestBackOff_NeverStops(t *testing.T) {
	mock := clock.NewMock()
	b := newBackOff(Config{BackoffMin: 10 * time.Millisecond, BackoffMax: 80 * time.Millisecond, Clock: mock})
	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		require.GreaterOrEqual(t, d, 5*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
		mock.Add(time.Hour)
	}
	b.Reset()
	d := b.NextBackOff()
	require.GreaterOrEqual(t, d, 5*time.Millisecond)
	require.LessOrEqual(t, d, 15*time.Millisecond)
}
