package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojowal/core/transaction"
	internaltelemetry "github.com/sushant-115/gojowal/internal/telemetry"
)

// Hooks are called by the coordinator without holding its lock. They must not
// block.
type Hooks struct {
	// OnCommit is called each time the commit point advances.
	OnCommit func(id transaction.ID)
	// OnQuorumLost fires when fewer than quorum replicas are healthy.
	OnQuorumLost func()
	// OnQuorumRestored fires when a lost quorum becomes healthy again.
	OnQuorumRestored func()
	// OnReplicaFlagged fires once per failure streak when a replica has
	// failed FlagThreshold times in a row.
	OnReplicaFlagged func(replicaID string, err error)
	// OnReplicaRecovered fires when a flagged replica becomes healthy.
	OnReplicaRecovered func(replicaID string)
	// OnInvariantViolation fires when a replica reports DuplicateId or
	// OutOfOrder.
	OnInvariantViolation func(replicaID string, err error)
}

// Config configures a Coordinator.
type Config struct {
	PartitionID int32
	Replicas    []Replica
	// QuorumSize is the number of acks that commit a record. Zero means a
	// strict majority of Replicas.
	QuorumSize int
	// Baseline is the recovered high-water-mark the coordinator starts from.
	// Replica records above it were never committed and are truncated when
	// the replica is first contacted.
	Baseline transaction.ID
	// Committed is the initial commit point, at most Baseline. Records in
	// (Committed, Baseline] are kept but only count as committed once a
	// quorum holds them.
	Committed transaction.ID
	// Recovered is the leader's copy of the records ending at Baseline, as
	// read during recovery. Replica records are checked against it when the
	// replica is first contacted.
	Recovered []transaction.Record

	AppendTimeout time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	FlagThreshold int
	// ProbeInterval is how often an idle replica is pinged.
	ProbeInterval time.Duration
	// MaxBuffered bounds the committed records kept in memory for lagging
	// replicas. Older records are fetched from a peer replica instead.
	MaxBuffered  int
	CatchUpRate  rate.Limit
	CatchUpBatch int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *internaltelemetry.PartitionMetrics
	Hooks   Hooks
}

func (c *Config) applyDefaults() {
	if c.QuorumSize == 0 {
		c.QuorumSize = len(c.Replicas)/2 + 1
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 5 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 50 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 100 * c.BackoffMin
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = 5
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
	if c.Committed > c.Baseline {
		c.Committed = c.Baseline
	}
	if n := len(c.Recovered); n > 0 && c.Recovered[n-1].ID != c.Baseline {
		c.Recovered = nil
	}
	if c.CatchUpRate <= 0 {
		c.CatchUpRate = rate.Inf
	}
	if c.CatchUpBatch <= 0 {
		c.CatchUpBatch = 256
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = internaltelemetry.NoopPartitionMetrics()
	}
}

// ValidateQuorum checks that quorum is a strict majority of n replicas or
// more, which guarantees any two quorums intersect.
func ValidateQuorum(quorum, n int) error {
	if n == 0 {
		return errors.New("replica set is empty")
	}
	if quorum <= n/2 || quorum > n {
		return fmt.Errorf("quorum size %d is invalid for %d replicas", quorum, n)
	}
	return nil
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type waiter struct {
	id       transaction.ID
	ch       chan struct{}
	enqueued time.Time
}

// Coordinator replicates the records of one partition, in id order, to every
// replica of its replica set.
type Coordinator struct {
	cfg     Config
	quorum  int
	logger  *zap.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sessions   []*session
	buf        []transaction.Record // ids bufStart..lastID
	bufStart   transaction.ID
	lastID     transaction.ID
	committed  transaction.ID
	waiters    []waiter
	quorumLost bool
	started    bool
}

// New validates cfg and builds a coordinator. Call Start to begin delivery.
func New(cfg Config) (*Coordinator, error) {
	cfg.applyDefaults()
	if err := ValidateQuorum(cfg.QuorumSize, len(cfg.Replicas)); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(cfg.Replicas))
	for _, r := range cfg.Replicas {
		if seen[r.ID()] {
			return nil, fmt.Errorf("replica %s listed twice", r.ID())
		}
		seen[r.ID()] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		quorum:    cfg.QuorumSize,
		logger:    cfg.Logger.Named("quorum"),
		limiter:   rate.NewLimiter(cfg.CatchUpRate, cfg.CatchUpBatch),
		ctx:       ctx,
		cancel:    cancel,
		bufStart:  cfg.Baseline + 1,
		lastID:    cfg.Baseline,
		committed: cfg.Committed,
	}
	if cfg.Committed < cfg.Baseline {
		c.waiters = append(c.waiters, waiter{id: cfg.Baseline, ch: make(chan struct{}), enqueued: cfg.Clock.Now()})
	}
	for _, r := range cfg.Replicas {
		c.sessions = append(c.sessions, newSession(c, r))
	}
	return c, nil
}

// Start launches one delivery goroutine per replica.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	for _, s := range c.sessions {
		c.wg.Add(1)
		go s.run()
	}
	c.logger.Info("Quorum coordinator started",
		zap.Int("replicas", len(c.sessions)),
		zap.Int("quorum", c.quorum),
		zap.Uint64("baseline", uint64(c.cfg.Baseline)))
}

// Close stops delivery. Records not yet committed are left to the next
// leader's recovery.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// QuorumSize is the number of acks needed to commit.
func (c *Coordinator) QuorumSize() int { return c.quorum }

// Enqueue hands the next record to every replica session. It never blocks on
// the network; the returned channel is closed once rec is committed.
func (c *Coordinator) Enqueue(rec transaction.Record) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil, transaction.ErrClosed
	}
	if rec.ID != c.lastID+1 {
		return nil, fmt.Errorf("enqueue id %d after %d: %w", rec.ID, c.lastID, transaction.ErrOutOfOrder)
	}
	c.buf = append(c.buf, rec)
	c.lastID = rec.ID
	ch := make(chan struct{})
	c.waiters = append(c.waiters, waiter{id: rec.ID, ch: ch, enqueued: c.cfg.Clock.Now()})
	for _, s := range c.sessions {
		s.wake()
	}
	return ch, nil
}

// Wait blocks until committed is closed. It reports transaction.ErrTimeout if
// ctx ends first or the coordinator is closed; replication is not aborted.
func (c *Coordinator) Wait(ctx context.Context, committed <-chan struct{}) error {
	select {
	case <-committed:
		return nil
	default:
	}
	select {
	case <-committed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", transaction.ErrTimeout, ctx.Err())
	case <-c.ctx.Done():
		return fmt.Errorf("%w: replication stopped", transaction.ErrTimeout)
	}
}

// Replicate enqueues rec and waits for it to commit. ErrQuorumUnavailable
// means too few replicas were healthy to accept it; ErrTimeout means it
// reached fewer than quorum replicas before ctx ended.
func (c *Coordinator) Replicate(ctx context.Context, rec transaction.Record) error {
	if !c.HasQuorum() {
		return transaction.ErrQuorumUnavailable
	}
	ch, err := c.Enqueue(rec)
	if err != nil {
		return err
	}
	return c.Wait(ctx, ch)
}

// Committed returns a channel that is closed once id is committed, or nil
// if id was never handed to the coordinator.
func (c *Coordinator) Committed(id transaction.ID) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.committed {
		return closedChan
	}
	// Waiters are released in id order, so the first one at or above id
	// is released no earlier than id commits.
	i := sort.Search(len(c.waiters), func(i int) bool { return c.waiters[i].id >= id })
	if i == len(c.waiters) {
		return nil
	}
	return c.waiters[i].ch
}

// CommitPoint is the highest id acknowledged by a quorum.
func (c *Coordinator) CommitPoint() transaction.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// LastID is the highest id handed to the coordinator.
func (c *Coordinator) LastID() transaction.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// HasQuorum reports whether at least quorum replicas are healthy.
func (c *Coordinator) HasQuorum() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthyLocked() >= c.quorum
}

// ReplicaStatus describes one replica session.
type ReplicaStatus struct {
	ReplicaID string         `json:"replica_id"`
	Healthy   bool           `json:"healthy"`
	Flagged   bool           `json:"flagged"`
	Synced    bool           `json:"synced"`
	Acked     transaction.ID `json:"acked"`
	Failures  int            `json:"consecutive_failures"`
	LastError string         `json:"last_error,omitempty"`
}

// Status snapshots the health of every replica.
func (c *Coordinator) Status() []ReplicaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ReplicaStatus, 0, len(c.sessions))
	for _, s := range c.sessions {
		st := ReplicaStatus{
			ReplicaID: s.replica.ID(),
			Healthy:   s.healthy,
			Flagged:   s.flagged,
			Synced:    s.synced,
			Acked:     s.acked,
			Failures:  s.failures,
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

func (c *Coordinator) healthyLocked() int {
	n := 0
	for _, s := range c.sessions {
		if s.healthy {
			n++
		}
	}
	return n
}

// next returns the record s should send next. catchUp is set when the record
// is no longer buffered.
func (c *Coordinator) next(s *session) (rec transaction.Record, ok, catchUp bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := s.acked + 1
	switch {
	case id > c.lastID:
		return rec, false, false
	case id < c.bufStart:
		return rec, false, true
	}
	return c.buf[id-c.bufStart], true, false
}

// ack records that s's replica durably holds every id up to id.
func (c *Coordinator) ack(s *session, id transaction.ID) {
	c.mu.Lock()
	s.acked = id
	hooks := c.markHealthyLocked(s)
	released, commit := c.advanceLocked()
	c.mu.Unlock()

	c.finishCommit(released, commit)
	hooks()
}

// advanceLocked moves the commit point to the quorum-th highest acked id and
// collects the waiters it releases.
func (c *Coordinator) advanceLocked() ([]waiter, transaction.ID) {
	acked := make([]transaction.ID, len(c.sessions))
	for i, s := range c.sessions {
		acked[i] = s.acked
	}
	slices.SortFunc(acked, func(a, b transaction.ID) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	point := min(acked[c.quorum-1], c.lastID)
	if point <= c.committed {
		return nil, transaction.NoID
	}
	c.committed = point

	n := 0
	for n < len(c.waiters) && c.waiters[n].id <= point {
		n++
	}
	released := c.waiters[:n:n]
	c.waiters = c.waiters[n:]
	c.trimLocked()
	return released, point
}

// trimLocked drops buffered records every replica has, and committed records
// beyond MaxBuffered.
func (c *Coordinator) trimLocked() {
	minAcked := c.lastID
	for _, s := range c.sessions {
		minAcked = min(minAcked, s.acked)
	}
	drop := 0
	for drop < len(c.buf) {
		id := c.buf[drop].ID
		if id <= minAcked || (len(c.buf)-drop > c.cfg.MaxBuffered && id <= c.committed) {
			drop++
			continue
		}
		break
	}
	if drop > 0 {
		c.buf = slices.Clone(c.buf[drop:])
		c.bufStart += transaction.ID(drop)
	}
}

func (c *Coordinator) finishCommit(released []waiter, commit transaction.ID) {
	if commit == transaction.NoID {
		return
	}
	// The hook runs first so the partition high-water-mark already covers a
	// record when its submitter is released.
	if c.cfg.Hooks.OnCommit != nil {
		c.cfg.Hooks.OnCommit(commit)
	}
	now := c.cfg.Clock.Now()
	for _, w := range released {
		c.cfg.Metrics.CommitLatency.Record(c.ctx, float64(now.Sub(w.enqueued).Microseconds())/1000,
			internaltelemetry.Attrs(c.cfg.PartitionID))
		close(w.ch)
	}
}

// synced installs the replica high-water-mark found by s.sync.
func (c *Coordinator) synced(s *session, hwm transaction.ID) {
	c.mu.Lock()
	s.acked = hwm
	s.synced = true
	s.verified = true
	hooks := c.markHealthyLocked(s)
	released, commit := c.advanceLocked()
	c.mu.Unlock()

	c.finishCommit(released, commit)
	hooks()
}

func (c *Coordinator) healthy(s *session) {
	c.mu.Lock()
	hooks := c.markHealthyLocked(s)
	c.mu.Unlock()
	hooks()
}

func (c *Coordinator) failed(s *session, err error) {
	c.mu.Lock()
	first := s.failures == 0
	hooks := c.markFailedLocked(s, err)
	c.mu.Unlock()

	if first {
		s.logger.Warn("Replica operation failed, retrying with backoff", zap.Error(err))
	} else {
		s.logger.Debug("Replica operation failed again", zap.Error(err))
	}
	hooks()
}

// markHealthyLocked clears a failure streak and returns the hooks to run
// after unlocking.
func (c *Coordinator) markHealthyLocked(s *session) func() {
	wasHealthy, wasFlagged := s.healthy, s.flagged
	s.healthy = true
	s.failures = 0
	s.flagged = false
	s.lastErr = nil
	if wasHealthy {
		return func() {}
	}
	s.logger.Info("Replica healthy again")
	quorumHooks := c.quorumTransitionLocked()
	replicaID := s.replica.ID()
	return func() {
		if wasFlagged && c.cfg.Hooks.OnReplicaRecovered != nil {
			c.cfg.Hooks.OnReplicaRecovered(replicaID)
		}
		quorumHooks()
	}
}

// markFailedLocked records a failure of s and returns the hooks to run after
// unlocking.
func (c *Coordinator) markFailedLocked(s *session, err error) func() {
	s.healthy = false
	s.failures++
	s.lastErr = err
	flag := false
	if s.failures >= c.cfg.FlagThreshold && !s.flagged {
		s.flagged = true
		flag = true
	}
	quorumHooks := c.quorumTransitionLocked()
	replicaID := s.replica.ID()
	return func() {
		if flag {
			s.logger.Error("Replica flagged after sustained failures", zap.Int("failures", c.cfg.FlagThreshold), zap.Error(err))
			c.cfg.Metrics.ReplicaFlagged.Add(c.ctx, 1, internaltelemetry.ReplicaAttrs(c.cfg.PartitionID, replicaID))
			if c.cfg.Hooks.OnReplicaFlagged != nil {
				c.cfg.Hooks.OnReplicaFlagged(replicaID, err)
			}
		}
		quorumHooks()
	}
}

func (c *Coordinator) quorumTransitionLocked() func() {
	has := c.healthyLocked() >= c.quorum
	switch {
	case !has && !c.quorumLost:
		c.quorumLost = true
		c.logger.Warn("Quorum lost", zap.Int("healthy", c.healthyLocked()), zap.Int("quorum", c.quorum))
		if h := c.cfg.Hooks.OnQuorumLost; h != nil {
			return h
		}
	case has && c.quorumLost:
		c.quorumLost = false
		c.logger.Info("Quorum restored", zap.Int("healthy", c.healthyLocked()))
		if h := c.cfg.Hooks.OnQuorumRestored; h != nil {
			return h
		}
	}
	return func() {}
}

// catchUpSource picks a synced, healthy peer holding id.
func (c *Coordinator) catchUpSource(s *session, id transaction.ID) (*session, transaction.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.sessions {
		if p != s && p.synced && p.healthy && p.acked >= id {
			end := min(c.bufStart, p.acked+1, id+transaction.ID(c.cfg.CatchUpBatch))
			return p, end
		}
	}
	return nil, transaction.NoID
}

// authoritative returns the leader's copy of id when it can be had from the
// buffer, the recovered records or a synced peer.
func (c *Coordinator) authoritative(ctx context.Context, s *session, id transaction.ID) (transaction.Record, bool, error) {
	c.mu.Lock()
	if id >= c.bufStart && id <= c.lastID {
		rec := c.buf[id-c.bufStart]
		c.mu.Unlock()
		return rec, true, nil
	}
	c.mu.Unlock()

	if n := len(c.cfg.Recovered); n > 0 {
		first := c.cfg.Recovered[0].ID
		if id >= first && id < first+transaction.ID(n) {
			return c.cfg.Recovered[id-first], true, nil
		}
	}

	peer, _ := c.catchUpSource(s, id)
	if peer == nil {
		return transaction.Record{}, false, nil
	}
	recs, err := peer.replica.Read(ctx, c.cfg.PartitionID, id, id+1)
	if err != nil {
		return transaction.Record{}, false, fmt.Errorf("read %d from %s: %w", id, peer.replica.ID(), err)
	}
	if len(recs) != 1 {
		return transaction.Record{}, false, nil
	}
	return recs[0], true, nil
}
