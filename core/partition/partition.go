// Package partition implements the per-partition state machine of a log
// server: ownership lifecycle, recovery, id assignment, conflict checking and
// high-water-mark advancement.
package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojowal/core/conflict"
	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/transaction"
	internaltelemetry "github.com/sushant-115/gojowal/internal/telemetry"
	"github.com/sushant-115/gojowal/pkg/logger"
)

// Options tunes a partition. Zero values select defaults.
type Options struct {
	// QuorumSize of zero means a strict majority of the replica set.
	QuorumSize            int
	WindowSize            int
	SubmitTimeout         time.Duration
	RecoveryTimeout       time.Duration
	RecoveryRetryInterval time.Duration

	AppendTimeout time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	FlagThreshold int
	ProbeInterval time.Duration
	MaxBuffered   int
	CatchUpRate   rate.Limit
	CatchUpBatch  int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *internaltelemetry.PartitionMetrics
	// OnReplicaFlagged forwards sustained replica failures to operators.
	OnReplicaFlagged func(partitionID int32, replicaID string, err error)
	// OnReplicaRecovered fires when a flagged replica is healthy again.
	OnReplicaRecovered func(partitionID int32, replicaID string)
}

func (o *Options) applyDefaults() {
	if o.WindowSize <= 0 {
		o.WindowSize = conflict.DefaultWindowSize
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 10 * time.Second
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.RecoveryRetryInterval <= 0 {
		o.RecoveryRetryInterval = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = internaltelemetry.NoopPartitionMetrics()
	}
}

type eventKind int

const (
	evRecover eventKind = iota
	evQuorumLost
	evQuorumRestored
	evInvariantViolation
)

type event struct {
	kind       eventKind
	generation uint64
}

// Partition is the server-side state machine of one partition.
type Partition struct {
	id      int32
	opts    Options
	logger  *zap.Logger
	metrics *internaltelemetry.PartitionMetrics

	state atomic.Int32
	hwm   atomic.Uint64

	// mu serializes id assignment with window insertion and guards the
	// fields below. It is never held across a network call.
	mu         sync.Mutex
	replicas   []replication.Replica
	coord      *replication.Coordinator
	detector   *conflict.Detector
	nextID     transaction.ID
	generation uint64
	events     chan event
	stop       context.CancelFunc
	loopDone   chan struct{}

	// recoverMu allows one recovery at a time.
	recoverMu sync.Mutex
}

// New creates an unassigned partition over replicas.
func New(id int32, replicas []replication.Replica, opts Options) (*Partition, error) {
	opts.applyDefaults()
	if err := validateReplicaSet(replicas, opts.QuorumSize); err != nil {
		return nil, fmt.Errorf("partition %d: %w", id, err)
	}
	return &Partition{
		id:       id,
		opts:     opts,
		logger:   logger.ForPartition(opts.Logger.Named("partition"), id),
		metrics:  opts.Metrics,
		replicas: slices.Clone(replicas),
	}, nil
}

func quorumFor(configured, n int) int {
	if configured == 0 {
		return n/2 + 1
	}
	return configured
}

func validateReplicaSet(replicas []replication.Replica, quorum int) error {
	seen := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		if seen[r.ID()] {
			return fmt.Errorf("replica %s listed twice", r.ID())
		}
		seen[r.ID()] = true
	}
	return replication.ValidateQuorum(quorumFor(quorum, len(replicas)), len(replicas))
}

// ID is the partition id.
func (p *Partition) ID() int32 { return p.id }

// State is the current lifecycle state.
func (p *Partition) State() State { return State(p.state.Load()) }

// HighWaterMark is the last id durable on a quorum, with no gaps below it.
func (p *Partition) HighWaterMark() transaction.ID { return transaction.ID(p.hwm.Load()) }

func (p *Partition) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.logger.Info("Partition state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// advanceHighWaterMark never moves the mark backwards.
func (p *Partition) advanceHighWaterMark(id transaction.ID) {
	for {
		cur := p.hwm.Load()
		if uint64(id) <= cur {
			return
		}
		if p.hwm.CompareAndSwap(cur, uint64(id)) {
			p.metrics.RecordHighWaterMark(context.Background(), p.id, uint64(id))
			return
		}
	}
}

// Grant is called when the coordination service makes this server the
// partition's leader. Recovery starts in the background.
func (p *Partition) Grant() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	p.events = make(chan event, 64)
	p.loopDone = make(chan struct{})
	p.generation++
	p.setState(StateRecovering)
	go p.loop(ctx, p.events, p.loopDone)
	p.signalLocked(event{kind: evRecover, generation: p.generation})
}

// Revoke is called when ownership moves elsewhere. Submissions still waiting
// for a quorum see an unknown outcome.
func (p *Partition) Revoke() {
	p.mu.Lock()
	stop, done := p.stop, p.loopDone
	coord := p.coord
	p.stop, p.loopDone = nil, nil
	p.coord, p.detector = nil, nil
	p.generation++
	p.setState(StateUnassigned)
	p.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	if coord != nil {
		coord.Close()
	}
	<-done
}

func (p *Partition) signalLocked(ev event) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("Partition event queue full, dropping event", zap.Int("kind", int(ev.kind)))
	}
}

func (p *Partition) signal(ev event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signalLocked(ev)
}

func (p *Partition) loop(ctx context.Context, events <-chan event, done chan struct{}) {
	defer close(done)
	retry := p.opts.Clock.Ticker(p.opts.RecoveryRetryInterval)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			p.handle(ctx, ev)
		case <-retry.C:
			if p.State() == StateSuspended {
				p.logger.Info("Retrying recovery of suspended partition")
				_ = p.recover(ctx)
			}
		}
	}
}

func (p *Partition) handle(ctx context.Context, ev event) {
	p.mu.Lock()
	current := ev.generation == p.generation
	p.mu.Unlock()
	if !current {
		return
	}
	switch ev.kind {
	case evRecover:
		_ = p.recover(ctx)
	case evQuorumLost:
		if p.State() == StateActive {
			p.logger.Warn("Quorum lost, suspending partition")
			p.setState(StateSuspended)
		}
	case evQuorumRestored:
		if p.State() == StateSuspended {
			p.logger.Info("Quorum restored, recovering partition")
			_ = p.recover(ctx)
		}
	case evInvariantViolation:
		if s := p.State(); s == StateActive || s == StateSuspended {
			p.logger.Error("Replica invariant violation, forcing recovery")
			_ = p.recover(ctx)
		}
	}
}

// Recover runs the recovery protocol now. Operators use it to resume a
// suspended partition.
func (p *Partition) Recover(ctx context.Context) error {
	return p.recover(ctx)
}

func (p *Partition) recover(ctx context.Context) error {
	p.recoverMu.Lock()
	defer p.recoverMu.Unlock()

	p.mu.Lock()
	if p.State() == StateUnassigned {
		p.mu.Unlock()
		return fmt.Errorf("partition %d: %w", p.id, transaction.ErrNotOwner)
	}
	p.setState(StateRecovering)
	p.generation++
	gen := p.generation
	prev := p.HighWaterMark()
	old := p.coord
	p.coord = nil
	replicas := slices.Clone(p.replicas)
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	started := p.opts.Clock.Now()
	rctx, cancel := context.WithTimeout(ctx, p.opts.RecoveryTimeout)
	defer cancel()
	quorum := quorumFor(p.opts.QuorumSize, len(replicas))
	res, err := recoverLog(rctx, p.id, replicas, quorum, p.opts.WindowSize, prev, p.logger)
	if err != nil {
		p.mu.Lock()
		if p.generation == gen && p.State() == StateRecovering {
			p.setState(StateSuspended)
		}
		p.mu.Unlock()
		p.logger.Warn("Recovery failed", zap.Error(err))
		return fmt.Errorf("partition %d recovery: %w", p.id, err)
	}

	coord, err := replication.New(p.coordinatorConfig(replicas, quorum, res, gen))
	if err != nil {
		p.mu.Lock()
		if p.generation == gen && p.State() == StateRecovering {
			p.setState(StateSuspended)
		}
		p.mu.Unlock()
		return fmt.Errorf("partition %d recovery: %w", p.id, err)
	}
	detector := conflict.New(p.opts.WindowSize)
	detector.Reset(res.floor)
	for _, rec := range res.window {
		detector.Insert(rec)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen || p.State() != StateRecovering {
		coord.Close()
		return fmt.Errorf("partition %d: ownership changed during recovery: %w", p.id, transaction.ErrNotOwner)
	}
	if res.target < p.HighWaterMark() {
		coord.Close()
		p.setState(StateSuspended)
		p.logger.Error("Recovery target is below the high-water-mark",
			zap.Uint64("high_water_mark", uint64(p.HighWaterMark())), zap.Uint64("target", uint64(res.target)))
		return fmt.Errorf("partition %d: recovery target %d below high-water-mark %d: %w",
			p.id, res.target, p.HighWaterMark(), transaction.ErrQuorumUnavailable)
	}
	if res.confirmed < prev {
		p.logger.Warn("Committed records are not yet on a quorum of the replica set, re-replicating",
			zap.Uint64("high_water_mark", uint64(prev)), zap.Uint64("quorum_confirmed", uint64(res.confirmed)))
	}
	p.coord = coord
	p.detector = detector
	p.nextID = res.target + 1
	p.advanceHighWaterMark(res.confirmed)
	coord.Start()
	p.setState(StateActive)

	p.metrics.Recoveries.Add(ctx, 1, internaltelemetry.Attrs(p.id))
	p.logger.Info("Partition recovered",
		zap.Uint64("target", uint64(res.target)),
		zap.Uint64("high_water_mark", uint64(p.HighWaterMark())),
		zap.Int("window", len(res.window)),
		zap.Duration("took", p.opts.Clock.Since(started)))
	return nil
}

func (p *Partition) coordinatorConfig(replicas []replication.Replica, quorum int, res recoveryResult, gen uint64) replication.Config {
	return replication.Config{
		PartitionID:   p.id,
		Replicas:      replicas,
		QuorumSize:    quorum,
		Baseline:      res.target,
		Committed:     res.confirmed,
		Recovered:     res.window,
		AppendTimeout: p.opts.AppendTimeout,
		BackoffMin:    p.opts.BackoffMin,
		BackoffMax:    p.opts.BackoffMax,
		FlagThreshold: p.opts.FlagThreshold,
		ProbeInterval: p.opts.ProbeInterval,
		MaxBuffered:   p.opts.MaxBuffered,
		CatchUpRate:   p.opts.CatchUpRate,
		CatchUpBatch:  p.opts.CatchUpBatch,
		Clock:         p.opts.Clock,
		Logger:        p.logger,
		Metrics:       p.metrics,
		Hooks: replication.Hooks{
			OnCommit:         p.advanceHighWaterMark,
			OnQuorumLost:     func() { p.signal(event{kind: evQuorumLost, generation: gen}) },
			OnQuorumRestored: func() { p.signal(event{kind: evQuorumRestored, generation: gen}) },
			OnInvariantViolation: func(string, error) {
				p.signal(event{kind: evInvariantViolation, generation: gen})
			},
			OnReplicaFlagged: func(replicaID string, err error) {
				if p.opts.OnReplicaFlagged != nil {
					p.opts.OnReplicaFlagged(p.id, replicaID, err)
				}
			},
			OnReplicaRecovered: func(replicaID string) {
				if p.opts.OnReplicaRecovered != nil {
					p.opts.OnReplicaRecovered(p.id, replicaID)
				}
			},
		},
	}
}

// Submit orders, checks and replicates txn. It returns the assigned id once
// the transaction is durable on a quorum. Errors are classified by
// transaction.StatusOf; ErrTimeout means the outcome is unknown and the
// returned id, if any, should be checked against the high-water-mark later.
func (p *Partition) Submit(ctx context.Context, txn *transaction.Transaction) (transaction.ID, error) {
	if err := txn.Validate(); err != nil {
		return 0, err
	}
	if txn.PartitionID != p.id {
		return 0, fmt.Errorf("%w: sent to partition %d, addressed to %d", transaction.ErrInvalidTransaction, p.id, txn.PartitionID)
	}
	p.metrics.Submitted.Add(ctx, 1, internaltelemetry.Attrs(p.id))

	p.mu.Lock()
	switch p.State() {
	case StateUnassigned:
		p.mu.Unlock()
		return 0, fmt.Errorf("partition %d: %w", p.id, transaction.ErrNotOwner)
	case StateRecovering:
		p.mu.Unlock()
		return 0, fmt.Errorf("partition %d: %w", p.id, transaction.ErrRecovering)
	case StateSuspended:
		p.mu.Unlock()
		return 0, fmt.Errorf("partition %d: %w", p.id, transaction.ErrQuorumUnavailable)
	}
	coord := p.coord

	if id, ok := p.detector.Lookup(txn.ReqID); ok {
		committed := coord.Committed(id)
		p.mu.Unlock()
		p.logger.Debug("Duplicate submission", zap.Stringer("req_id", txn.ReqID), zap.Uint64("id", uint64(id)))
		return p.await(ctx, coord, id, committed)
	}
	if !coord.HasQuorum() {
		p.signalLocked(event{kind: evQuorumLost, generation: p.generation})
		p.mu.Unlock()
		return 0, fmt.Errorf("partition %d: %w", p.id, transaction.ErrQuorumUnavailable)
	}
	if txn.ClientHighWaterMark >= p.nextID {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: observed high-water-mark %d was never assigned", transaction.ErrInvalidTransaction, txn.ClientHighWaterMark)
	}
	if err := p.detector.Check(txn); err != nil {
		p.mu.Unlock()
		if errors.Is(err, transaction.ErrStaleObservation) {
			p.metrics.StaleObservations.Add(ctx, 1, internaltelemetry.Attrs(p.id))
		} else {
			p.metrics.Conflicts.Add(ctx, 1, internaltelemetry.Attrs(p.id))
		}
		return 0, err
	}

	id := p.nextID
	rec := txn.Record(id)
	committed, err := coord.Enqueue(rec)
	if err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("partition %d: %w", p.id, transaction.ErrRecovering)
	}
	p.nextID++
	p.detector.Insert(rec)
	p.mu.Unlock()

	return p.await(ctx, coord, id, committed)
}

func (p *Partition) await(ctx context.Context, coord *replication.Coordinator, id transaction.ID, committed <-chan struct{}) (transaction.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SubmitTimeout)
	defer cancel()
	if err := coord.Wait(ctx, committed); err != nil {
		p.metrics.Timeouts.Add(ctx, 1, internaltelemetry.Attrs(p.id))
		return id, fmt.Errorf("partition %d id %d: %w", p.id, id, err)
	}
	p.metrics.Committed.Add(ctx, 1, internaltelemetry.Attrs(p.id))
	return id, nil
}

// TrimConflictWindow drops window entries every client has observed. Ids
// above the high-water-mark are never dropped.
func (p *Partition) TrimConflictWindow(observed transaction.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detector == nil {
		return
	}
	p.detector.EvictThrough(min(observed, p.HighWaterMark()))
}
