package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/transaction"
	internaltelemetry "github.com/sushant-115/gojowal/internal/telemetry"
)

var errNoCatchUpSource = errors.New("no healthy peer holds the missing records")

// session delivers records to a single replica, strictly one at a time and in
// id order.
type session struct {
	c       *Coordinator
	replica Replica
	logger  *zap.Logger
	notify  chan struct{}
	backoff *backoff.ExponentialBackOff

	// guarded by c.mu
	acked    transaction.ID
	healthy  bool
	failures int
	flagged  bool
	synced   bool
	verified bool
	lastErr  error
}

func newSession(c *Coordinator, r Replica) *session {
	return &session{
		c:       c,
		replica: r,
		logger:  c.logger.With(zap.String("replica", r.ID())),
		notify:  make(chan struct{}, 1),
		backoff: newBackOff(c.cfg),
		healthy: true,
	}
}

// newBackOff spaces retries of one replica. It never gives up; a replica that
// keeps failing is flagged instead.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffMin
	b.MaxInterval = cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Clock = cfg.Clock
	b.Reset()
	return b
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) run() {
	defer s.c.wg.Done()
	for s.c.ctx.Err() == nil {
		err := s.step()
		if err == nil {
			continue
		}
		if s.c.ctx.Err() != nil {
			return
		}
		s.c.failed(s, err)
		select {
		case <-s.c.cfg.Clock.After(s.backoff.NextBackOff()):
		case <-s.c.ctx.Done():
			return
		}
	}
}

func (s *session) step() error {
	s.c.mu.Lock()
	synced := s.synced
	s.c.mu.Unlock()
	if !synced {
		return s.sync()
	}

	rec, ok, catchUp := s.c.next(s)
	if catchUp {
		return s.catchUp()
	}
	if !ok {
		select {
		case <-s.notify:
			return nil
		case <-s.c.cfg.Clock.After(s.c.cfg.ProbeInterval):
			return s.probe()
		case <-s.c.ctx.Done():
			return nil
		}
	}
	if err := s.append(rec); err != nil {
		return err
	}
	s.backoff.Reset()
	s.c.ack(s, rec.ID)
	return nil
}

func (s *session) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.c.ctx, s.c.cfg.AppendTimeout)
}

// sync learns the replica's high-water-mark. The first sync also removes any
// tail the replica holds beyond the recovered baseline and any records that
// disagree with the leader's copy.
func (s *session) sync() error {
	ctx, cancel := s.opContext()
	defer cancel()
	pid := s.c.cfg.PartitionID

	hwm, err := s.replica.HighWaterMark(ctx, pid)
	if err != nil {
		return fmt.Errorf("high-water-mark: %w", err)
	}

	s.c.mu.Lock()
	first := !s.verified
	limit := s.c.lastID
	if first {
		limit = s.c.cfg.Baseline
	}
	s.c.mu.Unlock()

	if hwm > limit {
		if err := s.replica.TruncateAfter(ctx, pid, limit); err != nil {
			return fmt.Errorf("truncate after %d: %w", limit, err)
		}
		s.logger.Info("Truncated uncommitted replica tail",
			zap.Uint64("replica_high_water_mark", uint64(hwm)), zap.Uint64("kept_through", uint64(limit)))
		hwm = limit
	}
	if first && hwm > 0 {
		if hwm, err = s.verifyTail(ctx, hwm); err != nil {
			return err
		}
	}

	s.c.synced(s, hwm)
	s.backoff.Reset()
	s.logger.Debug("Replica synced", zap.Uint64("high_water_mark", uint64(hwm)))
	return nil
}

// verifyTail walks the replica log down from hwm comparing records with the
// leader's copy. Every id above the initial commit point is checked; below
// it the walk stops at the first match. The log is cut just below the lowest
// mismatch and the new high-water-mark returned.
func (s *session) verifyTail(ctx context.Context, hwm transaction.ID) (transaction.ID, error) {
	keep := hwm
	for id := hwm; id > 0; id-- {
		match, err := s.matchesLeader(ctx, id)
		if err != nil {
			return 0, err
		}
		if !match {
			keep = id - 1
			continue
		}
		if id <= s.c.cfg.Committed {
			break
		}
	}
	if keep == hwm {
		return hwm, nil
	}
	s.logger.Warn("Replica records differ from the leader's copy, truncating them",
		zap.Uint64("first_mismatch", uint64(keep+1)), zap.Uint64("replica_high_water_mark", uint64(hwm)))
	if err := s.replica.TruncateAfter(ctx, s.c.cfg.PartitionID, keep); err != nil {
		return 0, fmt.Errorf("truncate after %d: %w", keep, err)
	}
	return keep, nil
}

func (s *session) matchesLeader(ctx context.Context, id transaction.ID) (bool, error) {
	ours, ok, err := s.c.authoritative(ctx, s, id)
	if err != nil || !ok {
		return true, nil
	}
	theirs, err := s.replica.Read(ctx, s.c.cfg.PartitionID, id, id+1)
	if err != nil {
		return false, fmt.Errorf("read %d: %w", id, err)
	}
	return len(theirs) == 1 && theirs[0].Equal(ours), nil
}

func (s *session) append(rec transaction.Record) error {
	ctx, cancel := s.opContext()
	defer cancel()
	err := s.replica.Append(ctx, s.c.cfg.PartitionID, rec)
	if err == nil {
		return nil
	}
	s.c.cfg.Metrics.ReplicaAppendError.Add(s.c.ctx, 1, internaltelemetry.ReplicaAttrs(s.c.cfg.PartitionID, s.replica.ID()))
	if transaction.IsInvariantViolation(err) {
		s.logger.Error("Replica reported an invariant violation", zap.Uint64("id", uint64(rec.ID)), zap.Error(err))
		s.c.mu.Lock()
		s.synced = false
		s.c.mu.Unlock()
		if h := s.c.cfg.Hooks.OnInvariantViolation; h != nil {
			h(s.replica.ID(), err)
		}
	}
	return fmt.Errorf("append %d: %w", rec.ID, err)
}

// catchUp copies records the leader no longer buffers from a peer replica.
func (s *session) catchUp() error {
	s.c.mu.Lock()
	from := s.acked + 1
	s.c.mu.Unlock()

	peer, end := s.c.catchUpSource(s, from)
	if peer == nil {
		return fmt.Errorf("catch up from %d: %w", from, errNoCatchUpSource)
	}
	ctx, cancel := s.opContext()
	recs, err := peer.replica.Read(ctx, s.c.cfg.PartitionID, from, end)
	cancel()
	if err != nil {
		return fmt.Errorf("catch up read from %s: %w", peer.replica.ID(), err)
	}
	s.logger.Debug("Catching up from peer",
		zap.String("peer", peer.replica.ID()), zap.Uint64("from", uint64(from)), zap.Int("records", len(recs)))
	for _, rec := range recs {
		if err := s.c.limiter.Wait(s.c.ctx); err != nil {
			return err
		}
		if err := s.append(rec); err != nil {
			return err
		}
		s.c.ack(s, rec.ID)
	}
	s.backoff.Reset()
	return nil
}

func (s *session) probe() error {
	ctx, cancel := s.opContext()
	defer cancel()
	if err := s.replica.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	s.c.healthy(s)
	return nil
}
