package partition

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/transaction"
)

// recoveryResult is what a leader needs to resume a partition.
type recoveryResult struct {
	// target is the last id kept on the replicas; assignment resumes at
	// target+1.
	target transaction.ID
	// confirmed is the highest id known to be on a quorum. It equals target
	// when every replica answered.
	confirmed transaction.ID
	// window holds the most recent records, oldest first, and floor is the
	// id just before window[0].
	window []transaction.Record
	floor  transaction.ID
}

// descending returns ids sorted from highest to lowest.
func descending(ids []transaction.ID) []transaction.ID {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b transaction.ID) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	return out
}

// recoveryTarget picks the last id to keep and the last id known to be on a
// quorum, from the high-water-marks of the replicas that answered out of n.
//
// A committed id is on at least quorum replicas, so at least quorum-missing
// responders hold it. Keeping through the (quorum-missing)-th highest
// responder therefore never drops a committed record. Ids kept beyond the
// quorum-th highest were never acknowledged to a client as committed; they
// commit once the new leader has copied them to a quorum.
func recoveryTarget(responders []transaction.ID, n, quorum int) (target, confirmed transaction.ID, err error) {
	if len(responders) < quorum {
		return 0, 0, fmt.Errorf("%w: %d of %d replicas reachable, need %d",
			transaction.ErrQuorumUnavailable, len(responders), n, quorum)
	}
	sorted := descending(responders)
	missing := n - len(responders)
	return sorted[quorum-missing-1], sorted[quorum-1], nil
}

// recoverLog reconciles the replica logs of a partition: it learns every
// reachable replica's high-water-mark, truncates uncommitted tails beyond the
// recovery target and reloads the conflict window.
//
// committed is a high-water-mark this server already reported. The replica
// set may have changed since, so a quorum of the current set need not hold
// it; the target never drops below it and at least one reachable replica
// must hold it.
func recoverLog(ctx context.Context, partitionID int32, replicas []replication.Replica, quorum, windowSize int, committed transaction.ID, logger *zap.Logger) (recoveryResult, error) {
	var res recoveryResult

	hwms := make([]transaction.ID, len(replicas))
	answered := make([]bool, len(replicas))
	var (
		mu   sync.Mutex
		merr *multierror.Error
		g    errgroup.Group
	)
	for i, r := range replicas {
		g.Go(func() error {
			hwm, err := r.HighWaterMark(ctx, partitionID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("replica %s: %w", r.ID(), err))
				return nil
			}
			hwms[i], answered[i] = hwm, true
			return nil
		})
	}
	_ = g.Wait()

	var responders []transaction.ID
	for i := range replicas {
		if answered[i] {
			responders = append(responders, hwms[i])
		}
	}
	target, confirmed, err := recoveryTarget(responders, len(replicas), quorum)
	if err != nil {
		if merr != nil {
			return res, fmt.Errorf("%w (%v)", err, merr.ErrorOrNil())
		}
		return res, err
	}
	if merr != nil {
		logger.Warn("Recovering without every replica", zap.Error(merr))
	}
	if target < committed {
		if highest := slices.Max(responders); highest < committed {
			return res, fmt.Errorf("%w: committed id %d is on no reachable replica (highest %d)",
				transaction.ErrQuorumUnavailable, committed, highest)
		}
		logger.Info("Keeping records committed under the previous replica set",
			zap.Uint64("quorum_target", uint64(target)), zap.Uint64("committed", uint64(committed)))
		target = committed
	}

	tg, tctx := errgroup.WithContext(ctx)
	for i, r := range replicas {
		if !answered[i] || hwms[i] <= target {
			continue
		}
		tg.Go(func() error {
			if err := r.TruncateAfter(tctx, partitionID, target); err != nil {
				return fmt.Errorf("truncate replica %s after %d: %w", r.ID(), target, err)
			}
			logger.Info("Truncated uncommitted tail",
				zap.String("replica", r.ID()),
				zap.Uint64("replica_high_water_mark", uint64(hwms[i])),
				zap.Uint64("target", uint64(target)))
			return nil
		})
	}
	if err := tg.Wait(); err != nil {
		return res, err
	}

	res.target, res.confirmed = target, confirmed
	if target == transaction.NoID {
		return res, nil
	}
	from := transaction.ID(1)
	if target > transaction.ID(windowSize) {
		from = target - transaction.ID(windowSize) + 1
	}
	res.floor = from - 1

	var readErr *multierror.Error
	for i, r := range replicas {
		if !answered[i] || hwms[i] < target {
			continue
		}
		recs, err := r.Read(ctx, partitionID, from, target+1)
		if err == nil && len(recs) == int(target-from+1) {
			res.window = recs
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("got %d records, want %d", len(recs), target-from+1)
		}
		readErr = multierror.Append(readErr, fmt.Errorf("replica %s: %w", r.ID(), err))
	}
	return res, fmt.Errorf("failed to reload conflict window [%d, %d]: %w", from, target, readErr.ErrorOrNil())
}
