package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	logservice "github.com/sushant-115/gojowal/api/log_service"
	"github.com/sushant-115/gojowal/core/transaction"
)

type validateConfig struct {
	partitions   []int32
	clients      int
	transactions int
	rate         float64
	sharedKey    bool
	retryDelay   time.Duration
}

type validateResult struct {
	Committed int64                    `json:"committed"`
	Conflicts int64                    `json:"conflicts"`
	Retries   int64                    `json:"retries"`
	Start     map[int32]transaction.ID `json:"start_high_water_marks"`
	End       map[int32]transaction.ID `json:"end_high_water_marks"`
}

func newValidateCommand(o *cliOptions) *cobra.Command {
	cfg := validateConfig{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Submit transactions from concurrent clients and check every one commits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := o.dial(o.server)
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := runValidate(cmd.Context(), cfg, o.timeout, func() *logservice.Client {
				return logservice.NewClient(conn)
			})
			if res != nil {
				if perr := printJSON(cmd, res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().Int32SliceVarP(&cfg.partitions, "partition", "p", []int32{0}, "Partitions to write to")
	cmd.Flags().IntVarP(&cfg.clients, "clients", "c", 4, "Number of concurrent clients")
	cmd.Flags().IntVarP(&cfg.transactions, "transactions", "n", 100, "Transactions per client")
	cmd.Flags().Float64Var(&cfg.rate, "rate", 0, "Total submissions per second, 0 for unlimited")
	cmd.Flags().BoolVar(&cfg.sharedKey, "shared-key", false, "Make every client write the same lock key")
	cmd.Flags().DurationVar(&cfg.retryDelay, "retry-delay", 100*time.Millisecond, "Pause before retrying a suspended or timed out submission")
	return cmd
}

// runValidate drives cfg.clients clients, each submitting cfg.transactions
// transactions round-robin over the partitions. Conflicts are retried against
// a fresh high-water-mark and unknown outcomes are retried under the same
// request id, so every transaction must end up committed exactly once.
func runValidate(ctx context.Context, cfg validateConfig, timeout time.Duration, newClient func() *logservice.Client) (*validateResult, error) {
	if len(cfg.partitions) == 0 || cfg.clients <= 0 || cfg.transactions <= 0 {
		return nil, errors.New("validate: partitions, clients and transactions must be positive")
	}
	limit := rate.Inf
	if cfg.rate > 0 {
		limit = rate.Limit(cfg.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	res := &validateResult{Start: map[int32]transaction.ID{}, End: map[int32]transaction.ID{}}
	probe := newClient()
	for _, pid := range cfg.partitions {
		hwm, err := withTimeout(ctx, timeout, func(ctx context.Context) (transaction.ID, error) {
			return probe.HighWaterMark(ctx, pid)
		})
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", pid, err)
		}
		res.Start[pid] = hwm
	}

	var committed, conflicts, retries atomic.Int64
	perPartition := make([]atomic.Int64, len(cfg.partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.clients; i++ {
		client := newClient()
		g.Go(func() error {
			for j := 0; j < cfg.transactions; j++ {
				idx := (i + j) % len(cfg.partitions)
				pid := cfg.partitions[idx]
				key := fmt.Sprintf("validate-%s-%d", client.ClientID(), j)
				if cfg.sharedKey {
					key = "validate-shared"
				}
				tx := transaction.Transaction{
					ReqID:         client.NextReqID(),
					PartitionID:   pid,
					WriteLockKeys: []string{key},
					Body:          []byte(fmt.Sprintf("client %d transaction %d", i, j)),
				}
				for {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
					observed, err := withTimeout(gctx, timeout, func(ctx context.Context) (transaction.ID, error) {
						return client.HighWaterMark(ctx, pid)
					})
					if err != nil {
						return fmt.Errorf("partition %d: %w", pid, err)
					}
					tx.ClientHighWaterMark = observed
					out, err := withTimeout(gctx, timeout, func(ctx context.Context) (transaction.Outcome, error) {
						return client.Submit(ctx, tx)
					})
					if err != nil {
						return fmt.Errorf("submit %s: %w", tx.ReqID, err)
					}
					switch out.Status {
					case transaction.StatusCommitted:
						committed.Add(1)
						perPartition[idx].Add(1)
					case transaction.StatusConflict:
						conflicts.Add(1)
						continue
					case transaction.StatusTimeout, transaction.StatusSuspended:
						retries.Add(1)
						select {
						case <-gctx.Done():
							return gctx.Err()
						case <-time.After(cfg.retryDelay):
						}
						continue
					default:
						return fmt.Errorf("submit %s: %s: %s", tx.ReqID, out.Status, out.Message)
					}
					break
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.Committed, res.Conflicts, res.Retries = committed.Load(), conflicts.Load(), retries.Load()
	if err != nil {
		return res, err
	}

	for idx, pid := range cfg.partitions {
		hwm, err := withTimeout(ctx, timeout, func(ctx context.Context) (transaction.ID, error) {
			return probe.HighWaterMark(ctx, pid)
		})
		if err != nil {
			return res, fmt.Errorf("partition %d: %w", pid, err)
		}
		res.End[pid] = hwm
		if want := res.Start[pid] + transaction.ID(perPartition[idx].Load()); hwm < want {
			return res, fmt.Errorf("partition %d: high-water-mark %d, want at least %d", pid, hwm, want)
		}
	}
	if want := int64(cfg.clients * cfg.transactions); res.Committed != want {
		return res, fmt.Errorf("committed %d transactions, want %d", res.Committed, want)
	}
	return res, nil
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
