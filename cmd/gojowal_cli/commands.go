package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	logservice "github.com/sushant-115/gojowal/api/log_service"
	storageservice "github.com/sushant-115/gojowal/api/storage_service"
	"github.com/sushant-115/gojowal/config/certs"
	"github.com/sushant-115/gojowal/core/transaction"
)

func newSubmitCommand(o *cliOptions) *cobra.Command {
	var (
		partitionID int32
		writes      []string
		reads       []string
		observed    uint64
		body        string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withLogClient(cmd, func(ctx context.Context, c *logservice.Client) error {
				out, err := c.Submit(ctx, transaction.Transaction{
					PartitionID:         partitionID,
					WriteLockKeys:       writes,
					ReadLockKeys:        reads,
					Body:                []byte(body),
					ClientHighWaterMark: transaction.ID(observed),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().Int32VarP(&partitionID, "partition", "p", 0, "Partition id")
	cmd.Flags().StringSliceVarP(&writes, "write", "w", nil, "Write lock keys")
	cmd.Flags().StringSliceVarP(&reads, "read", "r", nil, "Read lock keys")
	cmd.Flags().Uint64Var(&observed, "observed", 0, "High-water-mark the transaction was built against")
	cmd.Flags().StringVar(&body, "body", "", "Transaction payload")
	return cmd
}

func newHighWaterMarkCommand(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "high-water-mark partition...",
		Short: "Print the high-water-mark of partitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parsePartitions(args)
			if err != nil {
				return err
			}
			return o.withLogClient(cmd, func(ctx context.Context, c *logservice.Client) error {
				for _, id := range ids {
					hwm, err := c.HighWaterMark(ctx, id)
					if err != nil {
						return fmt.Errorf("partition %d: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "partition %d: %d\n", id, hwm)
				}
				return nil
			})
		},
	}
}

func newCheckConnectivityCommand(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-connectivity [partition...]",
		Short: "Ping the storage replicas of partitions owned by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parsePartitions(args)
			if err != nil {
				return err
			}
			return o.withLogClient(cmd, func(ctx context.Context, c *logservice.Client) error {
				results, err := c.CheckConnectivity(ctx, ids...)
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
}

func newReplicaCommands(o *cliOptions) []*cobra.Command {
	run := func(add bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ids, err := parsePartitions(args[:1])
			if err != nil {
				return err
			}
			return o.withLogClient(cmd, func(ctx context.Context, c *logservice.Client) error {
				if add {
					return c.AddReplica(ctx, ids[0], args[1])
				}
				return c.RemoveReplica(ctx, ids[0], args[1])
			})
		}
	}
	return []*cobra.Command{
		{
			Use:   "add-replica partition address",
			Short: "Add a storage replica to a partition",
			Args:  cobra.ExactArgs(2),
			RunE:  run(true),
		},
		{
			Use:   "remove-replica partition address",
			Short: "Remove a storage replica from a partition",
			Args:  cobra.ExactArgs(2),
			RunE:  run(false),
		},
	}
}

func newPreferredCommands(o *cliOptions) []*cobra.Command {
	run := func(add bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ids, err := parsePartitions(args)
			if err != nil {
				return err
			}
			return o.withLogClient(cmd, func(ctx context.Context, c *logservice.Client) error {
				if add {
					return c.AddPreferredPartitions(ctx, ids...)
				}
				return c.RemovePreferredPartitions(ctx, ids...)
			})
		}
	}
	return []*cobra.Command{
		{
			Use:   "add-preferred-partition partition...",
			Short: "Ask for partitions to be led by the server",
			Args:  cobra.MinimumNArgs(1),
			RunE:  run(true),
		},
		{
			Use:   "remove-preferred-partition partition...",
			Short: "Withdraw a leadership preference",
			Args:  cobra.MinimumNArgs(1),
			RunE:  run(false),
		},
	}
}

func newStatusCommand(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [partition...]",
		Short: "Print the state of partitions owned by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parsePartitions(args)
			if err != nil {
				return err
			}
			return o.withLogClient(cmd, func(ctx context.Context, c *logservice.Client) error {
				st, err := c.Status(ctx, ids...)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
}

func newTrimCommand(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trim-conflict-window partition observed",
		Short: "Evict conflict window entries every client has observed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parsePartitions(args[:1])
			if err != nil {
				return err
			}
			observed, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid transaction id %q", args[1])
			}
			return o.withLogClient(cmd, func(ctx context.Context, c *logservice.Client) error {
				return c.TrimConflictWindow(ctx, ids[0], transaction.ID(observed))
			})
		},
	}
}

func newStorageCommand(o *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Administer a storage node",
	}
	partitionRun := func(add bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ids, err := parsePartitions(args)
			if err != nil {
				return err
			}
			return o.withStorageClient(cmd, func(ctx context.Context, c *storageservice.Client) error {
				for _, id := range ids {
					if add {
						err = c.AddPartition(ctx, id)
					} else {
						err = c.RemovePartition(ctx, id)
					}
					if err != nil {
						return fmt.Errorf("partition %d: %w", id, err)
					}
				}
				return nil
			})
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add-partition partition...",
			Short: "Create empty partition logs",
			Args:  cobra.MinimumNArgs(1),
			RunE:  partitionRun(true),
		},
		&cobra.Command{
			Use:   "remove-partition partition...",
			Short: "Delete partition logs and their records",
			Args:  cobra.MinimumNArgs(1),
			RunE:  partitionRun(false),
		},
		&cobra.Command{
			Use:   "list-partitions",
			Short: "List the partitions hosted by the node",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.withStorageClient(cmd, func(ctx context.Context, c *storageservice.Client) error {
					ids, err := c.ListPartitions(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, ids)
				})
			},
		},
	)
	return cmd
}

func newCertsCommand() *cobra.Command {
	var (
		dir      string
		hosts    []string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate-certs",
		Short: "Write a development CA with server and client certificates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := certs.Generate(dir, hosts, validFor)
			if err != nil {
				return err
			}
			return printJSON(cmd, gen)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "certs", "Output directory")
	cmd.Flags().StringSliceVar(&hosts, "hosts", []string{"localhost", "127.0.0.1"}, "Names and IPs of the server certificate")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate lifetime")
	return cmd
}
