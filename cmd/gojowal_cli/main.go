// Command gojowal_cli is the client and administration tool for gojowal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	logservice "github.com/sushant-115/gojowal/api/log_service"
	storageservice "github.com/sushant-115/gojowal/api/storage_service"
	"github.com/sushant-115/gojowal/config/certs"
)

type cliOptions struct {
	server  string
	storage string
	timeout time.Duration
	tls     certs.Config
}

func defaultOptions() *cliOptions {
	return &cliOptions{
		server:  "127.0.0.1:7100",
		storage: "127.0.0.1:7200",
		timeout: 10 * time.Second,
	}
}

func (o *cliOptions) dial(address string) (*grpc.ClientConn, error) {
	creds, err := certs.ClientCredentials(o.tls)
	if err != nil {
		return nil, err
	}
	return grpc.NewClient(address, grpc.WithTransportCredentials(creds))
}

// withLogClient runs fn against the log server with a deadline.
func (o *cliOptions) withLogClient(cmd *cobra.Command, fn func(ctx context.Context, c *logservice.Client) error) error {
	conn, err := o.dial(o.server)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, logservice.NewClient(conn))
}

func (o *cliOptions) withStorageClient(cmd *cobra.Command, fn func(ctx context.Context, c *storageservice.Client) error) error {
	conn, err := o.dial(o.storage)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, storageservice.NewClient(conn))
}

func parsePartitions(args []string) ([]int32, error) {
	ids := make([]int32, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid partition id %q", a)
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newRootCommand builds the command tree. Flag defaults come from o so that
// shell lines inherit the flags the shell was started with.
func newRootCommand(o *cliOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "gojowal_cli",
		Short:         "Client and administration tool for gojowal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&o.server, "server", o.server, "Log server address")
	flags.StringVar(&o.storage, "storage", o.storage, "Storage node address")
	flags.DurationVar(&o.timeout, "timeout", o.timeout, "Deadline of each request")
	flags.StringVar(&o.tls.CAFile, "tls-ca", o.tls.CAFile, "CA certificate for mutual TLS")
	flags.StringVar(&o.tls.CertFile, "tls-cert", o.tls.CertFile, "Client certificate for mutual TLS")
	flags.StringVar(&o.tls.KeyFile, "tls-key", o.tls.KeyFile, "Client key for mutual TLS")

	root.AddCommand(
		newSubmitCommand(o),
		newHighWaterMarkCommand(o),
		newCheckConnectivityCommand(o),
		newValidateCommand(o),
	)
	root.AddCommand(newReplicaCommands(o)...)
	root.AddCommand(newPreferredCommands(o)...)
	root.AddCommand(
		newStatusCommand(o),
		newTrimCommand(o),
		newStorageCommand(o),
		newCertsCommand(),
		newShellCommand(o),
	)
	return root
}

func main() {
	cobra.EnablePrefixMatching = true
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(defaultOptions()).ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
