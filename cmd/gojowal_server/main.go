// Command gojowal_server runs a log server: it owns partitions, sequences
// and replicates their transactions, and serves clients.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logservice "github.com/sushant-115/gojowal/api/log_service"
	storageservice "github.com/sushant-115/gojowal/api/storage_service"
	"github.com/sushant-115/gojowal/config"
	"github.com/sushant-115/gojowal/config/certs"
	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/replication"
	"github.com/sushant-115/gojowal/core/server"
	internaltelemetry "github.com/sushant-115/gojowal/internal/telemetry"
	"github.com/sushant-115/gojowal/pkg/connection"
	"github.com/sushant-115/gojowal/pkg/logger"
	"github.com/sushant-115/gojowal/pkg/telemetry"
)

var (
	configPath = flag.String("config", "server.yaml", "Path to the log server config file")
	listenAddr = flag.String("listen_addr", "", "gRPC bind address, overrides the config file")

	ShutdownTimeout = 10 * time.Second
)

func main() {
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()
	zlogger = zlogger.With(zap.String("server_id", cfg.ServerID))

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	partitionMetrics, err := internaltelemetry.NewPartitionMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("Failed to register partition metrics", zap.Error(err))
	}
	rpcMetrics, err := internaltelemetry.NewRPCMetrics(logservice.ServiceName, tel.Meter, tel.Tracer)
	if err != nil {
		zlogger.Fatal("Failed to register RPC metrics", zap.Error(err))
	}

	clientCreds, err := certs.ClientCredentials(cfg.ClientTLS)
	if err != nil {
		zlogger.Fatal("Failed to load client TLS material", zap.Error(err))
	}
	pool := connection.NewConnectionPoolManager(grpc.WithTransportCredentials(clientCreds))
	defer pool.Close()

	var (
		coord   coordination.Service
		applier logservice.CommandApplier
	)
	switch cfg.Coordination.Mode {
	case config.CoordinationStatic:
		coord = coordination.NewStatic(cfg.ServerID, cfg.Partitions, zlogger)
	default:
		r, err := coordination.NewRaft(coordination.RaftConfig{
			ServerID:          cfg.ServerID,
			Address:           cfg.ListenAddr,
			RaftAddress:       cfg.Coordination.RaftAddress,
			DataDir:           cfg.Coordination.DataDir,
			Peers:             cfg.Coordination.Peers,
			Partitions:        cfg.Partitions,
			ReconcileInterval: cfg.Coordination.ReconcileInterval,
			ApplyTimeout:      cfg.Coordination.ApplyTimeout,
			HeartbeatTimeout:  cfg.Coordination.HeartbeatTimeout,
			ElectionTimeout:   cfg.Coordination.ElectionTimeout,
			Forwarder:         logservice.NewForwarder(pool),
			Logger:            zlogger,
		})
		if err != nil {
			zlogger.Fatal("Failed to start raft coordination", zap.Error(err))
		}
		coord = r
		applier = r
	}

	opts := cfg.Tunables.PartitionOptions()
	opts.Logger = zlogger
	opts.Metrics = partitionMetrics
	srv, err := server.New(server.Config{
		ServerID:  cfg.ServerID,
		Partition: opts,
		Dialer: server.DialFunc(func(address string, _ int32, generation uint64) (replication.Replica, error) {
			conn, err := pool.Get(address)
			if err != nil {
				return nil, err
			}
			return storageservice.NewReplica(conn, address, generation), nil
		}),
		Coordination:        coord,
		ConnectivityTimeout: cfg.ConnectivityTimeout,
		Logger:              zlogger,
	})
	if err != nil {
		zlogger.Fatal("Failed to create server", zap.Error(err))
	}

	serverCreds, err := certs.ServerCredentials(cfg.TLS)
	if err != nil {
		zlogger.Fatal("Failed to load TLS material", zap.Error(err))
	}
	grpcServer := grpc.NewServer(
		grpc.Creds(serverCreds),
		grpc.ChainUnaryInterceptor(rpcMetrics.UnaryServerInterceptor()),
	)
	logservice.Register(grpcServer, logservice.NewServer(srv, applier, zlogger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		zlogger.Fatal("Failed to listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			zlogger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		zlogger.Fatal("Failed to start coordination", zap.Error(err))
	}
	zlogger.Info("Log server started",
		zap.String("addr", cfg.ListenAddr),
		zap.String("coordination", cfg.Coordination.Mode),
		zap.Int("partitions", len(cfg.Partitions)))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	zlogger.Info("Shutting down", zap.Stringer("signal", sig))

	healthServer.Shutdown()
	cancel()
	if err := srv.Close(); err != nil {
		zlogger.Error("Failed to close server", zap.Error(err))
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(ShutdownTimeout):
		grpcServer.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zlogger.Error("Failed to shut down telemetry", zap.Error(err))
	}
	zlogger.Info("Log server shut down gracefully")
}
