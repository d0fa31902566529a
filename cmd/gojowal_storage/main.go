// Command gojowal_storage runs a storage replica node.
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

	storageservice "github.com/sushant-115/gojowal/api/storage_service"
	"github.com/sushant-115/gojowal/config"
	"github.com/sushant-115/gojowal/config/certs"
	"github.com/sushant-115/gojowal/core/storage"
	internaltelemetry "github.com/sushant-115/gojowal/internal/telemetry"
	"github.com/sushant-115/gojowal/pkg/logger"
	"github.com/sushant-115/gojowal/pkg/telemetry"
)

var (
	configPath = flag.String("config", "storage.yaml", "Path to the storage node config file")
	listenAddr = flag.String("listen_addr", "", "gRPC bind address, overrides the config file")
	dataDir    = flag.String("data_dir", "", "Data directory, overrides the config file")

	ShutdownTimeout = 10 * time.Second
)

func main() {
	flag.Parse()

	cfg, err := config.LoadStorageConfig(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()
	zlogger = zlogger.With(zap.String("node_id", cfg.NodeID))

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	store, err := storage.Open(cfg.DataDir, storage.Options{
		SegmentSizeLimit: cfg.SegmentSizeLimit,
		Partitions:       cfg.Partitions,
	}, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to open storage", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	rpcMetrics, err := internaltelemetry.NewRPCMetrics(storageservice.ServiceName, tel.Meter, tel.Tracer)
	if err != nil {
		zlogger.Fatal("Failed to register RPC metrics", zap.Error(err))
	}
	creds, err := certs.ServerCredentials(cfg.TLS)
	if err != nil {
		zlogger.Fatal("Failed to load TLS material", zap.Error(err))
	}
	grpcServer := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(rpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(rpcMetrics.StreamServerInterceptor()),
	)
	svc := storageservice.NewServer(store, zlogger)
	svc.SetReadBatch(cfg.ReadBatch)
	storageservice.Register(grpcServer, svc)
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
	zlogger.Info("Storage node started",
		zap.String("addr", cfg.ListenAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.Int32s("partitions", store.Partitions()))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	zlogger.Info("Shutting down", zap.Stringer("signal", sig))

	healthServer.Shutdown()
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
	if err := store.Close(); err != nil {
		zlogger.Error("Failed to close storage", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		zlogger.Error("Failed to shut down telemetry", zap.Error(err))
	}
	zlogger.Info("Storage node shut down gracefully")
}
