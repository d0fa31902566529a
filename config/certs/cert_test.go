package certs

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.Error(t, Config{CAFile: "ca.crt"}.Validate())
	require.NoError(t, Config{CAFile: "a", CertFile: "b", KeyFile: "c"}.Validate())

	creds, err := ServerCredentials(Config{})
	require.NoError(t, err)
	require.Equal(t, insecure.NewCredentials().Info().SecurityProtocol, creds.Info().SecurityProtocol)
}

func TestGenerate_MutualTLS(t *testing.T) {
	gen, err := Generate(t.TempDir(), []string{"localhost", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)

	serverCreds, err := ServerCredentials(gen.Server)
	require.NoError(t, err)
	clientCreds, err := ClientCredentials(gen.Client)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer(grpc.Creds(serverCreds))
	healthpb.RegisterHealthServer(gs, health.NewServer())
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(clientCreds))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// A client without a certificate is refused.
	plain, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { plain.Close() })
	_, err = healthpb.NewHealthClient(plain).Check(ctx, &healthpb.HealthCheckRequest{})
	require.Error(t, err)
}
