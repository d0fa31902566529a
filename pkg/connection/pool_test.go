package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestConnectionPoolManager(t *testing.T) {
	m := NewConnectionPoolManager(grpc.WithTransportCredentials(insecure.NewCredentials()))

	a1, err := m.Get("localhost:1")
	require.NoError(t, err)
	a2, err := m.Get("localhost:1")
	require.NoError(t, err)
	require.Same(t, a1, a2)

	_, err = m.Get("localhost:2")
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	require.NoError(t, m.Release("localhost:2"))
	require.NoError(t, m.Release("localhost:2"))
	require.Equal(t, 1, m.Len())

	m.Close()
	require.Equal(t, 0, m.Len())
	_, err = m.Get("localhost:1")
	require.Error(t, err)
}
