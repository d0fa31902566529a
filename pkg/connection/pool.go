// Package connection keeps one shared gRPC client connection per remote
// address. A log server talks to many storage replicas, and every partition
// that lists a replica reuses the same connection.
package connection

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
)

// ConnectionPoolManager manages the client connections, keyed by address.
type ConnectionPoolManager struct {
	mu      sync.RWMutex
	conns   map[string]*grpc.ClientConn
	options []grpc.DialOption
	closed  bool
}

// NewConnectionPoolManager creates a manager whose connections are built
// with options.
func NewConnectionPoolManager(options ...grpc.DialOption) *ConnectionPoolManager {
	return &ConnectionPoolManager{
		conns:   make(map[string]*grpc.ClientConn),
		options: options,
	}
}

// Get returns the connection for address, creating it on first use.
// Connections are established lazily by gRPC, so Get does not block on the
// network.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if ok {
		return conn, nil
	}
	if closed {
		return nil, fmt.Errorf("connection pool is closed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if conn, ok := m.conns[address]; ok {
		return conn, nil
	}
	if m.closed {
		return nil, fmt.Errorf("connection pool is closed")
	}
	conn, err := grpc.NewClient(address, m.options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Release closes and forgets the connection for address.
func (m *ConnectionPoolManager) Release(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Len is the number of open connections.
func (m *ConnectionPoolManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close shuts down every connection. Get fails afterwards.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
}
