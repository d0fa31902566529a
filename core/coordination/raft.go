package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// Peer is a member of the coordination raft cluster.
type Peer struct {
	ID          string `yaml:"id"`
	RaftAddress string `yaml:"raft_address"`
}

// Forwarder sends a command to the log server at address, which applies it
// if it leads the raft cluster.
type Forwarder interface {
	Forward(ctx context.Context, address string, command []byte) error
}

// RaftConfig configures the raft coordination service. Every log server in
// the cluster is a raft voter.
type RaftConfig struct {
	// ServerID is both the raft server id and the log server id.
	ServerID string
	// Address is the log service address other servers forward to.
	Address     string
	RaftAddress string
	DataDir     string
	// Peers is the initial cluster configuration. A node with no raft state
	// bootstraps with it; every node should list the same peers.
	Peers []Peer
	// Partitions are created by the first leader if they do not exist yet.
	Partitions map[int32][]string

	ReconcileInterval time.Duration
	ApplyTimeout      time.Duration
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration

	Forwarder Forwarder
	Logger    *zap.Logger

	// Transport and the stores default to TCP, raft-boltdb and file
	// snapshots under DataDir.
	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
}

// Raft is the raft-backed coordination service.
type Raft struct {
	cfg      RaftConfig
	logger   *zap.Logger
	fsm      *FSM
	raft     *raft.Raft
	bolt     *raftboltdb.BoltStore
	observer *raft.Observer

	changed      chan struct{}
	observations chan raft.Observation

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// notified is what the local listener was last told; only the run
	// goroutine touches it.
	notified map[int32]Assignment
	listener OwnershipListener
}

var _ Service = (*Raft)(nil)

// NewRaft builds the raft node and bootstraps it if it has no prior state.
func NewRaft(cfg RaftConfig) (*Raft, error) {
	if cfg.ServerID == "" {
		return nil, errors.New("coordination: server id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Second
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	r := &Raft{
		cfg:          cfg,
		logger:       cfg.Logger.Named("coordination"),
		changed:      make(chan struct{}, 1),
		observations: make(chan raft.Observation, 64),
		notified:     make(map[int32]Assignment),
	}
	r.fsm = NewFSM(r.logger, r.trigger)

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.ServerID)
	rc.Logger = newRaftLogger(r.logger.Named("raft"))
	if cfg.HeartbeatTimeout > 0 {
		rc.HeartbeatTimeout = cfg.HeartbeatTimeout
		rc.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
	}
	if cfg.ElectionTimeout > 0 {
		rc.ElectionTimeout = cfg.ElectionTimeout
	}

	if err := r.openStores(rc); err != nil {
		return nil, err
	}
	existing, err := raft.HasExistingState(r.cfg.LogStore, r.cfg.StableStore, r.cfg.SnapshotStore)
	if err != nil {
		r.closeStores()
		return nil, fmt.Errorf("coordination: failed to inspect raft state: %w", err)
	}
	node, err := raft.NewRaft(rc, r.fsm, r.cfg.LogStore, r.cfg.StableStore, r.cfg.SnapshotStore, r.cfg.Transport)
	if err != nil {
		r.closeStores()
		return nil, fmt.Errorf("coordination: failed to start raft: %w", err)
	}
	r.raft = node

	if !existing {
		if err := r.bootstrap(); err != nil {
			node.Shutdown()
			r.closeStores()
			return nil, err
		}
	}
	r.observer = raft.NewObserver(r.observations, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.FailedHeartbeatObservation, raft.ResumedHeartbeatObservation:
			return true
		}
		return false
	})
	node.RegisterObserver(r.observer)
	return r, nil
}

func (r *Raft) openStores(rc *raft.Config) error {
	if r.cfg.LogStore != nil && r.cfg.StableStore != nil && r.cfg.SnapshotStore != nil && r.cfg.Transport != nil {
		return nil
	}
	if err := os.MkdirAll(r.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("coordination: failed to create %s: %w", r.cfg.DataDir, err)
	}
	if r.cfg.LogStore == nil || r.cfg.StableStore == nil {
		bolt, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft.db"))
		if err != nil {
			return fmt.Errorf("coordination: failed to open raft log store: %w", err)
		}
		r.bolt = bolt
		r.cfg.LogStore, r.cfg.StableStore = bolt, bolt
	}
	if r.cfg.SnapshotStore == nil {
		snaps, err := raft.NewFileSnapshotStoreWithLogger(r.cfg.DataDir, 2, rc.Logger)
		if err != nil {
			r.closeStores()
			return fmt.Errorf("coordination: failed to open snapshot store: %w", err)
		}
		r.cfg.SnapshotStore = snaps
	}
	if r.cfg.Transport == nil {
		advertise, err := net.ResolveTCPAddr("tcp", r.cfg.RaftAddress)
		if err != nil {
			r.closeStores()
			return fmt.Errorf("coordination: bad raft address %q: %w", r.cfg.RaftAddress, err)
		}
		transport, err := raft.NewTCPTransportWithLogger(r.cfg.RaftAddress, advertise, 3, 10*time.Second, rc.Logger)
		if err != nil {
			r.closeStores()
			return fmt.Errorf("coordination: failed to listen on %s: %w", r.cfg.RaftAddress, err)
		}
		r.cfg.Transport = transport
	}
	return nil
}

func (r *Raft) closeStores() {
	if r.bolt != nil {
		r.bolt.Close()
		r.bolt = nil
	}
}

func (r *Raft) bootstrap() error {
	peers := r.cfg.Peers
	if len(peers) == 0 {
		peers = []Peer{{ID: r.cfg.ServerID, RaftAddress: string(r.cfg.Transport.LocalAddr())}}
	}
	var servers []raft.Server
	for _, p := range peers {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.ID),
			Address:  raft.ServerAddress(p.RaftAddress),
		})
	}
	if err := r.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("coordination: bootstrap failed: %w", err)
	}
	r.logger.Info("Bootstrapped coordination cluster", zap.Int("peers", len(servers)))
	return nil
}

func (r *Raft) trigger() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Start begins delivering ownership changes to listener and, while this node
// leads the raft cluster, placing partitions on live servers.
func (r *Raft) Start(ctx context.Context, listener OwnershipListener) error {
	if r.listener != nil {
		return errors.New("coordination: already started")
	}
	r.listener = listener
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
	r.trigger()
	return nil
}

func (r *Raft) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.changed:
		case o := <-r.observations:
			r.observe(ctx, o)
		case <-ticker.C:
		}
		r.syncLocal()
		r.register(ctx)
		if r.IsLeader() {
			r.reconcile(ctx)
		}
	}
}

func (r *Raft) observe(ctx context.Context, o raft.Observation) {
	switch ob := o.Data.(type) {
	case raft.LeaderObservation:
		r.logger.Info("Coordination leader changed", zap.String("leader", string(ob.LeaderID)))
	case raft.FailedHeartbeatObservation:
		if r.IsLeader() {
			r.setLive(ctx, string(ob.PeerID), false)
		}
	case raft.ResumedHeartbeatObservation:
		if r.IsLeader() {
			r.setLive(ctx, string(ob.PeerID), true)
		}
	}
}

func (r *Raft) setLive(ctx context.Context, serverID string, live bool) {
	s, ok := r.fsm.Server(serverID)
	if !ok || s.Live == live {
		return
	}
	r.logger.Info("Server liveness changed", zap.String("server", serverID), zap.Bool("live", live))
	if err := r.apply(ctx, Command{Type: CommandSetServerLive, ServerID: serverID, Live: live}); err != nil {
		r.logger.Warn("Failed to record server liveness", zap.String("server", serverID), zap.Error(err))
	}
}

// register makes sure this server is known and live.
func (r *Raft) register(ctx context.Context) {
	s, ok := r.fsm.Server(r.cfg.ServerID)
	if ok && s.Live && s.Address == r.cfg.Address {
		return
	}
	if !r.hasLeader() {
		return
	}
	err := r.apply(ctx, Command{Type: CommandRegisterServer, ServerID: r.cfg.ServerID, Address: r.cfg.Address})
	if err != nil {
		r.logger.Debug("Server registration pending", zap.Error(err))
	}
}

// reconcile runs on the leader: it creates configured partitions and
// applies the placement plan.
func (r *Raft) reconcile(ctx context.Context) {
	st := r.fsm.State()
	ids := slices.Sorted(maps.Keys(r.cfg.Partitions))
	for _, id := range ids {
		if _, ok := st.Partitions[id]; ok {
			continue
		}
		err := r.apply(ctx, Command{Type: CommandCreatePartition, PartitionID: id, Replicas: r.cfg.Partitions[id]})
		if err != nil {
			r.logger.Warn("Failed to create partition", zap.Int32("partition", id), zap.Error(err))
			return
		}
	}
	if len(ids) > 0 {
		st = r.fsm.State()
	}
	for _, cmd := range planAssignments(st) {
		r.logger.Info("Assigning partition",
			zap.Int32("partition", cmd.PartitionID),
			zap.String("from", st.Partitions[cmd.PartitionID].Owner),
			zap.String("to", cmd.ServerID),
			zap.Uint64("generation", cmd.Generation+1))
		if err := r.apply(ctx, cmd); err != nil && !errors.Is(err, ErrStaleAssignment) {
			r.logger.Warn("Failed to assign partition", zap.Int32("partition", cmd.PartitionID), zap.Error(err))
		}
	}
}

// syncLocal tells the listener about differences between the replicated
// ownership and what it was last told. A node that does not know a leader
// gives up all of its partitions until it does.
func (r *Raft) syncLocal() {
	desired := make(map[int32]Assignment)
	if r.hasLeader() {
		for _, p := range r.fsm.Partitions() {
			if p.Owner == r.cfg.ServerID {
				desired[p.ID] = p.assignment()
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(r.notified)) {
		if a, ok := desired[id]; !ok || a.Generation != r.notified[id].Generation {
			r.logger.Info("Ownership revoked", zap.Int32("partition", id))
			r.listener.OnOwnershipRevoked(id)
			delete(r.notified, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(desired)) {
		a := desired[id]
		prev, ok := r.notified[id]
		switch {
		case !ok:
			r.logger.Info("Ownership granted", zap.Int32("partition", id), zap.Uint64("generation", a.Generation))
			r.listener.OnOwnershipGranted(a)
		case !slices.Equal(prev.Replicas, a.Replicas):
			r.logger.Info("Replica set changed", zap.Int32("partition", id), zap.Strings("replicas", a.Replicas))
			r.listener.OnReplicaSetChanged(a)
		default:
			continue
		}
		r.notified[id] = a
	}
}

func (r *Raft) IsLeader() bool { return r.raft.State() == raft.Leader }

func (r *Raft) hasLeader() bool {
	_, id := r.raft.LeaderWithID()
	return id != ""
}

// apply replicates cmd, forwarding it to the leader when this node is a
// follower.
func (r *Raft) apply(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if r.IsLeader() {
		return r.applyLocal(data)
	}
	_, leaderID := r.raft.LeaderWithID()
	if leaderID == "" {
		return fmt.Errorf("%w: no leader elected", ErrNotLeader)
	}
	leader, ok := r.fsm.Server(string(leaderID))
	if !ok || leader.Address == "" || r.cfg.Forwarder == nil {
		return fmt.Errorf("%w: cannot reach leader %s", ErrNotLeader, leaderID)
	}
	if err := r.cfg.Forwarder.Forward(ctx, leader.Address, data); err != nil {
		return fmt.Errorf("forward to leader %s: %w", leaderID, err)
	}
	return nil
}

func (r *Raft) applyLocal(data []byte) error {
	f := r.raft.Apply(data, r.cfg.ApplyTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// ApplyForwarded applies a command forwarded by a follower.
func (r *Raft) ApplyForwarded(ctx context.Context, data []byte) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("malformed forwarded command: %w", err)
	}
	return r.applyLocal(data)
}

func (r *Raft) AddReplica(ctx context.Context, partitionID int32, address string) error {
	return r.apply(ctx, Command{Type: CommandAddReplica, PartitionID: partitionID, Replicas: []string{address}})
}

func (r *Raft) RemoveReplica(ctx context.Context, partitionID int32, address string) error {
	return r.apply(ctx, Command{Type: CommandRemoveReplica, PartitionID: partitionID, Replicas: []string{address}})
}

func (r *Raft) SetPreferredServer(ctx context.Context, partitionID int32, serverID string) error {
	return r.apply(ctx, Command{Type: CommandSetPreferred, PartitionID: partitionID, ServerID: serverID})
}

func (r *Raft) ClearPreferredServer(ctx context.Context, partitionID int32, serverID string) error {
	return r.apply(ctx, Command{Type: CommandClearPreferred, PartitionID: partitionID, ServerID: serverID})
}

func (r *Raft) FlagReplica(ctx context.Context, partitionID int32, address, reason string) error {
	return r.apply(ctx, Command{Type: CommandFlagReplica, PartitionID: partitionID, Replicas: []string{address}, Reason: reason})
}

func (r *Raft) ClearReplicaFlag(ctx context.Context, partitionID int32, address string) error {
	return r.apply(ctx, Command{Type: CommandClearReplicaFlag, PartitionID: partitionID, Replicas: []string{address}})
}

func (r *Raft) Partitions() []PartitionInfo { return r.fsm.Partitions() }

// Servers lists registered servers in id order.
func (r *Raft) Servers() []ServerInfo {
	st := r.fsm.State()
	out := slices.Collect(maps.Values(st.Servers))
	slices.SortFunc(out, func(a, b ServerInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Close stops delivery and shuts the raft node down. Ownership is not
// handed back; the other servers notice the missing heartbeats.
func (r *Raft) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.raft.DeregisterObserver(r.observer)
	err := r.raft.Shutdown().Error()
	if c, ok := r.cfg.Transport.(interface{ Close() error }); ok {
		c.Close()
	}
	r.closeStores()
	return err
}
