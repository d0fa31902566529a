package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/transaction"
)

// CommandType names an operation on the replicated state.
type CommandType string

const (
	CommandRegisterServer   CommandType = "register_server"
	CommandDeregisterServer CommandType = "deregister_server"
	CommandSetServerLive    CommandType = "set_server_live"
	CommandCreatePartition  CommandType = "create_partition"
	CommandAddReplica       CommandType = "add_replica"
	CommandRemoveReplica    CommandType = "remove_replica"
	CommandSetPreferred     CommandType = "set_preferred_server"
	CommandClearPreferred   CommandType = "clear_preferred_server"
	CommandFlagReplica      CommandType = "flag_replica"
	CommandClearReplicaFlag CommandType = "clear_replica_flag"
	// CommandAssignOwner only applies when Generation matches the
	// partition's current generation, and then increments it.
	CommandAssignOwner CommandType = "assign_owner"
)

// Command is what gets replicated through raft.
type Command struct {
	Type        CommandType `json:"type"`
	ServerID    string      `json:"server_id,omitempty"`
	Address     string      `json:"address,omitempty"`
	Live        bool        `json:"live,omitempty"`
	PartitionID int32       `json:"partition_id,omitempty"`
	Replicas    []string    `json:"replicas,omitempty"`
	Generation  uint64      `json:"generation,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// State is the replicated view of the cluster.
type State struct {
	Servers    map[string]ServerInfo   `json:"servers"`
	Partitions map[int32]PartitionInfo `json:"partitions"`
}

func newState() State {
	return State{Servers: map[string]ServerInfo{}, Partitions: map[int32]PartitionInfo{}}
}

func (s State) clone() State {
	out := State{Servers: maps.Clone(s.Servers), Partitions: make(map[int32]PartitionInfo, len(s.Partitions))}
	if out.Servers == nil {
		out.Servers = map[string]ServerInfo{}
	}
	for id, p := range s.Partitions {
		out.Partitions[id] = p.clone()
	}
	return out
}

// FSM implements raft.FSM over State.
type FSM struct {
	mu               sync.RWMutex
	state            State
	lastAppliedIndex uint64
	logger           *zap.Logger
	// onChange runs after every applied command and restore, without the
	// lock held. It must not block.
	onChange func()
}

func NewFSM(logger *zap.Logger, onChange func()) *FSM {
	if onChange == nil {
		onChange = func() {}
	}
	return &FSM{state: newState(), logger: logger.Named("fsm"), onChange: onChange}
}

// Apply applies a raft log entry. The returned value is nil or an error.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("Failed to decode coordination command", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("decode command at index %d: %w", entry.Index, err)
	}
	f.mu.Lock()
	err := f.apply(cmd)
	f.lastAppliedIndex = entry.Index
	f.mu.Unlock()
	if err != nil {
		f.logger.Debug("Coordination command rejected",
			zap.String("type", string(cmd.Type)), zap.Uint64("index", entry.Index), zap.Error(err))
		return err
	}
	f.onChange()
	return nil
}

func (f *FSM) apply(cmd Command) error {
	st := &f.state
	switch cmd.Type {
	case CommandRegisterServer:
		st.Servers[cmd.ServerID] = ServerInfo{ID: cmd.ServerID, Address: cmd.Address, Live: true}
		return nil

	case CommandDeregisterServer:
		if _, ok := st.Servers[cmd.ServerID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownServer, cmd.ServerID)
		}
		delete(st.Servers, cmd.ServerID)
		for id, p := range st.Partitions {
			if p.Owner == cmd.ServerID {
				p.Owner = ""
				st.Partitions[id] = p
			}
		}
		return nil

	case CommandSetServerLive:
		s, ok := st.Servers[cmd.ServerID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownServer, cmd.ServerID)
		}
		s.Live = cmd.Live
		st.Servers[cmd.ServerID] = s
		return nil

	case CommandCreatePartition:
		if _, ok := st.Partitions[cmd.PartitionID]; ok {
			return fmt.Errorf("partition %d: %w", cmd.PartitionID, transaction.ErrPartitionExists)
		}
		if len(cmd.Replicas) == 0 {
			return fmt.Errorf("partition %d: empty replica set", cmd.PartitionID)
		}
		st.Partitions[cmd.PartitionID] = PartitionInfo{ID: cmd.PartitionID, Replicas: slices.Clone(cmd.Replicas)}
		return nil
	}

	p, ok := st.Partitions[cmd.PartitionID]
	if !ok {
		return fmt.Errorf("partition %d: %w", cmd.PartitionID, transaction.ErrPartitionNotFound)
	}
	p = p.clone()
	switch cmd.Type {
	case CommandAddReplica:
		for _, r := range cmd.Replicas {
			if slices.Contains(p.Replicas, r) {
				return fmt.Errorf("partition %d, %s: %w", p.ID, r, ErrReplicaExists)
			}
			p.Replicas = append(p.Replicas, r)
		}
	case CommandRemoveReplica:
		for _, r := range cmd.Replicas {
			i := slices.Index(p.Replicas, r)
			if i < 0 {
				return fmt.Errorf("partition %d, %s: %w", p.ID, r, ErrReplicaNotFound)
			}
			p.Replicas = slices.Delete(p.Replicas, i, i+1)
			p.unflag(r)
		}
		if len(p.Replicas) == 0 {
			return fmt.Errorf("partition %d: cannot remove the last replica", p.ID)
		}
	case CommandSetPreferred:
		if _, ok := st.Servers[cmd.ServerID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownServer, cmd.ServerID)
		}
		p.PreferredServer = cmd.ServerID
	case CommandClearPreferred:
		if p.PreferredServer == cmd.ServerID {
			p.PreferredServer = ""
		}
	case CommandFlagReplica:
		for _, r := range cmd.Replicas {
			if err := p.flag(r, cmd.Reason); err != nil {
				return err
			}
		}
	case CommandClearReplicaFlag:
		for _, r := range cmd.Replicas {
			p.unflag(r)
		}
	case CommandAssignOwner:
		if cmd.Generation != p.Generation {
			return fmt.Errorf("%w: partition %d is at generation %d, command expected %d",
				ErrStaleAssignment, p.ID, p.Generation, cmd.Generation)
		}
		p.Owner = cmd.ServerID
		p.Generation++
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, cmd.Type)
	}
	st.Partitions[p.ID] = p
	return nil
}

// State returns a copy of the replicated state.
func (f *FSM) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.clone()
}

// Server looks up a registered server.
func (f *FSM) Server(id string) (ServerInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.state.Servers[id]
	return s, ok
}

// Partitions lists partitions in id order.
func (f *FSM) Partitions() []PartitionInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PartitionInfo, 0, len(f.state.Partitions))
	for _, p := range f.state.Partitions {
		out = append(out, p.clone())
	}
	slices.SortFunc(out, func(a, b PartitionInfo) int { return int(a.ID) - int(b.ID) })
	return out
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state.clone()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	st := newState()
	if err := json.NewDecoder(rc).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode coordination snapshot: %w", err)
	}
	if st.Servers == nil {
		st.Servers = map[string]ServerInfo{}
	}
	if st.Partitions == nil {
		st.Partitions = map[int32]PartitionInfo{}
	}
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
	f.logger.Info("Coordination state restored from snapshot",
		zap.Int("servers", len(st.Servers)), zap.Int("partitions", len(st.Partitions)))
	f.onChange()
	return nil
}

type fsmSnapshot struct {
	state State
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write coordination snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
