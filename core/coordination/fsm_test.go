package coordination

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/transaction"
)

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { return nil }

func applyCmd(t *testing.T, f *FSM, index uint64, cmd Command) error {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Index: index, Data: data})
	if resp == nil {
		return nil
	}
	err, ok := resp.(error)
	require.True(t, ok, "unexpected response %T", resp)
	return err
}

func TestFSM_Commands(t *testing.T) {
	changes := 0
	f := NewFSM(zap.NewNop(), func() { changes++ })

	require.NoError(t, applyCmd(t, f, 1, Command{Type: CommandRegisterServer, ServerID: "s1", Address: "a1"}))
	require.NoError(t, applyCmd(t, f, 2, Command{Type: CommandCreatePartition, PartitionID: 7, Replicas: []string{"r1", "r2"}}))
	require.ErrorIs(t, applyCmd(t, f, 3, Command{Type: CommandCreatePartition, PartitionID: 7, Replicas: []string{"r1"}}),
		transaction.ErrPartitionExists)

	require.NoError(t, applyCmd(t, f, 4, Command{Type: CommandAddReplica, PartitionID: 7, Replicas: []string{"r3"}}))
	require.ErrorIs(t, applyCmd(t, f, 5, Command{Type: CommandAddReplica, PartitionID: 7, Replicas: []string{"r3"}}), ErrReplicaExists)
	require.NoError(t, applyCmd(t, f, 6, Command{Type: CommandRemoveReplica, PartitionID: 7, Replicas: []string{"r1"}}))
	require.ErrorIs(t, applyCmd(t, f, 7, Command{Type: CommandRemoveReplica, PartitionID: 7, Replicas: []string{"r1"}}), ErrReplicaNotFound)
	require.ErrorIs(t, applyCmd(t, f, 8, Command{Type: CommandAddReplica, PartitionID: 9, Replicas: []string{"r1"}}),
		transaction.ErrPartitionNotFound)

	require.ErrorIs(t, applyCmd(t, f, 9, Command{Type: CommandSetPreferred, PartitionID: 7, ServerID: "nobody"}), ErrUnknownServer)
	require.NoError(t, applyCmd(t, f, 10, Command{Type: CommandSetPreferred, PartitionID: 7, ServerID: "s1"}))

	require.NoError(t, applyCmd(t, f, 11, Command{Type: CommandAssignOwner, PartitionID: 7, ServerID: "s1", Generation: 0}))
	require.ErrorIs(t, applyCmd(t, f, 12, Command{Type: CommandAssignOwner, PartitionID: 7, ServerID: "s1", Generation: 0}), ErrStaleAssignment)

	p := f.Partitions()[0]
	require.Equal(t, PartitionInfo{ID: 7, Replicas: []string{"r2", "r3"}, PreferredServer: "s1", Owner: "s1", Generation: 1}, p)

	require.NoError(t, applyCmd(t, f, 13, Command{Type: CommandClearPreferred, PartitionID: 7, ServerID: "other"}))
	require.Equal(t, "s1", f.Partitions()[0].PreferredServer)
	require.NoError(t, applyCmd(t, f, 14, Command{Type: CommandClearPreferred, PartitionID: 7, ServerID: "s1"}))
	require.Empty(t, f.Partitions()[0].PreferredServer)

	require.NoError(t, applyCmd(t, f, 15, Command{Type: CommandSetServerLive, ServerID: "s1", Live: false}))
	s, ok := f.Server("s1")
	require.True(t, ok)
	require.False(t, s.Live)

	require.NoError(t, applyCmd(t, f, 16, Command{Type: CommandDeregisterServer, ServerID: "s1"}))
	require.Empty(t, f.Partitions()[0].Owner)
	require.Equal(t, uint64(1), f.Partitions()[0].Generation)

	require.ErrorIs(t, applyCmd(t, f, 17, Command{Type: "bogus", PartitionID: 7}), ErrUnknownOperation)
	require.Equal(t, 10, changes, "only applied commands notify")
}

func TestFSM_ReplicaFlags(t *testing.T) {
	f := NewFSM(zap.NewNop(), func() {})
	require.NoError(t, applyCmd(t, f, 1, Command{Type: CommandCreatePartition, PartitionID: 3, Replicas: []string{"r1", "r2", "r3"}}))

	require.ErrorIs(t, applyCmd(t, f, 2, Command{Type: CommandFlagReplica, PartitionID: 3, Replicas: []string{"r9"}, Reason: "down"}),
		ErrReplicaNotFound)
	require.NoError(t, applyCmd(t, f, 3, Command{Type: CommandFlagReplica, PartitionID: 3, Replicas: []string{"r2"}, Reason: "connection refused"}))
	require.NoError(t, applyCmd(t, f, 4, Command{Type: CommandFlagReplica, PartitionID: 3, Replicas: []string{"r3"}, Reason: "disk full"}))

	before := f.Partitions()[0]
	require.Equal(t, map[string]string{"r2": "connection refused", "r3": "disk full"}, before.Flagged)

	require.NoError(t, applyCmd(t, f, 5, Command{Type: CommandClearReplicaFlag, PartitionID: 3, Replicas: []string{"r2"}}))
	require.Equal(t, map[string]string{"r3": "disk full"}, f.Partitions()[0].Flagged)
	require.Len(t, before.Flagged, 2, "earlier reads are not mutated")

	require.NoError(t, applyCmd(t, f, 6, Command{Type: CommandRemoveReplica, PartitionID: 3, Replicas: []string{"r3"}}))
	require.Nil(t, f.Partitions()[0].Flagged)

	// Flags survive a snapshot round trip.
	require.NoError(t, applyCmd(t, f, 7, Command{Type: CommandFlagReplica, PartitionID: 3, Replicas: []string{"r1"}, Reason: "timeout"}))
	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	restored := NewFSM(zap.NewNop(), func() {})
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	require.Equal(t, map[string]string{"r1": "timeout"}, restored.Partitions()[0].Flagged)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	f := NewFSM(zap.NewNop(), nil)
	require.NoError(t, applyCmd(t, f, 1, Command{Type: CommandRegisterServer, ServerID: "s1", Address: "a1"}))
	require.NoError(t, applyCmd(t, f, 2, Command{Type: CommandCreatePartition, PartitionID: 1, Replicas: []string{"r1"}}))
	require.NoError(t, applyCmd(t, f, 3, Command{Type: CommandAssignOwner, PartitionID: 1, ServerID: "s1"}))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := 0
	g := NewFSM(zap.NewNop(), func() { restored++ })
	require.NoError(t, g.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	require.Equal(t, f.State(), g.State())
	require.Equal(t, 1, restored)
}
