package coordination

import (
	"maps"
	"slices"
	"sync"
)

// recordingListener tracks what the local server was told it owns.
type recordingListener struct {
	mu      sync.Mutex
	owned   map[int32]Assignment
	changes int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{owned: map[int32]Assignment{}}
}

func (l *recordingListener) OnOwnershipGranted(a Assignment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owned[a.PartitionID] = a
}

func (l *recordingListener) OnOwnershipRevoked(id int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.owned, id)
}

func (l *recordingListener) OnReplicaSetChanged(a Assignment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owned[a.PartitionID] = a
	l.changes++
}

func (l *recordingListener) ownedIDs() []int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Sorted(maps.Keys(l.owned))
}

func (l *recordingListener) assignment(id int32) (Assignment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.owned[id]
	return a, ok
}
