// Package conflict implements the optimistic concurrency check of a
// partition: a bounded window of recently ordered transactions and their
// lock keys.
//
// A candidate conflicts when one of its write keys was read or written, or
// one of its read keys was written, by a transaction ordered after the
// high-water-mark the client observed. The Detector is not safe for
// concurrent use; the owning partition serializes access to it.
package conflict

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/sushant-115/gojowal/core/transaction"
)

// DefaultWindowSize is used when no window size is configured.
const DefaultWindowSize = 10000

type entry struct {
	id        transaction.ID
	reqID     transaction.ReqID
	writeKeys []string
	readKeys  []string
}

func lessEntry(a, b *entry) bool { return a.id < b.id }

// Detector holds the conflict window of one partition.
type Detector struct {
	windowSize int
	entries    *btree.BTreeG[*entry]
	// key -> ascending ids of window entries touching the key
	writers map[string][]transaction.ID
	readers map[string][]transaction.ID
	byReq   map[transaction.ReqID]transaction.ID
	// floor is the highest id no longer represented in the window.
	floor transaction.ID
}

// New returns an empty detector that keeps at most windowSize entries.
func New(windowSize int) *Detector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Detector{
		windowSize: windowSize,
		entries:    btree.NewG[*entry](32, lessEntry),
		writers:    make(map[string][]transaction.ID),
		readers:    make(map[string][]transaction.ID),
		byReq:      make(map[transaction.ReqID]transaction.ID),
	}
}

// Check decides whether txn may be ordered next. It returns nil,
// a *transaction.ConflictError naming the lowest conflicting entry, or
// transaction.ErrStaleObservation when the client's observation predates the
// window.
func (d *Detector) Check(txn *transaction.Transaction) error {
	observed := txn.ClientHighWaterMark
	if observed < d.floor {
		return fmt.Errorf("observed %d, window starts after %d: %w", observed, d.floor, transaction.ErrStaleObservation)
	}

	first := transaction.NoID
	consider := func(ids []transaction.ID) {
		i := sort.Search(len(ids), func(i int) bool { return ids[i] > observed })
		if i < len(ids) && (first == transaction.NoID || ids[i] < first) {
			first = ids[i]
		}
	}
	for _, k := range txn.WriteLockKeys {
		consider(d.writers[k])
		consider(d.readers[k])
	}
	for _, k := range txn.ReadLockKeys {
		consider(d.writers[k])
	}
	if first == transaction.NoID {
		return nil
	}
	e, _ := d.entries.Get(&entry{id: first})
	return &transaction.ConflictError{ReqID: e.reqID, ID: first}
}

// Insert adds an ordered record to the window. Its id must be higher than any
// id already present.
func (d *Detector) Insert(rec transaction.Record) {
	if last, ok := d.entries.Max(); ok && rec.ID <= last.id {
		panic(fmt.Sprintf("conflict window insert out of order: %d after %d", rec.ID, last.id))
	}
	e := &entry{id: rec.ID, reqID: rec.ReqID, writeKeys: rec.WriteLockKeys, readKeys: rec.ReadLockKeys}
	d.entries.ReplaceOrInsert(e)
	for _, k := range e.writeKeys {
		d.writers[k] = append(d.writers[k], e.id)
	}
	for _, k := range e.readKeys {
		d.readers[k] = append(d.readers[k], e.id)
	}
	if !e.reqID.IsZero() {
		d.byReq[e.reqID] = e.id
	}
	for d.entries.Len() > d.windowSize {
		d.evictOldest()
	}
}

// Lookup returns the id assigned to a request still in the window.
func (d *Detector) Lookup(reqID transaction.ReqID) (transaction.ID, bool) {
	id, ok := d.byReq[reqID]
	return id, ok
}

// EvictThrough drops every entry with an id <= id. Callers use it once all
// clients are known to have observed id.
func (d *Detector) EvictThrough(id transaction.ID) {
	for {
		oldest, ok := d.entries.Min()
		if !ok || oldest.id > id {
			break
		}
		d.evictOldest()
	}
	if id > d.floor {
		d.floor = id
	}
}

// Reset empties the window. Entries inserted afterwards must have ids above
// floor.
func (d *Detector) Reset(floor transaction.ID) {
	d.entries.Clear(false)
	d.writers = make(map[string][]transaction.ID)
	d.readers = make(map[string][]transaction.ID)
	d.byReq = make(map[transaction.ReqID]transaction.ID)
	d.floor = floor
}

// Floor is the highest id that is no longer in the window. Observations
// below it are stale.
func (d *Detector) Floor() transaction.ID { return d.floor }

// Len is the number of entries in the window.
func (d *Detector) Len() int { return d.entries.Len() }

func (d *Detector) evictOldest() {
	e, ok := d.entries.DeleteMin()
	if !ok {
		return
	}
	for _, k := range e.writeKeys {
		popFront(d.writers, k, e.id)
	}
	for _, k := range e.readKeys {
		popFront(d.readers, k, e.id)
	}
	if d.byReq[e.reqID] == e.id {
		delete(d.byReq, e.reqID)
	}
	d.floor = e.id
}

func popFront(m map[string][]transaction.ID, key string, id transaction.ID) {
	ids := m[key]
	if len(ids) == 0 || ids[0] != id {
		return
	}
	if len(ids) == 1 {
		delete(m, key)
		return
	}
	m[key] = ids[1:]
}
