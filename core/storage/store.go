// Package storage implements a storage replica: a durable, append-only log
// per partition with range reads, a local high-water-mark and tail
// truncation for leader recovery.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/transaction"
)

// DefaultSegmentSizeLimit is the size at which a segment file is rolled.
const DefaultSegmentSizeLimit int64 = 64 << 20

// Options configures a Store.
type Options struct {
	SegmentSizeLimit int64
	// Partitions are created at open time if the catalog does not have them.
	Partitions []int32
}

// Store hosts the partition logs of one storage node.
type Store struct {
	dir              string
	segmentSizeLimit int64
	catalog          *catalog
	logger           *zap.Logger

	mu         sync.RWMutex
	partitions map[int32]*PartitionLog
}

// Open opens (or creates) the store rooted at dir.
func Open(dir string, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.SegmentSizeLimit <= 0 {
		opts.SegmentSizeLimit = DefaultSegmentSizeLimit
	}
	if err := os.MkdirAll(filepath.Join(dir, "partitions"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	cat, err := openCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:              dir,
		segmentSizeLimit: opts.SegmentSizeLimit,
		catalog:          cat,
		logger:           logger.Named("storage"),
		partitions:       make(map[int32]*PartitionLog),
	}

	metas, err := cat.list()
	if err != nil {
		cat.close()
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	for id := range metas {
		pl, err := openPartitionLog(s.partitionDir(id), id, s.segmentSizeLimit, s.logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.attach(id, pl, metas[id])
	}
	for _, id := range opts.Partitions {
		if _, ok := s.partitions[id]; ok {
			continue
		}
		if err := s.AddPartition(id); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.logger.Info("Storage opened", zap.String("dir", dir), zap.Int("partitions", len(s.partitions)))
	return s, nil
}

// attach registers pl and has its generation changes written to the catalog.
// Must be called with s.mu held or before the store is shared.
func (s *Store) attach(id int32, pl *PartitionLog, meta partitionMeta) {
	pl.generation = meta.Generation
	pl.persistGeneration = func(gen uint64) error {
		m := meta
		m.Generation = gen
		return s.catalog.put(id, m)
	}
	s.partitions[id] = pl
}

func (s *Store) partitionDir(id int32) string {
	return filepath.Join(s.dir, "partitions", strconv.Itoa(int(id)))
}

// AddPartition creates an empty log for a partition.
func (s *Store) AddPartition(id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[id]; ok {
		return fmt.Errorf("partition %d: %w", id, transaction.ErrPartitionExists)
	}
	pl, err := openPartitionLog(s.partitionDir(id), id, s.segmentSizeLimit, s.logger)
	if err != nil {
		return err
	}
	meta := partitionMeta{CreatedAt: time.Now().UTC()}
	if err := s.catalog.put(id, meta); err != nil {
		pl.Close()
		return fmt.Errorf("failed to record partition %d: %w", id, err)
	}
	s.attach(id, pl, meta)
	s.logger.Info("Partition added", zap.Int32("partition", id))
	return nil
}

// RemovePartition deletes a partition and all of its records.
func (s *Store) RemovePartition(id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.partitions[id]
	if !ok {
		return fmt.Errorf("partition %d: %w", id, transaction.ErrPartitionNotFound)
	}
	if err := s.catalog.delete(id); err != nil {
		return fmt.Errorf("failed to remove partition %d from catalog: %w", id, err)
	}
	delete(s.partitions, id)
	pl.Close()
	if err := os.RemoveAll(s.partitionDir(id)); err != nil {
		return fmt.Errorf("failed to remove partition %d data: %w", id, err)
	}
	s.logger.Info("Partition removed", zap.Int32("partition", id))
	return nil
}

// Partitions lists the hosted partitions in ascending order.
func (s *Store) Partitions() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int32, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Partition returns the log of a hosted partition.
func (s *Store) Partition(id int32) (*PartitionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pl, ok := s.partitions[id]
	if !ok {
		return nil, fmt.Errorf("partition %d: %w", id, transaction.ErrPartitionNotFound)
	}
	return pl, nil
}

// Fence admits a request from the leader generation gen; see
// PartitionLog.Fence.
func (s *Store) Fence(partitionID int32, gen uint64) error {
	if gen == 0 {
		return nil
	}
	pl, err := s.Partition(partitionID)
	if err != nil {
		return err
	}
	return pl.Fence(gen)
}

// AppendFenced appends rec on behalf of leader generation gen.
func (s *Store) AppendFenced(partitionID int32, gen uint64, rec transaction.Record) error {
	pl, err := s.Partition(partitionID)
	if err != nil {
		return err
	}
	return pl.AppendFenced(gen, rec)
}

// TruncateAfterFenced truncates on behalf of leader generation gen.
func (s *Store) TruncateAfterFenced(partitionID int32, gen uint64, id transaction.ID) error {
	pl, err := s.Partition(partitionID)
	if err != nil {
		return err
	}
	return pl.TruncateAfterFenced(gen, id)
}

func (s *Store) Append(partitionID int32, rec transaction.Record) error {
	pl, err := s.Partition(partitionID)
	if err != nil {
		return err
	}
	return pl.Append(rec)
}

func (s *Store) Read(partitionID int32, from, to transaction.ID) (*Cursor, error) {
	pl, err := s.Partition(partitionID)
	if err != nil {
		return nil, err
	}
	return pl.Read(from, to)
}

func (s *Store) HighWaterMark(partitionID int32) (transaction.ID, error) {
	pl, err := s.Partition(partitionID)
	if err != nil {
		return 0, err
	}
	return pl.HighWaterMark(), nil
}

func (s *Store) TruncateAfter(partitionID int32, id transaction.ID) error {
	pl, err := s.Partition(partitionID)
	if err != nil {
		return err
	}
	return pl.TruncateAfter(id)
}

// Close closes every partition log and the catalog.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pl := range s.partitions {
		if err := pl.Close(); err != nil {
			s.logger.Warn("Failed to close partition log", zap.Int32("partition", id), zap.Error(err))
		}
	}
	s.partitions = map[int32]*PartitionLog{}
	return s.catalog.close()
}
