package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojowal/core/transaction"
)

const (
	segmentPrefix = "seg_"
	segmentSuffix = ".log"
)

// segment is one file of a partition log, named after the first id it holds.
type segment struct {
	firstID transaction.ID
	path    string
	file    *os.File
	size    int64
}

// location of a record frame.
type location struct {
	seg    int
	offset int64
	length int
}

// PartitionLog is the append-only log of one partition on one replica.
// Ids are contiguous from 1; the local high-water-mark is the last id held.
type PartitionLog struct {
	partitionID      int32
	dir              string
	segmentSizeLimit int64
	logger           *zap.Logger

	mu       sync.RWMutex
	segments []*segment
	locs     []location // locs[i] is the frame of id i+1
	closed   bool
	// generation is the highest leader generation admitted so far;
	// persistGeneration records a new one durably.
	generation        uint64
	persistGeneration func(uint64) error
}

func segmentName(firstID transaction.ID) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(firstID), segmentSuffix)
}

func parseSegmentName(name string) (transaction.ID, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return transaction.ID(id), true
}

func openPartitionLog(dir string, partitionID int32, segmentSizeLimit int64, logger *zap.Logger) (*PartitionLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory %s: %w", dir, err)
	}
	l := &PartitionLog{
		partitionID:      partitionID,
		dir:              dir,
		segmentSizeLimit: segmentSizeLimit,
		logger:           logger.With(zap.Int32("partition", partitionID)),
	}
	if err := l.load(); err != nil {
		l.closeFiles()
		return nil, err
	}
	l.logger.Info("Partition log opened",
		zap.Int("segments", len(l.segments)),
		zap.Uint64("high_water_mark", uint64(len(l.locs))))
	return l, nil
}

// load scans every segment, rebuilds the id index and cuts off anything
// after the first torn or out-of-sequence frame.
func (l *PartitionLog) load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read partition directory %s: %w", l.dir, err)
	}
	var found []*segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentName(e.Name()); ok {
			found = append(found, &segment{firstID: id, path: filepath.Join(l.dir, e.Name())})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].firstID < found[j].firstID })

	broken := false
	for _, seg := range found {
		if broken || seg.firstID != transaction.ID(len(l.locs)+1) {
			if !broken {
				l.logger.Warn("Segment does not continue the log, discarding it and all later segments",
					zap.String("segment", seg.path), zap.Int("expected_first_id", len(l.locs)+1))
			}
			broken = true
			if err := os.Remove(seg.path); err != nil {
				return fmt.Errorf("failed to remove segment %s: %w", seg.path, err)
			}
			continue
		}

		f, err := os.OpenFile(seg.path, os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("failed to open segment %s: %w", seg.path, err)
		}
		seg.file = f
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to stat segment %s: %w", seg.path, err)
		}
		valid, err := l.scanSegment(seg, len(l.segments))
		if err != nil {
			f.Close()
			return err
		}
		if valid < info.Size() {
			l.logger.Warn("Truncating torn tail of segment",
				zap.String("segment", seg.path), zap.Int64("valid_bytes", valid), zap.Int64("file_bytes", info.Size()))
			if err := f.Truncate(valid); err != nil {
				f.Close()
				return fmt.Errorf("failed to truncate segment %s: %w", seg.path, err)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return fmt.Errorf("failed to sync segment %s: %w", seg.path, err)
			}
			broken = true
		}
		seg.size = valid
		if valid == 0 {
			f.Close()
			if err := os.Remove(seg.path); err != nil {
				return fmt.Errorf("failed to remove empty segment %s: %w", seg.path, err)
			}
			continue
		}
		l.segments = append(l.segments, seg)
	}
	return nil
}

// scanSegment indexes the frames of seg and returns the length of its valid
// prefix.
func (l *PartitionLog) scanSegment(seg *segment, segIdx int) (int64, error) {
	if _, err := seg.file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek segment %s: %w", seg.path, err)
	}
	r := bufio.NewReader(seg.file)
	hdr := make([]byte, frameHeaderSize)
	var offset int64
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, fmt.Errorf("failed to read segment %s: %w", seg.path, err)
		}
		n, sum, err := parseFrameHeader(hdr)
		if err != nil {
			return offset, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, fmt.Errorf("failed to read segment %s: %w", seg.path, err)
		}
		rec, err := decodeBody(body, sum)
		if err != nil || rec.ID != transaction.ID(len(l.locs)+1) {
			return offset, nil
		}
		frameLen := frameHeaderSize + n
		l.locs = append(l.locs, location{seg: segIdx, offset: offset, length: frameLen})
		offset += int64(frameLen)
	}
}

// HighWaterMark returns the last locally durable id.
func (l *PartitionLog) HighWaterMark() transaction.ID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return transaction.ID(len(l.locs))
}

// Fence admits a request from leader generation gen. A generation older than
// one already admitted fails with transaction.ErrNotOwner; a newer one is
// recorded durably first. Generation zero is never fenced.
func (l *PartitionLog) Fence(gen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fenceLocked(gen)
}

func (l *PartitionLog) fenceLocked(gen uint64) error {
	if l.closed {
		return transaction.ErrClosed
	}
	switch {
	case gen == 0 || gen == l.generation:
		return nil
	case gen < l.generation:
		return fmt.Errorf("%w: partition %d generation %d is fenced by generation %d",
			transaction.ErrNotOwner, l.partitionID, gen, l.generation)
	}
	if l.persistGeneration != nil {
		if err := l.persistGeneration(gen); err != nil {
			return fmt.Errorf("failed to record generation %d for partition %d: %w", gen, l.partitionID, err)
		}
	}
	l.generation = gen
	l.logger.Info("Partition fenced", zap.Uint64("generation", gen))
	return nil
}

// Append durably writes rec. The id must be exactly one past the local
// high-water-mark; re-appending an identical record is a no-op.
func (l *PartitionLog) Append(rec transaction.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(rec)
}

// AppendFenced is Append for a request from leader generation gen. The
// generation is checked under the same lock as the write, so no append from
// an older generation lands once a newer one has been admitted.
func (l *PartitionLog) AppendFenced(gen uint64, rec transaction.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fenceLocked(gen); err != nil {
		return err
	}
	return l.appendLocked(rec)
}

func (l *PartitionLog) appendLocked(rec transaction.Record) error {
	if l.closed {
		return transaction.ErrClosed
	}

	hwm := transaction.ID(len(l.locs))
	if rec.ID != transaction.NoID && rec.ID <= hwm {
		existing, err := l.readLocked(rec.ID)
		if err != nil {
			return err
		}
		if existing.Equal(rec) {
			return nil
		}
		return fmt.Errorf("partition %d id %d: %w", l.partitionID, rec.ID, transaction.ErrDuplicateID)
	}
	if rec.ID != hwm+1 {
		return fmt.Errorf("partition %d: got id %d, want %d: %w", l.partitionID, rec.ID, hwm+1, transaction.ErrOutOfOrder)
	}

	seg, err := l.activeSegment(rec.ID)
	if err != nil {
		return err
	}
	frame := encodeRecord(rec)
	if _, err := seg.file.WriteAt(frame, seg.size); err != nil {
		_ = seg.file.Truncate(seg.size)
		return fmt.Errorf("failed to write record %d to %s: %w", rec.ID, seg.path, err)
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Truncate(seg.size)
		return fmt.Errorf("failed to sync record %d to %s: %w", rec.ID, seg.path, err)
	}
	l.locs = append(l.locs, location{seg: len(l.segments) - 1, offset: seg.size, length: len(frame)})
	seg.size += int64(len(frame))
	return nil
}

// activeSegment returns the segment the next record goes to, rolling over to
// a new file when the current one is full. Must be called with l.mu held.
func (l *PartitionLog) activeSegment(nextID transaction.ID) (*segment, error) {
	if n := len(l.segments); n > 0 && l.segments[n-1].size < l.segmentSizeLimit {
		return l.segments[n-1], nil
	}
	path := filepath.Join(l.dir, segmentName(nextID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", path, err)
	}
	if err := syncDir(l.dir); err != nil {
		f.Close()
		return nil, err
	}
	seg := &segment{firstID: nextID, path: path, file: f}
	l.segments = append(l.segments, seg)
	l.logger.Debug("Rolled to new segment", zap.String("segment", path))
	return seg, nil
}

func (l *PartitionLog) readLocked(id transaction.ID) (transaction.Record, error) {
	loc := l.locs[id-1]
	buf := make([]byte, loc.length)
	seg := l.segments[loc.seg]
	if _, err := seg.file.ReadAt(buf, loc.offset); err != nil {
		return transaction.Record{}, fmt.Errorf("failed to read record %d from %s: %w", id, seg.path, err)
	}
	_, sum, err := parseFrameHeader(buf[:frameHeaderSize])
	if err != nil {
		return transaction.Record{}, err
	}
	return decodeBody(buf[frameHeaderSize:], sum)
}

// Read returns a cursor over [from, to). The range is clipped to the local
// high-water-mark; from must name a record that exists.
func (l *PartitionLog) Read(from, to transaction.ID) (*Cursor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, transaction.ErrClosed
	}
	hwm := transaction.ID(len(l.locs))
	if from < 1 || from > hwm {
		return nil, fmt.Errorf("partition %d: read from %d with high-water-mark %d: %w",
			l.partitionID, from, hwm, transaction.ErrRangeUnavailable)
	}
	if to > hwm+1 {
		to = hwm + 1
	}
	return &Cursor{log: l, next: from, end: to}, nil
}

// TruncateAfter discards every record with an id greater than id.
func (l *PartitionLog) TruncateAfter(id transaction.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncateAfterLocked(id)
}

// TruncateAfterFenced is TruncateAfter for a request from leader generation
// gen, checked under the log lock.
func (l *PartitionLog) TruncateAfterFenced(gen uint64, id transaction.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fenceLocked(gen); err != nil {
		return err
	}
	return l.truncateAfterLocked(id)
}

func (l *PartitionLog) truncateAfterLocked(id transaction.ID) error {
	if l.closed {
		return transaction.ErrClosed
	}
	hwm := transaction.ID(len(l.locs))
	if id >= hwm {
		return nil
	}

	cut := l.locs[id]
	for i := len(l.segments) - 1; i > cut.seg; i-- {
		if err := l.removeSegment(l.segments[i]); err != nil {
			return err
		}
	}
	seg := l.segments[cut.seg]
	if cut.offset == 0 {
		if err := l.removeSegment(seg); err != nil {
			return err
		}
		l.segments = l.segments[:cut.seg]
	} else {
		if err := seg.file.Truncate(cut.offset); err != nil {
			return fmt.Errorf("failed to truncate segment %s: %w", seg.path, err)
		}
		if err := seg.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync segment %s: %w", seg.path, err)
		}
		seg.size = cut.offset
		l.segments = l.segments[:cut.seg+1]
	}
	if err := syncDir(l.dir); err != nil {
		return err
	}
	l.locs = l.locs[:id]
	l.logger.Info("Truncated partition log",
		zap.Uint64("after", uint64(id)), zap.Uint64("previous_high_water_mark", uint64(hwm)))
	return nil
}

func (l *PartitionLog) removeSegment(seg *segment) error {
	seg.file.Close()
	if err := os.Remove(seg.path); err != nil {
		return fmt.Errorf("failed to remove segment %s: %w", seg.path, err)
	}
	return nil
}

// Close releases the segment files.
func (l *PartitionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeFiles()
}

func (l *PartitionLog) closeFiles() error {
	var firstErr error
	for _, seg := range l.segments {
		if seg.file == nil {
			continue
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}
