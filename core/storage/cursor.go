package storage

import (
	"fmt"
	"io"

	"github.com/sushant-115/gojowal/core/transaction"
)

// Cursor lazily reads records from a partition log. It is not safe for
// concurrent use. A reader that stops early can resume with
// Read(c.Position(), to).
type Cursor struct {
	log  *PartitionLog
	next transaction.ID
	end  transaction.ID
}

// Next returns the next record, or io.EOF once the range is exhausted.
func (c *Cursor) Next() (transaction.Record, error) {
	if c.next >= c.end {
		return transaction.Record{}, io.EOF
	}
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	if c.log.closed {
		return transaction.Record{}, transaction.ErrClosed
	}
	if c.next > transaction.ID(len(c.log.locs)) {
		return transaction.Record{}, fmt.Errorf("partition %d: id %d was truncated: %w",
			c.log.partitionID, c.next, transaction.ErrRangeUnavailable)
	}
	rec, err := c.log.readLocked(c.next)
	if err != nil {
		return transaction.Record{}, err
	}
	c.next++
	return rec, nil
}

// Position is the id the next call to Next will return.
func (c *Cursor) Position() transaction.ID {
	return c.next
}

// ReadAll drains a cursor.
func ReadAll(c *Cursor) ([]transaction.Record, error) {
	var out []transaction.Record
	for {
		rec, err := c.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
