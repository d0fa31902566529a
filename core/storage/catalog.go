package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var partitionsBucket = []byte("partitions")

type partitionMeta struct {
	CreatedAt time.Time `json:"created_at"`
	// Generation is the highest leader generation that has written to the
	// partition. Requests from older generations are rejected.
	Generation uint64 `json:"generation,omitempty"`
}

// catalog durably records which partitions a storage node hosts.
type catalog struct {
	db *bolt.DB
}

func openCatalog(path string) (*catalog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(partitionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}
	return &catalog{db: db}, nil
}

func partitionKey(id int32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(id))
	return k
}

func (c *catalog) put(id int32, meta partitionMeta) error {
	v, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).Put(partitionKey(id), v)
	})
}

func (c *catalog) delete(id int32) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).Delete(partitionKey(id))
	})
}

func (c *catalog) list() (map[int32]partitionMeta, error) {
	metas := make(map[int32]partitionMeta)
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return fmt.Errorf("malformed catalog key %x", k)
			}
			var meta partitionMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("malformed catalog entry for partition %d: %w", int32(binary.BigEndian.Uint32(k)), err)
			}
			metas[int32(binary.BigEndian.Uint32(k))] = meta
			return nil
		})
	})
	return metas, err
}

func (c *catalog) close() error {
	return c.db.Close()
}
