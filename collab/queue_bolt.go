package collab

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
)

var boltQueueBucket = []byte("offline_queue")

// BoltStore is a bbolt-backed OfflineStore: queued operations survive a
// process restart, so edits made offline are not lost to a crash before
// reconnection.
//
// Keys are big-endian uint64 sequence numbers, so bucket iteration order is
// enqueue order.
type BoltStore struct {
	db *bolt.DB
}

type boltEntry struct {
	ID         string    `json:"id"`
	Revision   int64     `json:"revision"`
	Spans      []v1.Span `json:"spans"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// OpenBoltStore opens (or creates) the queue database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("collab: open offline store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltQueueBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("collab: init offline store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Append adds an entry at the tail.
func (s *BoltStore) Append(e QueueEntry) error {
	raw, err := json.Marshal(boltEntry{
		ID:         e.ID,
		Revision:   e.Revision,
		Spans:      v1.SpansFromOperation(e.Op),
		EnqueuedAt: e.EnqueuedAt,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltQueueBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), raw)
	})
}

// Entries returns all entries in enqueue order.
func (s *BoltStore) Entries() ([]QueueEntry, error) {
	var out []QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltQueueBucket).ForEach(func(_, v []byte) error {
			e, err := decodeBoltEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces the entry with the same ID in place.
func (s *BoltStore) Update(e QueueEntry) error {
	raw, err := json.Marshal(boltEntry{
		ID:         e.ID,
		Revision:   e.Revision,
		Spans:      v1.SpansFromOperation(e.Op),
		EnqueuedAt: e.EnqueuedAt,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltQueueBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cur boltEntry
			if err := json.Unmarshal(v, &cur); err != nil {
				return err
			}
			if cur.ID == e.ID {
				return b.Put(append([]byte(nil), k...), raw)
			}
		}
		return fmt.Errorf("collab: queue entry %s not found", e.ID)
	})
}

// RemoveFront removes the head entry if its ID matches.
func (s *BoltStore) RemoveFront(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltQueueBucket)
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return fmt.Errorf("collab: queue empty, cannot remove %s", id)
		}
		var cur boltEntry
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}
		if cur.ID != id {
			return fmt.Errorf("collab: queue head is %s, not %s", cur.ID, id)
		}
		return b.Delete(k)
	})
}

// Len returns the number of queued entries.
func (s *BoltStore) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(boltQueueBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Clear removes all entries.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltQueueBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltQueueBucket)
		return err
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func decodeBoltEntry(v []byte) (QueueEntry, error) {
	var be boltEntry
	if err := json.Unmarshal(v, &be); err != nil {
		return QueueEntry{}, err
	}
	op, err := v1.OperationFromSpans(be.Spans)
	if err != nil {
		return QueueEntry{}, err
	}
	return QueueEntry{ID: be.ID, Revision: be.Revision, Op: op, EnqueuedAt: be.EnqueuedAt}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
