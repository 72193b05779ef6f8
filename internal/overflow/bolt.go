package overflow

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

var eventsBucket = []byte("events")

// ErrBucketNotFound means the database was opened without the events bucket.
var ErrBucketNotFound = errors.New("overflow: events bucket not found")

// BoltStore keeps overflow events in a bbolt bucket keyed by big-endian
// sequence numbers, so cursor order is FIFO order.
type BoltStore struct {
	db *bolt.DB

	mu    sync.Mutex
	count int
}

var _ model.OverflowStore = (*BoltStore)(nil)

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("overflow: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("overflow: open bolt: %w", err)
	}

	count := 0
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(eventsBucket)
		if err != nil {
			return err
		}
		count = b.Stats().KeyN
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("overflow: init bolt: %w", err)
	}
	return &BoltStore{db: db, count: count}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Append persists ev under the bucket's next sequence.
func (s *BoltStore) Append(ev model.Event) (uint64, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("overflow: marshal event: %w", err)
	}

	var seq uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("overflow: append: %w", err)
	}

	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return seq, nil
}

// Read returns up to n entries in key order after skipping skip of them.
func (s *BoltStore) Read(skip, n int) ([]model.StoredEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []model.StoredEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		c := b.Cursor()
		i := 0
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			if i < skip {
				i++
				continue
			}
			var ev model.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode %x: %w", k, err)
			}
			out = append(out, model.StoredEvent{Seq: binary.BigEndian.Uint64(k), Event: ev})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("overflow: read: %w", err)
	}
	return out, nil
}

// Commit deletes every entry with a key <= seq.
func (s *BoltStore) Commit(seq uint64) error {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= seq; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return fmt.Errorf("overflow: commit: %w", err)
	}

	s.mu.Lock()
	s.count -= removed
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (s *BoltStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
