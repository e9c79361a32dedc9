package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
	bolt "go.etcd.io/bbolt"
)

var journalBucket = []byte("offline_queue")

// OfflineQueue holds locally-generated operations that have not been
// transmitted yet. FIFO: ops drain in the order the user produced them.
// With a journal attached the queue survives process restarts, so edits
// made offline are not lost with the editor.
type OfflineQueue struct {
	mu  sync.Mutex
	ops []crdt.Op
	db  *bolt.DB
}

func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{}
}

// NewJournaledQueue opens (or creates) a bolt journal at path and loads any
// operations a previous run left behind.
func NewJournaledQueue(path string) (*OfflineQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open queue journal: %w", err)
	}
	q := &OfflineQueue{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(journalBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var op crdt.Op
			if err := json.Unmarshal(v, &op); err != nil {
				// A bad record is dropped rather than wedging the queue.
				return nil
			}
			q.ops = append(q.ops, op)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("session: load queue journal: %w", err)
	}
	return q, nil
}

func (q *OfflineQueue) Push(op crdt.Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	if q.db == nil {
		return nil
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(journalBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Ops returns the queued operations in FIFO order.
func (q *OfflineQueue) Ops() []crdt.Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]crdt.Op, len(q.ops))
	copy(out, q.ops)
	return out
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear empties the queue and its journal, called once the server has
// acknowledged the flushed state.
func (q *OfflineQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = q.ops[:0]
	if q.db == nil {
		return nil
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(journalBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(journalBucket)
		return err
	})
}

func (q *OfflineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}
