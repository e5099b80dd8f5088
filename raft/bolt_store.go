package raft

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	logBucket  = []byte("log")
	metaBucket = []byte("meta")
)

// BoltLogStore is a bbolt-backed LogStore. Stored entries are buffered in
// memory and flushed in a single transaction at EndOfAppendBatch, which is
// the store's durability point.
type BoltLogStore struct {
	mu       sync.Mutex
	db       *bolt.DB
	nextSlot uint64
	pending  []*LogEntry // entries stored but not yet flushed
	cache    map[uint64]*LogEntry
}

// OpenBoltLogStore opens or creates a bolt-backed log store at path.
func OpenBoltLogStore(path string) (*BoltLogStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open log store")
	}

	s := &BoltLogStore{db: db, nextSlot: 1, cache: make(map[uint64]*LogEntry)}

	// Create buckets and find the highest stored index.
	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(logBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		if k, _ := b.Cursor().Last(); k != nil {
			s.nextSlot = binary.BigEndian.Uint64(k) + 1
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init log store")
	}
	return s, nil
}

// Close flushes any pending batch and closes the underlying database.
func (s *BoltLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		if err := s.flush(); err != nil {
			_ = s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

// StoreLogEntry appends an entry and returns its assigned index.
// The entry is not durable until EndOfAppendBatch.
func (s *BoltLogStore) StoreLogEntry(e *LogEntry) (uint64, error) {
	if len(e.Data) > MaxLogEntrySize {
		return 0, ErrLogEntryTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.nextSlot
	s.pending = append(s.pending, e)
	s.cache[idx] = e
	s.nextSlot++
	return idx, nil
}

// EndOfAppendBatch flushes the pending batch in one transaction.
func (s *BoltLogStore) EndOfAppendBatch(start, cnt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// flush writes all pending entries. Callers must hold mu.
func (s *BoltLogStore) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	first := s.nextSlot - uint64(len(s.pending))

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for i, e := range s.pending {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], first+uint64(i))

			var buf bytes.Buffer
			if err := NewLogEntryEncoder(&buf).Encode(e); err != nil {
				return err
			}
			if err := b.Put(key[:], buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "flush append batch")
	}

	s.pending = s.pending[:0]
	for idx := range s.cache {
		delete(s.cache, idx)
	}
	return nil
}

// NextSlot returns the index that will be assigned to the next entry.
func (s *BoltLogStore) NextSlot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSlot
}

// LogEntries returns the entries in [start, end).
func (s *BoltLogStore) LogEntries(start, end uint64) ([]*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start < 1 || start > end || end > s.nextSlot+1 {
		return nil, ErrEntryNotFound
	}
	if end > s.nextSlot {
		end = s.nextSlot
	}

	out := make([]*LogEntry, 0, end-start)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for i := start; i < end; i++ {
			if e, ok := s.cache[i]; ok {
				out = append(out, e)
				continue
			}

			var key [8]byte
			binary.BigEndian.PutUint64(key[:], i)
			v := b.Get(key[:])
			if v == nil {
				return ErrEntryNotFound
			}

			var e LogEntry
			if err := NewLogEntryDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read log entries")
	}
	return out, nil
}

// TermAt returns the term of the entry at index, or zero if not stored.
func (s *BoltLogStore) TermAt(index uint64) uint64 {
	entries, err := s.LogEntries(index, index+1)
	if err != nil || len(entries) == 0 {
		return 0
	}
	return entries[0].Term
}
