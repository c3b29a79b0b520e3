package storage

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"ingest/internal/routing"
)

// PebbleShard is a Shard persisted in its own pebble database.
// Leader and replica writes are serialized per shard so that the version
// check and the write are atomic.
type PebbleShard struct {
	id   routing.ShardID
	path string
	sync bool

	mu      sync.RWMutex
	db      *pebble.DB
	visible int64
}

// OpenPebbleShard opens or creates the shard database at path. When sync
// is set every write is fsynced before it is acknowledged.
func OpenPebbleShard(id routing.ShardID, path string, sync bool) (*PebbleShard, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble shard %s: %w", id, err)
	}
	s := &PebbleShard{id: id, path: path, sync: sync, db: db}
	if err := s.Refresh(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the shard id.
func (s *PebbleShard) ID() routing.ShardID {
	return s.id
}

// Index applies a leader write.
func (s *PebbleShard) Index(req IndexRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, ErrShardNotAvailable
	}
	key := docKey(req.Type, req.ID)
	cur, err := s.load(key)
	if err != nil {
		return 0, err
	}
	next, err := leaderIndex(cur, req)
	if err != nil {
		return 0, err
	}
	if err := s.store(key, next); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// Delete applies a leader delete.
func (s *PebbleShard) Delete(req DeleteRequest) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, false, ErrShardNotAvailable
	}
	key := docKey(req.Type, req.ID)
	cur, err := s.load(key)
	if err != nil {
		return 0, false, err
	}
	tomb, found, err := leaderDelete(cur, req)
	if err != nil {
		return 0, false, err
	}
	if err := s.store(key, tomb); err != nil {
		return 0, false, err
	}
	return tomb.Version, found, nil
}

// ApplyReplica mirrors a leader write.
func (s *PebbleShard) ApplyReplica(w ReplicaWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrShardNotAvailable
	}
	key := docKey(w.Type, w.ID)
	cur, err := s.load(key)
	if err != nil {
		return err
	}
	ok, err := replicaApply(cur, w)
	if err != nil || !ok {
		return err
	}
	r := &record{Routing: w.Routing, Version: w.Version, Deleted: w.Deleted}
	if !w.Deleted {
		r.Source = w.Source
	}
	return s.store(key, r)
}

// Get returns the live document.
func (s *PebbleShard) Get(typ, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrShardNotAvailable
	}
	r, err := s.load(docKey(typ, id))
	if err != nil {
		return nil, err
	}
	return toDocument(typ, id, r), nil
}

// Count returns the live document count as of the last refresh.
func (s *PebbleShard) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, ErrShardNotAvailable
	}
	return s.visible, nil
}

// Refresh recounts live documents.
func (s *PebbleShard) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrShardNotAvailable
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		var r record
		if err := msgpack.Unmarshal(iter.Value(), &r); err != nil {
			return fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		if !r.Deleted {
			n++
		}
	}
	s.visible = n
	return nil
}

// Close closes the database.
func (s *PebbleShard) Snapshot() ([]ReplicaWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrShardNotAvailable
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []ReplicaWrite
	for iter.First(); iter.Valid(); iter.Next() {
		var r record
		if err := msgpack.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		out = append(out, snapshotWrite(string(iter.Key()), &r))
	}
	return out, nil
}

func (s *PebbleShard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleShard) load(key string) (*record, error) {
	data, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	defer closer.Close()

	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return &r, nil
}

func (s *PebbleShard) store(key string, r *record) error {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	opts := pebble.NoSync
	if s.sync {
		opts = pebble.Sync
	}
	return s.db.Set([]byte(key), data, opts)
}
