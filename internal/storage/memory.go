package storage

import (
	"sync"

	"ingest/internal/routing"
)

// MemoryShard is an in-memory Shard. Deletes keep tombstones so that late
// replica writes carrying an older version are rejected.
type MemoryShard struct {
	id routing.ShardID

	mu      sync.RWMutex
	data    map[string]*record
	visible int64
	closed  bool
}

// NewMemoryShard creates an empty in-memory shard.
func NewMemoryShard(id routing.ShardID) *MemoryShard {
	return &MemoryShard{
		id:   id,
		data: make(map[string]*record),
	}
}

// ID returns the shard id.
func (s *MemoryShard) ID() routing.ShardID {
	return s.id
}

// Index applies a leader write.
func (s *MemoryShard) Index(req IndexRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrShardNotAvailable
	}
	key := docKey(req.Type, req.ID)
	next, err := leaderIndex(s.data[key], req)
	if err != nil {
		return 0, err
	}
	s.data[key] = next
	return next.Version, nil
}

// Delete applies a leader delete.
func (s *MemoryShard) Delete(req DeleteRequest) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, ErrShardNotAvailable
	}
	key := docKey(req.Type, req.ID)
	tomb, found, err := leaderDelete(s.data[key], req)
	if err != nil {
		return 0, false, err
	}
	s.data[key] = tomb
	return tomb.Version, found, nil
}

// ApplyReplica mirrors a leader write.
func (s *MemoryShard) ApplyReplica(w ReplicaWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShardNotAvailable
	}
	key := docKey(w.Type, w.ID)
	ok, err := replicaApply(s.data[key], w)
	if err != nil || !ok {
		return err
	}
	var source []byte
	if !w.Deleted {
		source = append([]byte(nil), w.Source...)
	}
	s.data[key] = &record{
		Routing: w.Routing,
		Source:  source,
		Version: w.Version,
		Deleted: w.Deleted,
	}
	return nil
}

// Get returns a copy of the live document.
func (s *MemoryShard) Get(typ, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrShardNotAvailable
	}
	return toDocument(typ, id, s.data[docKey(typ, id)]), nil
}

// Count returns the live document count as of the last refresh.
func (s *MemoryShard) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrShardNotAvailable
	}
	return s.visible, nil
}

// Refresh makes all writes visible to Count.
func (s *MemoryShard) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShardNotAvailable
	}
	var n int64
	for _, r := range s.data {
		if !r.Deleted {
			n++
		}
	}
	s.visible = n
	return nil
}

// Close marks the shard unavailable. Subsequent calls fail with
// ErrShardNotAvailable.
func (s *MemoryShard) Snapshot() ([]ReplicaWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrShardNotAvailable
	}
	out := make([]ReplicaWrite, 0, len(s.data))
	for key, r := range s.data {
		out = append(out, snapshotWrite(key, r))
	}
	return out, nil
}

func (s *MemoryShard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}
