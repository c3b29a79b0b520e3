package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"

	"ingest/internal/routing"
)

// Opener creates the engine for a shard copy.
type Opener func(id routing.ShardID) (Shard, error)

// MemoryOpener opens in-memory shards.
func MemoryOpener() Opener {
	return func(id routing.ShardID) (Shard, error) {
		return NewMemoryShard(id), nil
	}
}

// PebbleOpener opens pebble shards under dataDir/<index>/<shard>.
func PebbleOpener(dataDir string, sync bool) Opener {
	return func(id routing.ShardID) (Shard, error) {
		path := filepath.Join(dataDir, id.Index, strconv.Itoa(id.Shard))
		return OpenPebbleShard(id, path, sync)
	}
}

// Registry holds the shard copies allocated to the local node.
type Registry struct {
	mu     sync.RWMutex
	open   Opener
	shards map[routing.ShardID]Shard
}

// NewRegistry creates a registry that opens shards with open.
func NewRegistry(open Opener) *Registry {
	return &Registry{
		open:   open,
		shards: make(map[routing.ShardID]Shard),
	}
}

// Open returns the local shard, opening it on first use.
func (r *Registry) Open(id routing.ShardID) (Shard, error) {
	r.mu.RLock()
	s, ok := r.shards[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.shards[id]; ok {
		return s, nil
	}
	s, err := r.open(id)
	if err != nil {
		return nil, err
	}
	r.shards[id] = s
	return s, nil
}

// Get returns an already opened shard, or ErrShardNotAvailable.
func (r *Registry) Get(id routing.ShardID) (Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.shards[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrShardNotAvailable)
	}
	return s, nil
}

// Shards returns the ids of all open shards, sorted.
func (r *Registry) Shards() []routing.ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]routing.ShardID, 0, len(r.shards))
	for id := range r.shards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Index == ids[j].Index {
			return ids[i].Shard < ids[j].Shard
		}
		return ids[i].Index < ids[j].Index
	})
	return ids
}

// Close closes and forgets one shard.
func (r *Registry) Close(id routing.ShardID) error {
	r.mu.Lock()
	s, ok := r.shards[id]
	delete(r.shards, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll closes every shard and reports all close errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	shards := r.shards
	r.shards = make(map[routing.ShardID]Shard)
	r.mu.Unlock()

	var result *multierror.Error
	for id, s := range shards {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}
