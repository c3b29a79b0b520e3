package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ingest/internal/quorum"
	"ingest/internal/ring"
	"ingest/internal/routing"
)

var (
	// ErrIndexNotFound is returned for operations on an unknown index.
	ErrIndexNotFound = errors.New("index not found")
	// ErrIndexExists is returned when creating an index twice.
	ErrIndexExists = errors.New("index already exists")
)

// IndexMeta is the cluster-wide metadata of an index.
type IndexMeta struct {
	Name            string `msgpack:"name"`
	Shards          int    `msgpack:"shards"`
	Replicas        int    `msgpack:"replicas"`
	RoutingRequired bool   `msgpack:"routing_required"`
	// RefreshInterval is the periodic refresh interval; negative disables it.
	RefreshInterval time.Duration `msgpack:"refresh_interval"`
	// Fields lists the known top-level fields per document type.
	Fields  map[string][]string `msgpack:"fields"`
	Version int64               `msgpack:"version"`
}

func (m IndexMeta) clone() IndexMeta {
	out := m
	out.Fields = make(map[string][]string, len(m.Fields))
	for typ, fields := range m.Fields {
		out.Fields[typ] = append([]string(nil), fields...)
	}
	return out
}

// Health summarizes shard allocation across all indices.
type Health struct {
	Status           string `msgpack:"status"`
	DataNodes        int    `msgpack:"data_nodes"`
	ActiveLeaders    int    `msgpack:"active_leaders"`
	ActiveShards     int    `msgpack:"active_shards"`
	UnassignedShards int    `msgpack:"unassigned_shards"`
}

const (
	Green  = "green"
	Yellow = "yellow"
	Red    = "red"
)

// State is the local node's view of index metadata and shard placement.
type State struct {
	mu      sync.RWMutex
	localID string
	ring    *ring.Ring
	indices map[string]*IndexMeta
	failed  map[routing.ShardID]map[string]string
	logger  logrus.FieldLogger
}

// NewState creates an empty state for the local node.
func NewState(localID string, vnodes int, logger logrus.FieldLogger) *State {
	return &State{
		localID: localID,
		ring:    ring.NewRing(vnodes),
		indices: make(map[string]*IndexMeta),
		failed:  make(map[routing.ShardID]map[string]string),
		logger:  logger.WithField("component", "cluster_state"),
	}
}

// LocalID returns the id of the local node.
func (s *State) LocalID() string {
	return s.localID
}

// SetNodes replaces the set of alive data nodes. Failure marks of nodes that
// left are dropped, so a node that rejoins holds active copies again.
func (s *State) SetNodes(nodes []ring.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = true
	}
	for id, byNode := range s.failed {
		for nodeID := range byNode {
			if !present[nodeID] {
				delete(byNode, nodeID)
			}
		}
		if len(byNode) == 0 {
			delete(s.failed, id)
		}
	}
	s.ring.SetNodes(nodes)
}

// Nodes returns the alive data nodes.
func (s *State) Nodes() []ring.Node {
	return s.ring.Nodes()
}

// DataNodes returns the number of alive data nodes.
func (s *State) DataNodes() int {
	return s.ring.Len()
}

// CreateIndex registers a new index.
func (s *State) CreateIndex(meta IndexMeta) (IndexMeta, error) {
	if meta.Shards <= 0 {
		return IndexMeta{}, fmt.Errorf("index %s: number of shards must be positive", meta.Name)
	}
	if meta.Replicas < 0 {
		return IndexMeta{}, fmt.Errorf("index %s: number of replicas must not be negative", meta.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.indices[meta.Name]; exists {
		return IndexMeta{}, fmt.Errorf("%s: %w", meta.Name, ErrIndexExists)
	}
	meta = meta.clone()
	meta.Version = 1
	s.indices[meta.Name] = &meta
	s.logger.WithField("action", "create_index").WithField("index", meta.Name).
		WithField("shards", meta.Shards).WithField("replicas", meta.Replicas).Info("index created")
	return meta.clone(), nil
}

// PutIndex applies metadata received from another node. Returns false when
// the local copy is already as new.
func (s *State) PutIndex(meta IndexMeta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, exists := s.indices[meta.Name]; exists && cur.Version >= meta.Version {
		return false
	}
	meta = meta.clone()
	s.indices[meta.Name] = &meta
	return true
}

// Index returns the metadata of an index.
func (s *State) Index(name string) (IndexMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.indices[name]
	if !exists {
		return IndexMeta{}, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}
	return meta.clone(), nil
}

// Indices returns the metadata of every index, sorted by name.
func (s *State) Indices() []IndexMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]IndexMeta, 0, len(s.indices))
	for _, meta := range s.indices {
		out = append(out, meta.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateIndex mutates index metadata and bumps its version.
func (s *State) UpdateIndex(name string, fn func(*IndexMeta)) (IndexMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.indices[name]
	if !exists {
		return IndexMeta{}, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}
	fn(meta)
	meta.Version++
	return meta.clone(), nil
}

// RoutingRequired reports whether writes to the index need a routing key.
func (s *State) RoutingRequired(index string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.indices[index]
	return exists && meta.RoutingRequired
}

// Route resolves the shard owning a document.
func (s *State) Route(index, id, routingKey string) (routing.ShardID, error) {
	s.mu.RLock()
	meta, exists := s.indices[index]
	s.mu.RUnlock()

	if !exists {
		return routing.ShardID{}, fmt.Errorf("%s: %w", index, ErrIndexNotFound)
	}
	return routing.ShardID{Index: index, Shard: routing.ShardFor(id, routingKey, meta.Shards)}, nil
}

// Routing returns the copies of a shard. The leader is the first copy in
// placement order that has not failed; failed copies are listed as inactive
// replicas.
func (s *State) Routing(id routing.ShardID) (routing.ShardRouting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.indices[id.Index]
	if !exists {
		return routing.ShardRouting{}, fmt.Errorf("%s: %w", id.Index, ErrIndexNotFound)
	}
	if id.Shard < 0 || id.Shard >= meta.Shards {
		return routing.ShardRouting{}, fmt.Errorf("shard %s out of range", id)
	}
	return s.routingLocked(id, meta.Replicas), nil
}

func (s *State) routingLocked(id routing.ShardID, replicas int) routing.ShardRouting {
	rt := routing.ShardRouting{ShardID: id}
	failed := s.failed[id]
	for _, n := range s.ring.PreferenceList(id.Key(), replicas+1) {
		_, isFailed := failed[n.ID]
		c := routing.Copy{NodeID: n.ID, Addr: n.Addr, Active: !isFailed}
		if rt.Leader == nil && !isFailed {
			c.Leader = true
			rt.Leader = &c
			continue
		}
		rt.Replicas = append(rt.Replicas, c)
	}
	return rt
}

// Topology returns the quorum topology of a shard.
func (s *State) Topology(id routing.ShardID) (quorum.Topology, error) {
	rt, err := s.Routing(id)
	if err != nil {
		return quorum.Topology{}, err
	}
	meta, err := s.Index(id.Index)
	if err != nil {
		return quorum.Topology{}, err
	}
	return quorum.Topology{
		DataNodes:      s.DataNodes(),
		Replicas:       meta.Replicas,
		ActiveReplicas: len(rt.ActiveReplicas()),
	}, nil
}

// FailShard takes the copy of a shard on nodeID out of the write path.
func (s *State) FailShard(id routing.ShardID, nodeID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed[id] == nil {
		s.failed[id] = make(map[string]string)
	}
	if _, already := s.failed[id][nodeID]; already {
		return
	}
	s.failed[id][nodeID] = reason
	s.logger.WithField("action", "fail_shard").WithField("shard", id.String()).
		WithField("node", nodeID).WithField("reason", reason).Warn("shard copy failed")
}

// ActivateShard puts a failed copy back into the write path.
func (s *State) ActivateShard(id routing.ShardID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.failed[id][nodeID]; !ok {
		return
	}
	delete(s.failed[id], nodeID)
	if len(s.failed[id]) == 0 {
		delete(s.failed, id)
	}
	s.logger.WithField("action", "activate_shard").WithField("shard", id.String()).
		WithField("node", nodeID).Info("shard copy reactivated")
}

// FailedCopies returns the copies currently out of the write path, ordered
// by shard and node.
func (s *State) FailedCopies() []routing.FailedCopy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []routing.FailedCopy
	for id, nodes := range s.failed {
		for nodeID, reason := range nodes {
			out = append(out, routing.FailedCopy{ShardID: id, NodeID: nodeID, Reason: reason})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShardID != out[j].ShardID {
			return out[i].ShardID.String() < out[j].ShardID.String()
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// LocalShards returns the shard copies placed on the local node.
func (s *State) LocalShards() []routing.ShardID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []routing.ShardID
	for name, meta := range s.indices {
		for shard := 0; shard < meta.Shards; shard++ {
			id := routing.ShardID{Index: name, Shard: shard}
			for _, n := range s.ring.PreferenceList(id.Key(), meta.Replicas+1) {
				if n.ID == s.localID {
					out = append(out, id)
					break
				}
			}
		}
	}
	return out
}

// Health computes cluster health: red when a shard has no active leader,
// yellow when a replica copy is unassigned or failed, green otherwise.
func (s *State) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{Status: Green, DataNodes: s.ring.Len()}
	for name, meta := range s.indices {
		for shard := 0; shard < meta.Shards; shard++ {
			rt := s.routingLocked(routing.ShardID{Index: name, Shard: shard}, meta.Replicas)
			if rt.Leader == nil {
				h.Status = Red
				h.UnassignedShards += meta.Replicas + 1
				continue
			}
			h.ActiveLeaders++
			active := 1 + len(rt.ActiveReplicas())
			h.ActiveShards += active
			if missing := meta.Replicas + 1 - active; missing > 0 {
				h.UnassignedShards += missing
				if h.Status == Green {
					h.Status = Yellow
				}
			}
		}
	}
	return h
}

// UnknownFields returns the fields not yet known for the document type.
func (s *State) UnknownFields(index, typ string, fields []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.indices[index]
	if !exists {
		return nil
	}
	known := make(map[string]bool, len(meta.Fields[typ]))
	for _, f := range meta.Fields[typ] {
		known[f] = true
	}
	var unknown []string
	for _, f := range fields {
		if !known[f] {
			unknown = append(unknown, f)
			known[f] = true
		}
	}
	return unknown
}

// MergeFields adds fields to the document type's mapping. Returns the new
// metadata and whether anything changed.
func (s *State) MergeFields(index, typ string, fields []string) (IndexMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.indices[index]
	if !exists {
		return IndexMeta{}, false, fmt.Errorf("%s: %w", index, ErrIndexNotFound)
	}
	if meta.Fields == nil {
		meta.Fields = make(map[string][]string)
	}
	known := make(map[string]bool)
	for _, f := range meta.Fields[typ] {
		known[f] = true
	}
	changed := false
	for _, f := range fields {
		if !known[f] {
			known[f] = true
			meta.Fields[typ] = append(meta.Fields[typ], f)
			changed = true
		}
	}
	if changed {
		sort.Strings(meta.Fields[typ])
		meta.Version++
	}
	return meta.clone(), changed, nil
}
