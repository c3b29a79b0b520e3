package ring

import (
	"sort"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Node is a data node that can hold shard copies.
type Node struct {
	ID   string
	Addr string
}

type vnode struct {
	hash   uint32
	nodeID string
}

// Ring implements consistent hashing with virtual nodes.
type Ring struct {
	mu            sync.RWMutex
	vnodesPerNode int
	vnodes        []vnode
	nodes         map[string]Node
}

// NewRing creates a new ring. vnodesPerNode defaults to 128.
func NewRing(vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = 128
	}
	return &Ring{
		vnodesPerNode: vnodesPerNode,
		nodes:         make(map[string]Node),
	}
}

// SetNodes rebuilds the ring with the given nodes.
// The same node set always produces the same ring, regardless of order.
func (r *Ring) SetNodes(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]Node, len(nodes))
	r.vnodes = make([]vnode, 0, len(nodes)*r.vnodesPerNode)
	for _, node := range nodes {
		if _, dup := r.nodes[node.ID]; dup {
			continue
		}
		r.nodes[node.ID] = node
		r.vnodes = append(r.vnodes, r.vnodesFor(node.ID)...)
	}
	r.sortLocked()
}

// AddNode adds a node to the ring.
func (r *Ring) AddNode(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		return
	}
	r.nodes[node.ID] = node
	r.vnodes = append(r.vnodes, r.vnodesFor(node.ID)...)
	r.sortLocked()
}

// RemoveNode removes a node from the ring.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return
	}
	delete(r.nodes, nodeID)
	kept := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.nodeID != nodeID {
			kept = append(kept, v)
		}
	}
	r.vnodes = kept
}

// PreferenceList returns up to k distinct nodes for the key, walking the
// ring clockwise from the key's position.
func (r *Ring) PreferenceList(key string, k int) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 || k <= 0 {
		return []Node{}
	}

	h := hash(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= h
	})

	seen := make(map[string]bool, k)
	result := make([]Node, 0, k)
	for i := 0; i < len(r.vnodes) && len(result) < k; i++ {
		v := r.vnodes[(idx+i)%len(r.vnodes)]
		if seen[v.nodeID] {
			continue
		}
		seen[v.nodeID] = true
		result = append(result, r.nodes[v.nodeID])
	}
	return result
}

// Nodes returns all nodes sorted by id.
func (r *Ring) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Len returns the number of nodes in the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Ring) vnodesFor(nodeID string) []vnode {
	out := make([]vnode, r.vnodesPerNode)
	for i := range out {
		out[i] = vnode{hash: hash(nodeID + "#" + strconv.Itoa(i)), nodeID: nodeID}
	}
	return out
}

// sortLocked orders vnodes by hash, breaking ties by node id.
func (r *Ring) sortLocked() {
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash == r.vnodes[j].hash {
			return r.vnodes[i].nodeID < r.vnodes[j].nodeID
		}
		return r.vnodes[i].hash < r.vnodes[j].hash
	})
}

func hash(s string) uint32 {
	return murmur3.Sum32([]byte(s))
}
