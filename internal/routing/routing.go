package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// ShardID identifies one shard of an index.
type ShardID struct {
	Index string `msgpack:"index"`
	Shard int    `msgpack:"shard"`
}

// String returns the "[index][shard]" representation of the shard id.
func (s ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", s.Index, s.Shard)
}

// Key returns the ring key used to place the shard's copies.
func (s ShardID) Key() string {
	return s.Index + "/" + strconv.Itoa(s.Shard)
}

// ParseShardID parses the output of Key.
func ParseShardID(key string) (ShardID, error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return ShardID{}, fmt.Errorf("invalid shard key: %s", key)
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return ShardID{}, fmt.Errorf("invalid shard key: %s", key)
	}
	return ShardID{Index: key[:i], Shard: n}, nil
}

// Copy is one copy of a shard placed on a node.
type Copy struct {
	NodeID string `msgpack:"node_id"`
	Addr   string `msgpack:"addr"`
	Leader bool   `msgpack:"leader"`
	Active bool   `msgpack:"active"`
}

// ShardRouting lists the copies of a shard. Leader is nil when the shard
// has no assigned leader copy.
type ShardRouting struct {
	ShardID  ShardID `msgpack:"shard_id"`
	Leader   *Copy   `msgpack:"leader"`
	Replicas []Copy  `msgpack:"replicas"`
}

// ActiveReplicas returns the replica copies that can receive writes.
func (r ShardRouting) ActiveReplicas() []Copy {
	active := make([]Copy, 0, len(r.Replicas))
	for _, c := range r.Replicas {
		if c.Active {
			active = append(active, c)
		}
	}
	return active
}

// FailedCopy is a shard copy taken out of the write path after a replica
// write to it failed.
type FailedCopy struct {
	ShardID ShardID
	NodeID  string
	Reason  string
}

// ShardFor returns the shard number owning a document. The routing key
// takes precedence over the id when set.
func ShardFor(id, routingKey string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	key := id
	if routingKey != "" {
		key = routingKey
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(numShards))
}
