package node

import (
	"context"
	"fmt"

	"ingest/internal/action"
	"ingest/internal/routing"
	"ingest/internal/storage"
)

// shardTransport delivers shard requests to the node holding the copy. It
// also serves the requests other nodes send to this one.
type shardTransport struct {
	n *Node
}

func (t *shardTransport) Leader(ctx context.Context, nodeID string, req *action.ShardRequest) (*action.LeaderShardResponse, error) {
	if nodeID == t.n.cfg.ID {
		return t.LeaderShard(ctx, req)
	}
	addr, ok := t.n.peerAddr(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s is gone: %w", nodeID, storage.ErrShardNotAvailable)
	}
	return t.n.clients.Leader(ctx, addr, req)
}

func (t *shardTransport) Replica(ctx context.Context, nodeID string, req *action.ReplicaShardRequest) (*action.ReplicaShardResponse, error) {
	if nodeID == t.n.cfg.ID {
		return t.ReplicaShard(ctx, req)
	}
	addr, ok := t.n.peerAddr(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s is gone: %w", nodeID, storage.ErrShardNotAvailable)
	}
	return t.n.clients.Replica(ctx, addr, req)
}

func (t *shardTransport) Recover(ctx context.Context, leaderID string, id routing.ShardID, target string) error {
	if leaderID == t.n.cfg.ID {
		return t.RecoverShard(ctx, id, target)
	}
	addr, ok := t.n.peerAddr(leaderID)
	if !ok {
		return fmt.Errorf("node %s is gone: %w", leaderID, storage.ErrShardNotAvailable)
	}
	return t.n.clients.Recover(ctx, addr, id, target)
}

// LeaderShard runs a shard batch on the local leader copy.
func (t *shardTransport) LeaderShard(ctx context.Context, req *action.ShardRequest) (*action.LeaderShardResponse, error) {
	t.n.ensureShard(req.ShardID)
	return t.n.leader.Execute(ctx, req)
}

// ReplicaShard mirrors a shard batch on the local replica copy.
func (t *shardTransport) ReplicaShard(ctx context.Context, req *action.ReplicaShardRequest) (*action.ReplicaShardResponse, error) {
	t.n.ensureShard(req.ShardID)
	return t.n.replica.Execute(ctx, req)
}

// RecoverShard fills the copy of id on target from the local copy.
func (t *shardTransport) RecoverShard(ctx context.Context, id routing.ShardID, target string) error {
	t.n.ensureShard(id)
	return t.n.leader.Recover(ctx, id, target, t)
}

// ensureShard opens a copy placed on this node that is not open yet. Copies
// placed elsewhere stay closed and their requests fail as unavailable.
func (n *Node) ensureShard(id routing.ShardID) {
	if _, err := n.shards.Get(id); err == nil {
		return
	}
	for _, local := range n.state.LocalShards() {
		if local == id {
			if _, err := n.shards.Open(id); err != nil {
				n.logger.WithField("action", "open_shard").WithField("shard", id.String()).
					WithError(err).Error("cannot open shard")
			}
			return
		}
	}
}
