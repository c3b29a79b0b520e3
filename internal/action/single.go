package action

import (
	"context"

	"github.com/pkg/errors"

	"ingest/internal/quorum"
)

// WriteResponse is the outcome of a single-document write.
type WriteResponse struct {
	Index   string
	Type    string
	ID      string
	Version int64
	// Found is set for deletes that removed a live document.
	Found        bool
	QuorumShards int
	Replicas     []*ReplicaShardResponse
}

// Index writes one document through the replicated write path. Unlike
// Ingest, a rejected document or an unreachable quorum is an error.
func (c *Coordinator) Index(ctx context.Context, op IndexOp, level quorum.Level) (*WriteResponse, error) {
	return c.single(ctx, op, level)
}

// Delete removes one document through the replicated write path.
func (c *Coordinator) Delete(ctx context.Context, op DeleteOp, level quorum.Level) (*WriteResponse, error) {
	return c.single(ctx, op, level)
}

func (c *Coordinator) single(ctx context.Context, op Operation, level quorum.Level) (*WriteResponse, error) {
	req := NewRequest()
	req.Consistency = level
	req.RequireQuorum = true
	req.Add(op)

	resp, err := c.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	shard := resp.Shards[0]
	lr := shard.Leader
	if len(lr.Failures) > 0 {
		return nil, errors.New(lr.Failures[0].Message)
	}
	if lr.QuorumShards == quorum.Unreachable {
		return nil, errors.Wrapf(ErrQuorumNotReached, "shard %s", lr.ShardID)
	}

	applied := lr.Items[0].Op
	m := applied.Metadata()
	out := &WriteResponse{
		Index:        m.Index,
		Type:         m.Type,
		ID:           m.ID,
		Version:      m.Version,
		QuorumShards: lr.QuorumShards,
		Replicas:     shard.Replicas,
	}
	applied.describe(out)
	return out, nil
}
