package action

import (
	"context"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"ingest/internal/routing"
	"ingest/internal/storage"
)

// recoveryBatch bounds the records sent to a recovering copy per request.
const recoveryBatch = 500

// Recover copies every record of the local copy of id, tombstones
// included, to the copy on target through replicas. Records the target
// already holds in a newer version are kept.
func (a *LeaderShardAction) Recover(ctx context.Context, id routing.ShardID, target string, replicas ShardTransport) error {
	shard, err := a.shards.Get(id)
	if err != nil {
		return errors.Wrapf(err, "recover %s", id)
	}
	writes, err := shard.Snapshot()
	if err != nil {
		return errors.Wrapf(err, "recover %s: snapshot", id)
	}

	for start := 0; start < len(writes); start += recoveryBatch {
		end := min(start+recoveryBatch, len(writes))
		req := &ReplicaShardRequest{ShardID: id, Items: make([]Item, 0, end-start)}
		for i, w := range writes[start:end] {
			req.Items = append(req.Items, Item{Slot: start + i, Op: recoveryOp(id.Index, w)})
		}
		resp, err := replicas.Replica(ctx, target, req)
		if err != nil {
			return errors.Wrapf(err, "recover %s on %s", id, target)
		}
		for _, f := range resp.Failures {
			if !strings.Contains(f.Message, storage.ErrVersionConflict.Error()) {
				return errors.Errorf("recover %s on %s: [%s]: %s", id, target, f.ID, f.Message)
			}
		}
	}
	a.logger.WithField("action", "recover").WithField("shard", id.String()).
		WithField("target", target).WithField("records", len(writes)).Info("copied shard to recovering copy")
	return nil
}

func recoveryOp(index string, w storage.ReplicaWrite) Operation {
	meta := Meta{Index: index, Type: w.Type, ID: w.ID, Routing: w.Routing, Version: w.Version}
	if w.Deleted {
		return DeleteOp{Meta: meta}
	}
	return IndexOp{Meta: meta, Source: w.Source}
}

// RecoverCopies puts failed copies back into the write path. Each copy is
// filled from its shard's leader, reactivated, and filled again so that
// writes coordinated while the first copy ran are not missed. A copy that
// cannot be filled is failed again and retried on the next call.
func (c *Coordinator) RecoverCopies(ctx context.Context) error {
	var result *multierror.Error
	for _, fc := range c.router.FailedCopies() {
		rt, err := c.router.Routing(fc.ShardID)
		if err != nil || rt.Leader == nil || rt.Leader.NodeID == fc.NodeID {
			continue
		}
		leader := rt.Leader.NodeID
		if err := c.transport.Recover(ctx, leader, fc.ShardID, fc.NodeID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		c.router.ActivateShard(fc.ShardID, fc.NodeID)
		if err := c.transport.Recover(ctx, leader, fc.ShardID, fc.NodeID); err != nil {
			c.router.FailShard(fc.ShardID, fc.NodeID, err.Error())
			result = multierror.Append(result, err)
			continue
		}
		c.logger.WithField("action", "recover").WithField("shard", fc.ShardID.String()).
			WithField("node", fc.NodeID).WithField("reason", fc.Reason).Info("failed copy recovered")
	}
	return result.ErrorOrNil()
}
