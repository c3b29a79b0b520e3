package action

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ReplicaShardAction mirrors leader-applied items on a replica copy.
type ReplicaShardAction struct {
	shards Shards
	logger logrus.FieldLogger
}

// NewReplicaShardAction creates the replica side of the write path.
func NewReplicaShardAction(shards Shards, logger logrus.FieldLogger) *ReplicaShardAction {
	return &ReplicaShardAction{
		shards: shards,
		logger: logger.WithField("component", "replica_shard_action"),
	}
}

// Execute applies every non-nil item at its leader version. A failing item
// is recorded and the remaining items are still applied.
func (a *ReplicaShardAction) Execute(ctx context.Context, req *ReplicaShardRequest) (*ReplicaShardResponse, error) {
	start := time.Now()

	shard, err := a.shards.Get(req.ShardID)
	if err != nil {
		return nil, errors.Wrapf(err, "ingest %d replica %d", req.IngestID, req.Ordinal)
	}

	resp := &ReplicaShardResponse{
		IngestID: req.IngestID,
		ShardID:  req.ShardID,
		Ordinal:  req.Ordinal,
	}
	for _, item := range req.Items {
		if item.Op == nil {
			continue
		}
		if err := item.Op.applyReplica(shard); err != nil {
			resp.Failures = append(resp.Failures, Failure{
				IngestID: req.IngestID,
				ShardID:  req.ShardID,
				Slot:     item.Slot,
				ID:       item.Op.Metadata().ID,
				Message:  err.Error(),
			})
			continue
		}
		resp.SuccessCount++
	}
	if len(resp.Failures) > 0 {
		a.logger.WithField("action", "replica_ingest").WithField("shard", req.ShardID.String()).
			WithField("ingest_id", req.IngestID).WithField("failures", len(resp.Failures)).
			Debug("replica applied batch with failures")
	}
	resp.Took = time.Since(start)
	return resp, nil
}
