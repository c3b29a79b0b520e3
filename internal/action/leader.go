package action

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ingest/internal/quorum"
	"ingest/internal/routing"
	"ingest/internal/storage"
)

// Shards resolves the shard copies held by the local node.
type Shards interface {
	Get(id routing.ShardID) (storage.Shard, error)
}

// Topology reports the copies of a shard for quorum computation.
type Topology interface {
	Topology(id routing.ShardID) (quorum.Topology, error)
}

// LeaderShardAction applies a shard's items on its leader copy.
type LeaderShardAction struct {
	shards   Shards
	topology Topology
	metadata Metadata
	mappings MappingUpdater
	policy   quorum.Policy
	logger   logrus.FieldLogger
}

// NewLeaderShardAction creates the leader side of the write path.
func NewLeaderShardAction(shards Shards, topology Topology, metadata Metadata,
	mappings MappingUpdater, policy quorum.Policy, logger logrus.FieldLogger,
) *LeaderShardAction {
	return &LeaderShardAction{
		shards:   shards,
		topology: topology,
		metadata: metadata,
		mappings: mappings,
		policy:   policy,
		logger:   logger.WithField("component", "leader_shard_action"),
	}
}

// Execute applies the items in order. Items that fail are recorded and
// nulled out of the response. If the shard becomes unavailable the whole
// shard batch is aborted with an error; the request's operations are never
// modified, so a retry carries the originally requested versions.
func (a *LeaderShardAction) Execute(ctx context.Context, req *ShardRequest) (*LeaderShardResponse, error) {
	start := time.Now()

	shard, err := a.shards.Get(req.ShardID)
	if err != nil {
		return nil, errors.Wrapf(err, "ingest %d", req.IngestID)
	}

	resp := &LeaderShardResponse{
		IngestID: req.IngestID,
		ShardID:  req.ShardID,
		Items:    make([]Item, len(req.Items)),
	}
	if req.RequireQuorum {
		if required := a.requiredCopies(req); required == quorum.Unreachable {
			for i, item := range req.Items {
				resp.Items[i].Slot = item.Slot
			}
			resp.QuorumShards = required
			resp.Took = time.Since(start)
			return resp, nil
		}
	}
	for i, item := range req.Items {
		resp.Items[i].Slot = item.Slot
		if item.Op == nil {
			continue
		}
		applied, err := a.apply(shard, item.Op)
		if err != nil {
			if IsRetryable(err) {
				a.logger.WithField("action", "leader_ingest").WithField("shard", req.ShardID.String()).
					WithField("ingest_id", req.IngestID).WithField("applied", resp.SuccessCount).
					WithError(err).Warn("shard not available, aborting shard batch")
				return nil, errors.Wrapf(err, "ingest %d", req.IngestID)
			}
			resp.Failures = append(resp.Failures, Failure{
				IngestID: req.IngestID,
				ShardID:  req.ShardID,
				Slot:     item.Slot,
				ID:       item.Op.Metadata().ID,
				Message:  err.Error(),
			})
			continue
		}
		resp.Items[i].Op = applied
		resp.SuccessCount++
	}

	resp.QuorumShards = a.requiredCopies(req)
	resp.Took = time.Since(start)
	return resp, nil
}

func (a *LeaderShardAction) apply(shard storage.Shard, op Operation) (Operation, error) {
	m := op.Metadata()
	if m.Routing == "" && a.metadata.RoutingRequired(m.Index) {
		return nil, errors.Wrapf(ErrRoutingMissing, "[%s][%s][%s]", m.Index, m.Type, m.ID)
	}
	fields, err := op.fields()
	if err != nil {
		return nil, errors.Wrapf(ErrDocumentParse, "[%s][%s][%s]: %v", m.Index, m.Type, m.ID, err)
	}
	if len(fields) > 0 {
		if unknown := a.metadata.UnknownFields(m.Index, m.Type, fields); len(unknown) > 0 {
			a.updateMapping(m.Index, m.Type, unknown)
		}
	}
	return op.applyLeader(shard)
}

func (a *LeaderShardAction) updateMapping(index, typ string, fields []string) {
	if a.mappings == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.mappings.UpdateMapping(ctx, index, typ, fields); err != nil {
			a.logger.WithField("action", "update_mapping").WithField("index", index).
				WithField("type", typ).WithError(err).Warn("failed to send mapping update")
		}
	}()
}

// requiredCopies computes the quorum from the shard's topology; the number
// of successful items does not matter.
func (a *LeaderShardAction) requiredCopies(req *ShardRequest) int {
	topo, err := a.topology.Topology(req.ShardID)
	if err != nil {
		a.logger.WithField("action", "leader_ingest").WithField("shard", req.ShardID.String()).
			WithError(err).Warn("no topology for shard")
		return quorum.Unreachable
	}
	return quorum.Required(req.Consistency, topo, a.policy)
}
