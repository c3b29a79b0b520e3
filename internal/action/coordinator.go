package action

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ingest/internal/quorum"
	"ingest/internal/routing"
)

// Router resolves documents to shards and shards to their copies.
type Router interface {
	Route(index, id, routingKey string) (routing.ShardID, error)
	Routing(id routing.ShardID) (routing.ShardRouting, error)
	FailShard(id routing.ShardID, nodeID, reason string)
	ActivateShard(id routing.ShardID, nodeID string)
	FailedCopies() []routing.FailedCopy
}

// IndexCreator creates missing indices before they are written to.
type IndexCreator interface {
	EnsureIndex(ctx context.Context, index string) error
}

// ShardTransport delivers shard requests to the node holding a copy.
type ShardTransport interface {
	Leader(ctx context.Context, nodeID string, req *ShardRequest) (*LeaderShardResponse, error)
	Replica(ctx context.Context, nodeID string, req *ReplicaShardRequest) (*ReplicaShardResponse, error)
	// Recover asks the leader copy on leaderID to fill the copy on target.
	Recover(ctx context.Context, leaderID string, id routing.ShardID, target string) error
}

// Coordinator runs requests through the leader and replica stages.
type Coordinator struct {
	router    Router
	indices   IndexCreator
	transport ShardTransport
	metrics   *Metrics
	logger    logrus.FieldLogger

	// maxShardFanout bounds concurrent leader dispatches per request.
	maxShardFanout int
}

// NewCoordinator creates a coordinator. indices may be nil to disable
// automatic index creation.
func NewCoordinator(router Router, indices IndexCreator, transport ShardTransport,
	metrics *Metrics, logger logrus.FieldLogger,
) *Coordinator {
	return &Coordinator{
		router:         router,
		indices:        indices,
		transport:      transport,
		metrics:        metrics,
		logger:         logger.WithField("component", "coordinator"),
		maxShardFanout: 16,
	}
}

// Ingest executes a request. It returns the aggregated response once every
// leader and every dispatched replica has answered. A leader that cannot
// take the shard's batch fails the whole request with a *ShardError.
func (c *Coordinator) Ingest(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := c.ingest(ctx, req)
	if err != nil {
		c.metrics.IncRequestsFailed(time.Since(start))
		c.logger.WithField("action", "ingest").WithField("ingest_id", req.IngestID).
			WithField("operations", req.Len()).WithError(err).Warn("ingest request failed")
		return nil, err
	}
	c.metrics.ObserveResponse(resp)
	return resp, nil
}

func (c *Coordinator) ingest(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrapf(err, "ingest %d: validation failed", req.IngestID)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.ensureIndices(ctx, req); err != nil {
		return nil, err
	}
	groups, err := c.group(req)
	if err != nil {
		return nil, err
	}

	agg := newAggregator(req.IngestID, len(groups))
	var g errgroup.Group
	g.SetLimit(c.maxShardFanout)
	for i, sreq := range groups {
		g.Go(func() error {
			return c.executeShard(ctx, agg, i, sreq)
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			agg.fail(err)
		}
	}()
	return agg.wait(ctx)
}

func (c *Coordinator) ensureIndices(ctx context.Context, req *Request) error {
	if c.indices == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, op := range req.Ops {
		index := op.Metadata().Index
		if seen[index] {
			continue
		}
		seen[index] = true
		if err := c.indices.EnsureIndex(ctx, index); err != nil {
			return errors.Wrapf(err, "ingest %d: create index %s", req.IngestID, index)
		}
	}
	return nil
}

// group splits the request by shard, keeping request order within a shard,
// and assigns ids to index operations that have none.
func (c *Coordinator) group(req *Request) ([]*ShardRequest, error) {
	byShard := make(map[routing.ShardID]*ShardRequest)
	for slot, op := range req.Ops {
		op = WithGeneratedID(op)
		m := op.Metadata()
		id, err := c.router.Route(m.Index, m.ID, m.Routing)
		if err != nil {
			return nil, errors.Wrapf(err, "ingest %d: route [%d]", req.IngestID, slot)
		}
		sreq, ok := byShard[id]
		if !ok {
			sreq = &ShardRequest{
				IngestID:      req.IngestID,
				ShardID:       id,
				Consistency:   req.Consistency,
				RequireQuorum: req.RequireQuorum,
			}
			byShard[id] = sreq
		}
		sreq.Items = append(sreq.Items, Item{Slot: slot, Op: op})
	}

	groups := make([]*ShardRequest, 0, len(byShard))
	for _, sreq := range byShard {
		groups = append(groups, sreq)
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].ShardID, groups[j].ShardID
		if a.Index == b.Index {
			return a.Shard < b.Shard
		}
		return a.Index < b.Index
	})
	return groups, nil
}

// executeShard runs the leader stage of one shard and starts its replica
// stage. It returns an error only when the leader stage failed.
func (c *Coordinator) executeShard(ctx context.Context, agg *aggregator, i int, sreq *ShardRequest) error {
	rt, err := c.router.Routing(sreq.ShardID)
	if err != nil {
		return &ShardError{ShardID: sreq.ShardID, Err: err}
	}
	if rt.Leader == nil {
		return &ShardError{ShardID: sreq.ShardID, Err: errors.Wrap(errNoLeader, sreq.ShardID.String())}
	}

	lr, err := c.transport.Leader(ctx, rt.Leader.NodeID, sreq)
	if err != nil {
		return &ShardError{ShardID: sreq.ShardID, NodeID: rt.Leader.NodeID, Err: err}
	}
	lr.NodeID = rt.Leader.NodeID

	replicas := rt.ActiveReplicas()
	if lr.QuorumShards == quorum.Unreachable {
		c.logger.WithField("action", "ingest").WithField("shard", sreq.ShardID.String()).
			WithField("ingest_id", sreq.IngestID).Warn("quorum not reachable, skipping replicas")
	}
	if lr.QuorumShards <= 0 || lr.SuccessCount == 0 || len(replicas) == 0 {
		agg.leader(i, lr, 0)
		return nil
	}

	items := acceptedItems(lr)
	agg.leader(i, lr, len(replicas))
	for ordinal, cp := range replicas {
		rreq := &ReplicaShardRequest{
			IngestID: sreq.IngestID,
			ShardID:  sreq.ShardID,
			Ordinal:  ordinal + 1,
			Items:    items,
		}
		go func(cp routing.Copy) {
			agg.replica(i, c.executeReplica(ctx, cp, rreq))
		}(cp)
	}
	return nil
}

func (c *Coordinator) executeReplica(ctx context.Context, cp routing.Copy, rreq *ReplicaShardRequest) *ReplicaShardResponse {
	rr, err := c.transport.Replica(ctx, cp.NodeID, rreq)
	if err == nil {
		rr.NodeID = cp.NodeID
		return rr
	}

	if !ignoreReplicaError(err) {
		c.router.FailShard(rreq.ShardID, cp.NodeID, err.Error())
		c.metrics.IncShardCopiesFailed()
	}
	c.logger.WithField("action", "replica_ingest").WithField("shard", rreq.ShardID.String()).
		WithField("node", cp.NodeID).WithField("ingest_id", rreq.IngestID).
		WithError(err).Warn("replica copy failed")

	failed := &ReplicaShardResponse{
		IngestID: rreq.IngestID,
		ShardID:  rreq.ShardID,
		NodeID:   cp.NodeID,
		Ordinal:  rreq.Ordinal,
	}
	for _, item := range rreq.Items {
		failed.Failures = append(failed.Failures, Failure{
			IngestID: rreq.IngestID,
			ShardID:  rreq.ShardID,
			Slot:     item.Slot,
			ID:       item.Op.Metadata().ID,
			Message:  err.Error(),
		})
	}
	return failed
}

// acceptedItems drops the slots the leader rejected.
func acceptedItems(lr *LeaderShardResponse) []Item {
	items := make([]Item, 0, lr.SuccessCount)
	for _, item := range lr.Items {
		if item.Op != nil {
			items = append(items, item)
		}
	}
	return items
}
