package action

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"ingest/internal/cluster"
	"ingest/internal/quorum"
	"ingest/internal/ring"
	"ingest/internal/routing"
	"ingest/internal/storage"
)

type testNode struct {
	registry *storage.Registry
	leader   *LeaderShardAction
	replica  *ReplicaShardAction
}

// testCluster wires leader and replica actions of several in-process nodes
// around one shared cluster state.
type testCluster struct {
	t       *testing.T
	state   *cluster.State
	nodes   map[string]*testNode
	updates chan []string

	leaderCalls  atomic.Int64
	replicaCalls atomic.Int64
	replicaErr   func(nodeID string) error
}

func newTestCluster(t *testing.T, nodeIDs ...string) *testCluster {
	t.Helper()
	logger, _ := test.NewNullLogger()
	tc := &testCluster{
		t:       t,
		state:   cluster.NewState(nodeIDs[0], 64, logger),
		nodes:   make(map[string]*testNode),
		updates: make(chan []string, 64),
	}
	ringNodes := make([]ring.Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		ringNodes = append(ringNodes, ring.Node{ID: id, Addr: id})
		reg := storage.NewRegistry(storage.MemoryOpener())
		tc.nodes[id] = &testNode{
			registry: reg,
			leader:   NewLeaderShardAction(reg, tc.state, tc.state, tc, quorum.Policy{}, logger),
			replica:  NewReplicaShardAction(reg, logger),
		}
	}
	tc.state.SetNodes(ringNodes)
	return tc
}

func (tc *testCluster) coordinator() *Coordinator {
	logger, _ := test.NewNullLogger()
	return NewCoordinator(tc.state, tc, tc, nil, logger)
}

func (tc *testCluster) createIndex(meta cluster.IndexMeta) {
	tc.t.Helper()
	_, err := tc.state.CreateIndex(meta)
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.openShards(meta.Name))
}

func (tc *testCluster) openShards(index string) error {
	meta, err := tc.state.Index(index)
	if err != nil {
		return err
	}
	for shard := 0; shard < meta.Shards; shard++ {
		rt, err := tc.state.Routing(routing.ShardID{Index: index, Shard: shard})
		if err != nil {
			return err
		}
		copies := append([]routing.Copy(nil), rt.Replicas...)
		if rt.Leader != nil {
			copies = append(copies, *rt.Leader)
		}
		for _, c := range copies {
			if _, err := tc.nodes[c.NodeID].registry.Open(rt.ShardID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tc *testCluster) shard(nodeID string, id routing.ShardID) storage.Shard {
	tc.t.Helper()
	s, err := tc.nodes[nodeID].registry.Get(id)
	require.NoError(tc.t, err)
	return s
}

// count refreshes every leader copy of the index and sums their documents.
func (tc *testCluster) count(index string) int64 {
	tc.t.Helper()
	meta, err := tc.state.Index(index)
	require.NoError(tc.t, err)

	var total int64
	for shard := 0; shard < meta.Shards; shard++ {
		id := routing.ShardID{Index: index, Shard: shard}
		rt, err := tc.state.Routing(id)
		require.NoError(tc.t, err)
		s := tc.shard(rt.Leader.NodeID, id)
		require.NoError(tc.t, s.Refresh())
		n, err := s.Count()
		require.NoError(tc.t, err)
		total += n
	}
	return total
}

func (tc *testCluster) EnsureIndex(_ context.Context, index string) error {
	if _, err := tc.state.Index(index); err == nil {
		return nil
	}
	_, err := tc.state.CreateIndex(cluster.IndexMeta{Name: index, Shards: 1})
	if err != nil && !errors.Is(err, cluster.ErrIndexExists) {
		return err
	}
	return tc.openShards(index)
}

func (tc *testCluster) UpdateMapping(_ context.Context, index, typ string, fields []string) error {
	if _, _, err := tc.state.MergeFields(index, typ, fields); err != nil {
		return err
	}
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	select {
	case tc.updates <- sorted:
	default:
	}
	return nil
}

func (tc *testCluster) Leader(ctx context.Context, nodeID string, req *ShardRequest) (*LeaderShardResponse, error) {
	tc.leaderCalls.Add(1)
	return tc.nodes[nodeID].leader.Execute(ctx, req)
}

func (tc *testCluster) Replica(ctx context.Context, nodeID string, req *ReplicaShardRequest) (*ReplicaShardResponse, error) {
	tc.replicaCalls.Add(1)
	if tc.replicaErr != nil {
		if err := tc.replicaErr(nodeID); err != nil {
			return nil, err
		}
	}
	return tc.nodes[nodeID].replica.Execute(ctx, req)
}

func (tc *testCluster) Recover(ctx context.Context, leaderID string, id routing.ShardID, target string) error {
	return tc.nodes[leaderID].leader.Recover(ctx, id, target, tc)
}

func docs(index string, n int) *Request {
	req := NewRequest()
	for i := 0; i < n; i++ {
		req.Add(NewIndexOp(index, "doc", strconv.Itoa(i), []byte(`{"n":1}`)))
	}
	return req
}
