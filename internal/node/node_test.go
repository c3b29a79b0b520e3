package node

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/ring"
	"ingest/internal/river"
	"ingest/internal/routing"
	"ingest/internal/transport"
)

func newTestNode(t *testing.T, id string, seeds ...ring.Node) *Node {
	t.Helper()
	logger, _ := test.NewNullLogger()
	n, err := New(Config{
		ID:             id,
		ListenAddr:     "127.0.0.1:0",
		Seeds:          seeds,
		ProbeInterval:  50 * time.Millisecond,
		SuspectTimeout: time.Second,
		RefreshTick:    time.Hour,
		IndexDefaults:  cluster.IndexMeta{Shards: 2, Replicas: 1, RefreshInterval: time.Hour},
		Registerer:     prometheus.NewRegistry(),
		Rivers:         []river.State{{Name: "local-feed", Type: "rss", Enabled: true}},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func docs(index string, from, to int) *action.Request {
	req := action.NewRequest()
	for i := from; i < to; i++ {
		req.Add(action.NewIndexOp(index, "event", strconv.Itoa(i), []byte(`{"n":`+strconv.Itoa(i)+`}`)))
	}
	return req
}

func TestNode_SingleNodeIngest(t *testing.T) {
	n := newTestNode(t, "n1")
	ctx := context.Background()
	a := &admin{n: n}

	resp, err := n.Coordinator().Ingest(ctx, docs("logs", 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, resp.SuccessCount())
	assert.Empty(t, resp.Failures())

	meta, err := a.GetIndex(ctx, "logs")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Shards)
	assert.Equal(t, 1, meta.Replicas)

	// The replica copy has no node to live on; the leader alone is a
	// quorum of one replica.
	for _, shard := range resp.Shards {
		assert.Equal(t, 1, shard.Leader.QuorumShards)
		assert.Empty(t, shard.Replicas)
	}

	require.NoError(t, a.Refresh(ctx, "logs", false))
	count, err := a.Count(ctx, "logs", false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	doc, err := a.Get(ctx, "logs", "event", "3", false)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"n":3}`, string(doc.Source))

	doc, err = a.Get(ctx, "logs", "event", "missing", false)
	require.NoError(t, err)
	assert.Nil(t, doc)

	_, err = a.Count(ctx, "other", false)
	assert.ErrorIs(t, err, cluster.ErrIndexNotFound)

	health, err := a.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.Yellow, health.Status)
	assert.Equal(t, 1, health.DataNodes)
}

func TestNode_MappingUpdates(t *testing.T) {
	n := newTestNode(t, "n1")
	ctx := context.Background()

	_, err := n.Coordinator().Ingest(ctx, docs("logs", 0, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		meta, err := n.State().Index("logs")
		return err == nil && assert.ObjectsAreEqual([]string{"n"}, meta.Fields["event"])
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_RefreshHonorsInterval(t *testing.T) {
	n := newTestNode(t, "n1")
	ctx := context.Background()
	a := &admin{n: n}

	_, err := a.CreateIndex(ctx, cluster.IndexMeta{Name: "logs", Shards: 1, RefreshInterval: time.Minute})
	require.NoError(t, err)
	_, err = a.CreateIndex(ctx, cluster.IndexMeta{Name: "bulk", Shards: 1, RefreshInterval: -1})
	require.NoError(t, err)

	count := func(index string) int64 {
		c, err := a.Count(ctx, index, true)
		require.NoError(t, err)
		return c
	}

	_, err = n.Coordinator().Ingest(ctx, docs("logs", 0, 5))
	require.NoError(t, err)
	_, err = n.Coordinator().Ingest(ctx, docs("bulk", 0, 5))
	require.NoError(t, err)

	start := time.Now()
	n.refreshDue(start)
	assert.Equal(t, int64(5), count("logs"))
	assert.Equal(t, int64(0), count("bulk"))

	_, err = n.Coordinator().Ingest(ctx, docs("logs", 5, 8))
	require.NoError(t, err)
	n.refreshDue(start.Add(30 * time.Second))
	assert.Equal(t, int64(5), count("logs"))

	n.refreshDue(start.Add(time.Minute))
	assert.Equal(t, int64(8), count("logs"))

	interval := time.Duration(0)
	_, err = a.UpdateSettings(ctx, "bulk", transport.Settings{RefreshInterval: &interval})
	require.NoError(t, err)
	n.refreshDue(start.Add(time.Minute))
	assert.Equal(t, int64(5), count("bulk"))
}

func TestNode_RiverStates(t *testing.T) {
	n := newTestNode(t, "n1")
	ctx := context.Background()
	a := &admin{n: n}

	states, err := a.RiverStates(ctx, "*")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "local-feed", states[0].Name)

	_, err = a.RiverStates(ctx, "remote-feed")
	assert.ErrorIs(t, err, river.ErrUnknownRiver)

	st := river.State{Name: "remote-feed", Type: "rss", Counter: 7, Coordinates: river.DefaultCoordinates("remote-feed")}
	require.NoError(t, st.Save(ctx, documents{n: n}))

	states, err = a.RiverStates(ctx, "remote-feed")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, int64(7), states[0].Counter)
}

func TestNode_TwoNodes(t *testing.T) {
	n1 := newTestNode(t, "n1")
	n2 := newTestNode(t, "n2", ring.Node{ID: "n1", Addr: n1.Addr()})
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return n1.State().DataNodes() == 2 && n2.State().DataNodes() == 2
	}, 10*time.Second, 20*time.Millisecond)

	resp, err := n1.Coordinator().Ingest(ctx, docs("logs", 0, 100))
	require.NoError(t, err)
	assert.Equal(t, 100, resp.SuccessCount())
	for _, shard := range resp.Shards {
		assert.Equal(t, 1, shard.Leader.QuorumShards)
		assert.True(t, shard.QuorumMet)
		require.Len(t, shard.Replicas, 1)
	}

	_, err = n2.State().Index("logs")
	require.NoError(t, err)

	a2 := &admin{n: n2}
	require.NoError(t, a2.Refresh(ctx, "logs", false))
	count, err := a2.Count(ctx, "logs", false)
	require.NoError(t, err)
	assert.Equal(t, int64(100), count)

	for _, id := range []string{"1", "42", "99"} {
		doc, err := a2.Get(ctx, "logs", "event", id, false)
		require.NoError(t, err)
		require.NotNil(t, doc, id)
		assert.Equal(t, int64(1), doc.Version)
	}

	// Every copy holds every document of its shard.
	var copies int64
	for _, n := range []*Node{n1, n2} {
		for _, id := range n.shards.Shards() {
			shard, err := n.shards.Get(id)
			require.NoError(t, err)
			c, err := shard.Count()
			require.NoError(t, err)
			copies += c
		}
	}
	assert.Equal(t, int64(200), copies)
}

func TestNode_RecoversFailedCopies(t *testing.T) {
	n1 := newTestNode(t, "n1")
	n2 := newTestNode(t, "n2", ring.Node{ID: "n1", Addr: n1.Addr()})
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return n1.State().DataNodes() == 2 && n2.State().DataNodes() == 2
	}, 10*time.Second, 20*time.Millisecond)

	_, err := n1.Coordinator().Ingest(ctx, docs("logs", 0, 10))
	require.NoError(t, err)

	// Take every replica copy out of n1's write path, then keep writing.
	meta, err := n1.State().Index("logs")
	require.NoError(t, err)
	for shard := 0; shard < meta.Shards; shard++ {
		id := routing.ShardID{Index: "logs", Shard: shard}
		rt, err := n1.State().Routing(id)
		require.NoError(t, err)
		for _, c := range rt.Replicas {
			n1.State().FailShard(id, c.NodeID, "replica timed out")
		}
	}
	resp, err := n1.Coordinator().Ingest(ctx, docs("logs", 10, 30))
	require.NoError(t, err)
	for _, shard := range resp.Shards {
		assert.Empty(t, shard.Replicas)
	}

	require.NoError(t, n1.Coordinator().RecoverCopies(ctx))
	assert.Empty(t, n1.State().FailedCopies())

	require.NoError(t, (&admin{n: n1}).Refresh(ctx, "logs", false))
	var copies int64
	for _, n := range []*Node{n1, n2} {
		for _, id := range n.shards.Shards() {
			shard, err := n.shards.Get(id)
			require.NoError(t, err)
			c, err := shard.Count()
			require.NoError(t, err)
			copies += c
		}
	}
	assert.Equal(t, int64(60), copies)
}
