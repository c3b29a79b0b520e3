package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest/internal/quorum"
)

func TestAggregator_FinishesWhenAllResponsesArrive(t *testing.T) {
	agg := newAggregator(5, 2)

	agg.leader(0, &LeaderShardResponse{SuccessCount: 2, QuorumShards: 2}, 2)
	agg.leader(1, &LeaderShardResponse{SuccessCount: 1, QuorumShards: 0}, 0)
	select {
	case <-agg.done:
		t.Fatal("finished before replicas answered")
	default:
	}

	agg.replica(0, &ReplicaShardResponse{Ordinal: 1, SuccessCount: 2})
	agg.replica(0, &ReplicaShardResponse{Ordinal: 2, Failures: []Failure{{Slot: 0}, {Slot: 1}}})

	resp, err := agg.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.IngestID)
	assert.Equal(t, 3, resp.SuccessCount())
	assert.Len(t, resp.Shards[0].Replicas, 2)
	assert.True(t, resp.Shards[0].QuorumMet)
	assert.True(t, resp.Shards[1].QuorumMet)
	assert.Len(t, resp.ReplicaFailures(), 2)
}

func TestAggregator_QuorumMissedWhenReplicasFail(t *testing.T) {
	agg := newAggregator(1, 1)
	agg.leader(0, &LeaderShardResponse{SuccessCount: 1, QuorumShards: 3}, 2)
	agg.replica(0, &ReplicaShardResponse{SuccessCount: 1})
	agg.replica(0, &ReplicaShardResponse{Failures: []Failure{{Slot: 0}}})

	resp, err := agg.wait(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Shards[0].QuorumMet)
}

func TestAggregator_FailIsFinal(t *testing.T) {
	agg := newAggregator(1, 2)
	agg.leader(0, &LeaderShardResponse{QuorumShards: quorum.Unreachable}, 0)

	boom := errors.New("boom")
	agg.fail(boom)
	agg.fail(errors.New("second"))
	agg.leader(1, &LeaderShardResponse{}, 0)

	_, err := agg.wait(context.Background())
	assert.Equal(t, boom, err)
}

func TestAggregator_EmptyFinishesImmediately(t *testing.T) {
	resp, err := newAggregator(1, 0).wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resp.Shards)
}

func TestAggregator_WaitHonoursContext(t *testing.T) {
	agg := newAggregator(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := agg.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
