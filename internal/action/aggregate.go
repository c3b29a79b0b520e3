package action

import (
	"context"
	"sync"
	"time"

	"ingest/internal/quorum"
)

// aggregator merges shard responses for one ingest id. It expects one
// leader response per shard plus as many replica responses as each leader
// announces, and finishes exactly once: when nothing is outstanding, or on
// the first request-level failure.
type aggregator struct {
	mu      sync.Mutex
	start   time.Time
	resp    *Response
	pending int
	err     error
	done    chan struct{}
	closed  bool
}

func newAggregator(ingestID int64, shards int) *aggregator {
	a := &aggregator{
		start:   time.Now(),
		resp:    &Response{IngestID: ingestID, Shards: make([]ShardResult, shards)},
		pending: shards,
		done:    make(chan struct{}),
	}
	if shards == 0 {
		a.finishLocked()
	}
	return a
}

// leader records shard i's leader response and the number of replica
// responses that will follow it.
func (a *aggregator) leader(i int, lr *LeaderShardResponse, replicas int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.resp.Shards[i].Leader = lr
	a.pending += replicas
	a.decLocked()
}

// replica records one replica response of shard i.
func (a *aggregator) replica(i int, rr *ReplicaShardResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.resp.Shards[i].Replicas = append(a.resp.Shards[i].Replicas, rr)
	a.decLocked()
}

// fail finishes the request with err unless it already finished.
func (a *aggregator) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.err = err
	a.finishLocked()
}

func (a *aggregator) decLocked() {
	a.pending--
	if a.pending == 0 {
		a.finishLocked()
	}
}

func (a *aggregator) finishLocked() {
	for i := range a.resp.Shards {
		s := &a.resp.Shards[i]
		if s.Leader == nil {
			continue
		}
		acks := 0
		for _, rr := range s.Replicas {
			if len(rr.Failures) == 0 {
				acks++
			}
		}
		s.QuorumMet = quorum.Met(s.Leader.QuorumShards, acks)
	}
	a.resp.Took = time.Since(a.start)
	a.closed = true
	close(a.done)
}

// wait blocks until the aggregator finishes or ctx is done. Outstanding
// shard work is not cancelled when ctx expires.
func (a *aggregator) wait(ctx context.Context) (*Response, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.resp, nil
}
