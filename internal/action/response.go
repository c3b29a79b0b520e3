package action

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ingest/internal/quorum"
	"ingest/internal/routing"
)

// Failure records one operation that was not applied.
type Failure struct {
	IngestID int64
	ShardID  routing.ShardID
	Slot     int
	ID       string
	Message  string
}

// LeaderShardResponse is the leader's outcome for one shard. Items holds
// the leader-applied operations, with nil in rejected slots.
type LeaderShardResponse struct {
	IngestID     int64
	ShardID      routing.ShardID
	NodeID       string
	SuccessCount int
	// QuorumShards is the number of copies, leader included, that must
	// acknowledge, or quorum.Unreachable.
	QuorumShards int
	Items        []Item
	Failures     []Failure
	Took         time.Duration
}

// ReplicaShardResponse is one replica copy's outcome for one shard.
type ReplicaShardResponse struct {
	IngestID     int64
	ShardID      routing.ShardID
	NodeID       string
	Ordinal      int
	SuccessCount int
	Failures     []Failure
	Took         time.Duration
}

// ShardResult merges a shard's leader and replica responses.
type ShardResult struct {
	Leader   *LeaderShardResponse
	Replicas []*ReplicaShardResponse
	// QuorumMet reports whether enough copies acknowledged every item.
	QuorumMet bool
}

// QuorumUnreachable reports whether replica dispatch was skipped because
// too few copies are live.
func (r ShardResult) QuorumUnreachable() bool {
	return r.Leader != nil && r.Leader.QuorumShards == quorum.Unreachable
}

// Response is the aggregated outcome of a Request.
type Response struct {
	IngestID int64
	Took     time.Duration
	Shards   []ShardResult
}

// SuccessCount returns the number of operations the leaders applied.
func (r *Response) SuccessCount() int {
	n := 0
	for _, s := range r.Shards {
		if s.Leader != nil {
			n += s.Leader.SuccessCount
		}
	}
	return n
}

// Failures returns the operations rejected by their leader, ordered by slot.
func (r *Response) Failures() []Failure {
	var out []Failure
	for _, s := range r.Shards {
		if s.Leader != nil {
			out = append(out, s.Leader.Failures...)
		}
	}
	sortFailures(out)
	return out
}

// ReplicaFailures returns every failure reported by replica copies.
func (r *Response) ReplicaFailures() []Failure {
	var out []Failure
	for _, s := range r.Shards {
		for _, rr := range s.Replicas {
			out = append(out, rr.Failures...)
		}
	}
	return out
}

// HasFailures reports whether any operation was rejected by its leader.
func (r *Response) HasFailures() bool {
	for _, s := range r.Shards {
		if s.Leader != nil && len(s.Leader.Failures) > 0 {
			return true
		}
	}
	return false
}

// FailureMessage describes every leader failure, one per line.
func (r *Response) FailureMessage() string {
	var b strings.Builder
	b.WriteString("failure in bulk execution:")
	for _, f := range r.Failures() {
		fmt.Fprintf(&b, "\n[%d]: index [%s], id [%s], message [%s]", f.Slot, f.ShardID.Index, f.ID, f.Message)
	}
	return b.String()
}

func sortFailures(fs []Failure) {
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Slot < fs[j].Slot })
}
