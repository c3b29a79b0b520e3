package action

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"ingest/internal/quorum"
	"ingest/internal/routing"
)

// DefaultTimeout bounds a request when it sets no timeout.
const DefaultTimeout = time.Minute

// Request is a batch of operations dispatched together.
type Request struct {
	IngestID    int64
	Consistency quorum.Level
	// RequireQuorum makes leaders skip shards whose quorum is unreachable
	// instead of writing them without replicas.
	RequireQuorum bool
	Timeout       time.Duration
	Ops           []Operation

	size    int64
	created time.Time
}

// NewRequest opens an empty batch.
func NewRequest() *Request {
	return &Request{Consistency: quorum.Default, created: time.Now()}
}

// Add appends an operation. Nil operations are ignored.
func (r *Request) Add(op Operation) {
	if op == nil {
		return
	}
	r.Ops = append(r.Ops, op)
	r.size += op.EstimatedSize()
}

// Len returns the number of operations.
func (r *Request) Len() int {
	return len(r.Ops)
}

// EstimatedSize returns the estimated byte volume of the batch.
func (r *Request) EstimatedSize() int64 {
	return r.size
}

// Created returns when the batch was opened.
func (r *Request) Created() time.Time {
	return r.created
}

// Validate checks every operation and reports all problems at once.
func (r *Request) Validate() error {
	if len(r.Ops) == 0 {
		return ErrNoOperations
	}
	var result *multierror.Error
	for i, op := range r.Ops {
		if op == nil {
			result = multierror.Append(result, fmt.Errorf("[%d]: operation is missing", i))
			continue
		}
		m := op.Metadata()
		if m.Index == "" {
			result = multierror.Append(result, fmt.Errorf("[%d]: index is missing", i))
		}
		if m.Type == "" {
			result = multierror.Append(result, fmt.Errorf("[%d]: type is missing", i))
		}
		if op.requiresID() && m.ID == "" {
			result = multierror.Append(result, fmt.Errorf("[%d]: id is missing", i))
		}
		if err := m.VersionType.Validate(m.Version); err != nil {
			result = multierror.Append(result, fmt.Errorf("[%d]: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

// Item is an operation together with its position in the Request.
// A nil Op marks a slot the leader rejected.
type Item struct {
	Slot int
	Op   Operation
}

// ShardRequest carries a request's items for one shard to its leader.
type ShardRequest struct {
	IngestID      int64
	ShardID       routing.ShardID
	Consistency   quorum.Level
	RequireQuorum bool
	Items         []Item
}

// ReplicaShardRequest carries the leader-accepted items to one replica.
// Ordinals start at 1.
type ReplicaShardRequest struct {
	IngestID int64
	ShardID  routing.ShardID
	Ordinal  int
	Items    []Item
}
