package action

import (
	"errors"
	"fmt"

	"ingest/internal/routing"
	"ingest/internal/storage"
)

var (
	// ErrNoOperations is returned for a request without operations.
	ErrNoOperations = errors.New("no operations")
	// ErrRoutingMissing fails an operation on an index that requires a
	// routing key when none was given.
	ErrRoutingMissing = errors.New("routing is required")
	// ErrDocumentParse fails an index operation whose source is not a JSON
	// object.
	ErrDocumentParse = errors.New("failed to parse document")
	// ErrQuorumNotReached fails a single-document write whose shard has too
	// few live copies.
	ErrQuorumNotReached = errors.New("quorum not reached")
)

// ShardError fails a request because one shard could not be written on its
// leader.
type ShardError struct {
	ShardID routing.ShardID
	NodeID  string
	Err     error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %s on node %s: %v", e.ShardID, e.NodeID, e.Err)
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the request can be retried as a whole.
func IsRetryable(err error) bool {
	return errors.Is(err, storage.ErrShardNotAvailable)
}

// ignoreReplicaError reports whether a failed replica copy stays in the
// write path.
func ignoreReplicaError(err error) bool {
	return errors.Is(err, storage.ErrShardNotAvailable) || errors.Is(err, storage.ErrVersionConflict)
}

var errNoLeader = fmt.Errorf("no active leader copy: %w", storage.ErrShardNotAvailable)
