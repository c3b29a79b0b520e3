package action

import (
	"github.com/google/uuid"

	"ingest/internal/storage"
	"ingest/internal/version"
)

// RequestOverhead is the estimated number of bytes every operation adds to
// a batch on top of its source.
const RequestOverhead = 50

// Meta addresses a document and carries its optimistic concurrency check.
type Meta struct {
	Index       string
	Type        string
	ID          string
	Routing     string
	Version     int64
	VersionType version.Type
}

// Operation is a write carried by a Request. It is implemented by IndexOp
// and DeleteOp only. Operations are values; the leader returns copies
// carrying the versions it assigned.
type Operation interface {
	Metadata() Meta
	// EstimatedSize is the number of bytes the operation adds to a batch.
	EstimatedSize() int64

	applyLeader(s storage.Shard) (Operation, error)
	applyReplica(s storage.Shard) error
	withID(id string) Operation
	// requiresID reports whether the caller must supply the id; otherwise
	// a missing id is generated.
	requiresID() bool
	// fields returns the top-level fields of the document the operation
	// writes, or nil if it writes none.
	fields() ([]string, error)
	describe(out *WriteResponse)
}

// WithGeneratedID returns op with a random id if it has none and its id
// may be generated. Other operations are returned unchanged.
func WithGeneratedID(op Operation) Operation {
	if op == nil || op.Metadata().ID != "" || op.requiresID() {
		return op
	}
	return op.withID(uuid.NewString())
}

// IndexOp writes a full document.
type IndexOp struct {
	Meta
	Source []byte
	// Create fails the operation if the document already exists.
	Create bool
}

// NewIndexOp returns an index operation matching any current version.
func NewIndexOp(index, typ, id string, source []byte) IndexOp {
	return IndexOp{
		Meta:   Meta{Index: index, Type: typ, ID: id, Version: version.MatchAny},
		Source: source,
	}
}

func (o IndexOp) Metadata() Meta { return o.Meta }

func (o IndexOp) EstimatedSize() int64 {
	return int64(len(o.Source)) + RequestOverhead
}

func (o IndexOp) applyLeader(s storage.Shard) (Operation, error) {
	v, err := s.Index(storage.IndexRequest{
		Type:        o.Type,
		ID:          o.ID,
		Routing:     o.Routing,
		Source:      o.Source,
		Version:     o.Version,
		VersionType: o.VersionType,
		Create:      o.Create,
	})
	if err != nil {
		return nil, err
	}
	o.Version = v
	return o, nil
}

func (o IndexOp) applyReplica(s storage.Shard) error {
	return s.ApplyReplica(storage.ReplicaWrite{
		Type:    o.Type,
		ID:      o.ID,
		Routing: o.Routing,
		Source:  o.Source,
		Version: o.Version,
		Force:   o.VersionType == version.Force,
	})
}

func (o IndexOp) withID(id string) Operation {
	o.ID = id
	return o
}

func (o IndexOp) requiresID() bool { return false }

func (o IndexOp) fields() ([]string, error) {
	return objectFields(o.Source)
}

func (o IndexOp) describe(*WriteResponse) {}

// DeleteOp removes a document.
type DeleteOp struct {
	Meta
	found bool
}

// NewDeleteOp returns a delete operation matching any current version.
func NewDeleteOp(index, typ, id string) DeleteOp {
	return DeleteOp{Meta: Meta{Index: index, Type: typ, ID: id, Version: version.MatchAny}}
}

func (o DeleteOp) Metadata() Meta { return o.Meta }

func (o DeleteOp) EstimatedSize() int64 { return RequestOverhead }

// Found reports whether the leader found a live document to delete. Only
// meaningful on operations returned by the leader.
func (o DeleteOp) Found() bool { return o.found }

func (o DeleteOp) applyLeader(s storage.Shard) (Operation, error) {
	v, found, err := s.Delete(storage.DeleteRequest{
		Type:        o.Type,
		ID:          o.ID,
		Routing:     o.Routing,
		Version:     o.Version,
		VersionType: o.VersionType,
	})
	if err != nil {
		return nil, err
	}
	o.Version = v
	o.found = found
	return o, nil
}

func (o DeleteOp) applyReplica(s storage.Shard) error {
	return s.ApplyReplica(storage.ReplicaWrite{
		Type:    o.Type,
		ID:      o.ID,
		Routing: o.Routing,
		Version: o.Version,
		Deleted: true,
		Force:   o.VersionType == version.Force,
	})
}

func (o DeleteOp) withID(id string) Operation {
	o.ID = id
	return o
}

func (o DeleteOp) requiresID() bool { return true }

func (o DeleteOp) fields() ([]string, error) { return nil, nil }

func (o DeleteOp) describe(out *WriteResponse) {
	out.Found = o.found
}

// RestoreDeleteOp rebuilds a leader-applied delete received over the wire.
func RestoreDeleteOp(meta Meta, found bool) DeleteOp {
	return DeleteOp{Meta: meta, found: found}
}
