package storage

import (
	"errors"
	"fmt"
	"strings"

	"ingest/internal/routing"
	"ingest/internal/version"
)

var (
	// ErrVersionConflict is returned when a write's version check fails.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDocumentExists is returned when a create finds a live document.
	ErrDocumentExists = errors.New("document already exists")
	// ErrShardNotAvailable is returned when the shard is closed or was
	// never opened on this node. Leaders treat it as retryable.
	ErrShardNotAvailable = errors.New("shard not available")
)

// Document is a stored document as returned to readers.
type Document struct {
	Type    string
	ID      string
	Routing string
	Source  []byte
	Version int64
}

// IndexRequest is a leader write of a full document.
type IndexRequest struct {
	Type        string
	ID          string
	Routing     string
	Source      []byte
	Version     int64
	VersionType version.Type
	// Create fails the write if a live document with the same id exists.
	Create bool
}

// DeleteRequest is a leader delete.
type DeleteRequest struct {
	Type        string
	ID          string
	Routing     string
	Version     int64
	VersionType version.Type
}

// ReplicaWrite mirrors a leader write at a fixed version.
type ReplicaWrite struct {
	Type    string
	ID      string
	Routing string
	Source  []byte
	Version int64
	Deleted bool
	// Force replaces the stored document even when it carries a newer
	// version, mirroring a leader write with version.Force.
	Force bool
}

// Shard is the engine behind one shard copy.
type Shard interface {
	ID() routing.ShardID
	// Index applies a leader write and returns the assigned version.
	Index(req IndexRequest) (int64, error)
	// Delete applies a leader delete and returns the assigned version and
	// whether a live document was found.
	Delete(req DeleteRequest) (int64, bool, error)
	// ApplyReplica upserts the write unless a newer version is stored.
	// Applying the same write twice is a no-op.
	ApplyReplica(w ReplicaWrite) error
	// Get returns the current document, or nil if it does not exist.
	Get(typ, id string) (*Document, error)
	// Count returns the number of live documents as of the last Refresh.
	Count() (int64, error)
	Refresh() error
	// Snapshot returns every stored record, tombstones included, in the
	// form a replica applies them.
	Snapshot() ([]ReplicaWrite, error)
	Close() error
}

// record is the stored form shared by all engines.
type record struct {
	Routing string `msgpack:"r,omitempty"`
	Source  []byte `msgpack:"s,omitempty"`
	Version int64  `msgpack:"v"`
	Deleted bool   `msgpack:"d,omitempty"`
}

func docKey(typ, id string) string {
	return typ + "\x00" + id
}

func snapshotWrite(key string, r *record) ReplicaWrite {
	typ, id, _ := strings.Cut(key, "\x00")
	return ReplicaWrite{
		Type:    typ,
		ID:      id,
		Routing: r.Routing,
		Source:  append([]byte(nil), r.Source...),
		Version: r.Version,
		Deleted: r.Deleted,
	}
}

// leaderIndex computes the record a leader write produces on top of cur.
func leaderIndex(cur *record, req IndexRequest) (*record, error) {
	if err := req.VersionType.Validate(req.Version); err != nil {
		return nil, err
	}
	live, base := currentVersions(cur)
	if req.Create && live != version.NotFound {
		return nil, fmt.Errorf("[%s][%s]: %w", req.Type, req.ID, ErrDocumentExists)
	}
	if req.VersionType.Conflict(live, req.Version) {
		return nil, conflict(req.Type, req.ID, live, req.Version)
	}
	return &record{
		Routing: req.Routing,
		Source:  append([]byte(nil), req.Source...),
		Version: req.VersionType.Next(base, req.Version),
	}, nil
}

// leaderDelete computes the tombstone a leader delete produces on top of cur.
func leaderDelete(cur *record, req DeleteRequest) (*record, bool, error) {
	if err := req.VersionType.Validate(req.Version); err != nil {
		return nil, false, err
	}
	live, base := currentVersions(cur)
	if req.VersionType.Conflict(live, req.Version) {
		return nil, false, conflict(req.Type, req.ID, live, req.Version)
	}
	return &record{
		Routing: req.Routing,
		Version: req.VersionType.Next(base, req.Version),
		Deleted: true,
	}, live != version.NotFound, nil
}

// replicaApply reports whether w replaces cur.
func replicaApply(cur *record, w ReplicaWrite) (bool, error) {
	if w.Version < 0 {
		return false, fmt.Errorf("replica write [%s][%s] requires a leader version, got %d", w.Type, w.ID, w.Version)
	}
	if cur == nil {
		return true, nil
	}
	if !w.Force && version.Compare(w.Version, cur.Version) == version.Before {
		return false, conflict(w.Type, w.ID, cur.Version, w.Version)
	}
	return true, nil
}

// currentVersions returns the live version (NotFound for tombstones) and
// the version new internal versions continue from.
func currentVersions(cur *record) (live, base int64) {
	if cur == nil {
		return version.NotFound, version.NotFound
	}
	if cur.Deleted {
		return version.NotFound, cur.Version
	}
	return cur.Version, cur.Version
}

func conflict(typ, id string, current, provided int64) error {
	return fmt.Errorf("[%s][%s]: %w, current [%d], provided [%d]", typ, id, ErrVersionConflict, current, provided)
}

func toDocument(typ, id string, r *record) *Document {
	if r == nil || r.Deleted {
		return nil
	}
	return &Document{
		Type:    typ,
		ID:      id,
		Routing: r.Routing,
		Source:  append([]byte(nil), r.Source...),
		Version: r.Version,
	}
}
