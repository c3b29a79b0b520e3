package storage

import (
	"errors"
	"testing"

	"ingest/internal/routing"
	"ingest/internal/version"
)

var testShardID = routing.ShardID{Index: "test", Shard: 0}

// engines runs fn against every Shard implementation.
func engines(t *testing.T, fn func(t *testing.T, s Shard)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryShard(testShardID)
		defer s.Close()
		fn(t, s)
	})
	t.Run("pebble", func(t *testing.T) {
		s, err := OpenPebbleShard(testShardID, t.TempDir(), false)
		if err != nil {
			t.Fatalf("OpenPebbleShard failed: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func index(t *testing.T, s Shard, id, source string) int64 {
	t.Helper()
	v, err := s.Index(IndexRequest{Type: "doc", ID: id, Source: []byte(source), Version: version.MatchAny})
	if err != nil {
		t.Fatalf("Index(%s) failed: %v", id, err)
	}
	return v
}

func TestShard_IndexAssignsVersions(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		if v := index(t, s, "1", `{"a":1}`); v != 1 {
			t.Errorf("Expected version 1, got %d", v)
		}
		if v := index(t, s, "1", `{"a":2}`); v != 2 {
			t.Errorf("Expected version 2, got %d", v)
		}

		doc, err := s.Get("doc", "1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if doc == nil || string(doc.Source) != `{"a":2}` || doc.Version != 2 {
			t.Errorf("Unexpected document %+v", doc)
		}
	})
}

func TestShard_VersionConflict(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		index(t, s, "1", `{}`)
		_, err := s.Index(IndexRequest{Type: "doc", ID: "1", Source: []byte(`{}`), Version: 5})
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Expected version conflict, got %v", err)
		}

		v, err := s.Index(IndexRequest{Type: "doc", ID: "1", Source: []byte(`{}`), Version: 10, VersionType: version.External})
		if err != nil || v != 10 {
			t.Errorf("Expected external version 10, got %d (%v)", v, err)
		}
	})
}

func TestShard_CreateExisting(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		index(t, s, "1", `{}`)
		_, err := s.Index(IndexRequest{Type: "doc", ID: "1", Source: []byte(`{}`), Version: version.MatchAny, Create: true})
		if !errors.Is(err, ErrDocumentExists) {
			t.Errorf("Expected document exists, got %v", err)
		}
	})
}

func TestShard_DeleteKeepsVersionSequence(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		index(t, s, "1", `{}`)
		v, found, err := s.Delete(DeleteRequest{Type: "doc", ID: "1", Version: version.MatchAny})
		if err != nil || !found || v != 2 {
			t.Fatalf("Expected delete at version 2, got %d found=%v err=%v", v, found, err)
		}
		if doc, _ := s.Get("doc", "1"); doc != nil {
			t.Errorf("Expected deleted document to be gone, got %+v", doc)
		}
		if v := index(t, s, "1", `{}`); v != 3 {
			t.Errorf("Expected version 3 after re-index, got %d", v)
		}

		_, found, err = s.Delete(DeleteRequest{Type: "doc", ID: "missing", Version: version.MatchAny})
		if err != nil || found {
			t.Errorf("Expected not found without error, got found=%v err=%v", found, err)
		}
	})
}

func TestShard_ApplyReplicaIdempotent(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		w := ReplicaWrite{Type: "doc", ID: "1", Source: []byte(`{"x":1}`), Version: 4}
		for i := 0; i < 3; i++ {
			if err := s.ApplyReplica(w); err != nil {
				t.Fatalf("ApplyReplica attempt %d failed: %v", i, err)
			}
		}
		if err := s.Refresh(); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		n, _ := s.Count()
		if n != 1 {
			t.Errorf("Expected 1 document, got %d", n)
		}
		doc, _ := s.Get("doc", "1")
		if doc == nil || doc.Version != 4 {
			t.Errorf("Expected version 4, got %+v", doc)
		}
	})
}

func TestShard_ApplyReplicaRejectsOlder(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		if err := s.ApplyReplica(ReplicaWrite{Type: "doc", ID: "1", Source: []byte(`{}`), Version: 7}); err != nil {
			t.Fatalf("ApplyReplica failed: %v", err)
		}
		err := s.ApplyReplica(ReplicaWrite{Type: "doc", ID: "1", Source: []byte(`{"old":true}`), Version: 6})
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Expected version conflict, got %v", err)
		}
		if err := s.ApplyReplica(ReplicaWrite{Type: "doc", ID: "1", Version: 8, Deleted: true}); err != nil {
			t.Fatalf("Replica delete failed: %v", err)
		}
		if doc, _ := s.Get("doc", "1"); doc != nil {
			t.Errorf("Expected tombstone, got %+v", doc)
		}
	})
}

func TestShard_ApplyReplicaForced(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		if err := s.ApplyReplica(ReplicaWrite{Type: "doc", ID: "1", Source: []byte(`{"v":5}`), Version: 5}); err != nil {
			t.Fatalf("ApplyReplica failed: %v", err)
		}
		if err := s.ApplyReplica(ReplicaWrite{Type: "doc", ID: "1", Source: []byte(`{"v":2}`), Version: 2, Force: true}); err != nil {
			t.Fatalf("Forced ApplyReplica failed: %v", err)
		}
		doc, err := s.Get("doc", "1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if doc == nil || doc.Version != 2 || string(doc.Source) != `{"v":2}` {
			t.Errorf("Expected forced version 2, got %+v", doc)
		}
	})
}

func TestShard_SnapshotCopiesRecords(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		index(t, s, "1", `{"a":1}`)
		index(t, s, "2", `{}`)
		if _, _, err := s.Delete(DeleteRequest{Type: "doc", ID: "2", Version: version.MatchAny}); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		writes, err := s.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if len(writes) != 2 {
			t.Fatalf("Expected 2 records including the tombstone, got %d", len(writes))
		}

		copied := NewMemoryShard(testShardID)
		for _, w := range writes {
			if err := copied.ApplyReplica(w); err != nil {
				t.Fatalf("ApplyReplica of %s failed: %v", w.ID, err)
			}
		}
		doc, _ := copied.Get("doc", "1")
		if doc == nil || doc.Version != 1 || string(doc.Source) != `{"a":1}` {
			t.Errorf("Expected doc 1 at version 1, got %+v", doc)
		}
		if doc, _ := copied.Get("doc", "2"); doc != nil {
			t.Errorf("Expected doc 2 to stay deleted, got %+v", doc)
		}
		err = copied.ApplyReplica(ReplicaWrite{Type: "doc", ID: "2", Source: []byte(`{}`), Version: 1})
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Expected the copied tombstone to reject version 1, got %v", err)
		}
	})
}

func TestShard_CountAfterRefresh(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		index(t, s, "1", `{}`)
		index(t, s, "2", `{}`)

		n, _ := s.Count()
		if n != 0 {
			t.Errorf("Expected writes invisible before refresh, got %d", n)
		}
		if err := s.Refresh(); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		n, _ = s.Count()
		if n != 2 {
			t.Errorf("Expected 2 documents, got %d", n)
		}
	})
}

func TestShard_ClosedIsNotAvailable(t *testing.T) {
	engines(t, func(t *testing.T, s Shard) {
		s.Close()
		_, err := s.Index(IndexRequest{Type: "doc", ID: "1", Version: version.MatchAny})
		if !errors.Is(err, ErrShardNotAvailable) {
			t.Errorf("Expected shard not available, got %v", err)
		}
		if _, err := s.Snapshot(); !errors.Is(err, ErrShardNotAvailable) {
			t.Errorf("Expected snapshot of a closed shard to fail, got %v", err)
		}
	})
}

func TestPebbleShard_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleShard(testShardID, dir, true)
	if err != nil {
		t.Fatalf("OpenPebbleShard failed: %v", err)
	}
	index(t, s, "1", `{"persisted":true}`)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = OpenPebbleShard(testShardID, dir, true)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()

	n, _ := s.Count()
	if n != 1 {
		t.Errorf("Expected 1 document after reopen, got %d", n)
	}
	if v := index(t, s, "1", `{}`); v != 2 {
		t.Errorf("Expected version to continue at 2, got %d", v)
	}
}

func TestRegistry_OpenGetClose(t *testing.T) {
	r := NewRegistry(MemoryOpener())
	id := routing.ShardID{Index: "a", Shard: 1}

	if _, err := r.Get(id); !errors.Is(err, ErrShardNotAvailable) {
		t.Errorf("Expected shard not available before open, got %v", err)
	}
	s1, err := r.Open(id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s2, _ := r.Open(id)
	if s1 != s2 {
		t.Error("Expected Open to return the same shard")
	}
	if ids := r.Shards(); len(ids) != 1 || ids[0] != id {
		t.Errorf("Unexpected shards %v", ids)
	}
	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if _, err := r.Get(id); !errors.Is(err, ErrShardNotAvailable) {
		t.Errorf("Expected shard not available after close, got %v", err)
	}
}
