package river

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest/internal/action"
	"ingest/internal/quorum"
	"ingest/internal/storage"
)

type fakeDocs struct {
	mu        sync.Mutex
	docs      map[string][]byte
	refreshes int
	err       error
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string][]byte)}
}

func (f *fakeDocs) Index(_ context.Context, op action.IndexOp, _ quorum.Level) (*action.WriteResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[op.Index+"/"+op.Type+"/"+op.ID] = op.Source
	return &action.WriteResponse{Index: op.Index, Type: op.Type, ID: op.ID, Version: 1}, nil
}

func (f *fakeDocs) Get(_ context.Context, index, typ, id string) (*storage.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source, ok := f.docs[index+"/"+typ+"/"+id]
	if !ok {
		return nil, nil
	}
	return &storage.Document{Type: typ, ID: id, Source: source, Version: 1}, nil
}

func (f *fakeDocs) Refresh(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

var coords = Coordinates{Index: "_river", Type: "feed", ID: "_custom"}

func TestState_SaveAndLoad(t *testing.T) {
	docs := newFakeDocs()
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := State{
		Name:        "feed",
		Type:        "jdbc",
		Started:     started,
		LastRun:     started.Add(time.Hour),
		Counter:     42,
		Enabled:     true,
		Custom:      map[string]any{"rows": float64(10)},
		Coordinates: coords,
	}
	require.NoError(t, s.Save(context.Background(), docs))
	assert.Equal(t, 1, docs.refreshes)

	loaded := State{Coordinates: coords}
	require.NoError(t, loaded.Load(context.Background(), docs))
	assert.Equal(t, "feed", loaded.Name)
	assert.Equal(t, "jdbc", loaded.Type)
	assert.Equal(t, int64(42), loaded.Counter)
	assert.True(t, loaded.Enabled)
	assert.False(t, loaded.Active)
	assert.True(t, started.Equal(loaded.Started))
	assert.True(t, started.Add(time.Hour).Equal(loaded.LastRun))
	assert.Equal(t, map[string]any{"rows": float64(10)}, loaded.Custom)
}

func TestState_LoadMissingResetsCounter(t *testing.T) {
	s := State{Counter: 5, Coordinates: coords}
	require.NoError(t, s.Load(context.Background(), newFakeDocs()))
	assert.Zero(t, s.Counter)
}

func TestState_WithoutCoordinatesIsNotPersisted(t *testing.T) {
	docs := newFakeDocs()
	s := State{Name: "feed", Counter: 5}
	require.NoError(t, s.Save(context.Background(), docs))
	require.NoError(t, s.Load(context.Background(), docs))
	assert.Empty(t, docs.docs)
	assert.Equal(t, int64(5), s.Counter)
}

func TestState_UnmarshalSkipsBadValues(t *testing.T) {
	var s State
	err := json.Unmarshal([]byte(`{"name":"a\"b","counter":"x","started":"yesterday","enabled":true,"custom":[1],"other":{}}`), &s)
	require.NoError(t, err)
	assert.Equal(t, `a"b`, s.Name)
	assert.Zero(t, s.Counter)
	assert.True(t, s.Started.IsZero())
	assert.True(t, s.Enabled)
	assert.Nil(t, s.Custom)
}

func TestRegistry_RegisterLoadsPersistedState(t *testing.T) {
	logger, _ := test.NewNullLogger()
	docs := newFakeDocs()
	prev := State{Name: "feed", Counter: 7, Coordinates: coords}
	require.NoError(t, prev.Save(context.Background(), docs))

	r := NewRegistry(docs, logger)
	st, err := r.Register(context.Background(), State{Name: "feed", Type: "file", Enabled: true, Coordinates: coords})
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Counter)
	assert.False(t, st.Started.IsZero())

	_, err = r.Register(context.Background(), State{Name: "feed"})
	assert.Error(t, err)
	_, err = r.Register(context.Background(), State{Name: "bad", Schedule: "every day"})
	assert.Error(t, err)
	_, err = r.Register(context.Background(), State{})
	assert.Error(t, err)
}

func TestRegistry_BeginEnd(t *testing.T) {
	logger, _ := test.NewNullLogger()
	docs := newFakeDocs()
	r := NewRegistry(docs, logger)
	ctx := context.Background()

	_, err := r.Register(ctx, State{Name: "feed", Enabled: true, Coordinates: coords})
	require.NoError(t, err)

	runID, err := r.Begin(ctx, "feed")
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	st, ok := r.Get("feed")
	require.True(t, ok)
	assert.True(t, st.Active)
	assert.Equal(t, int64(1), st.Counter)
	assert.Equal(t, runID, st.Custom["run_id"])

	require.NoError(t, r.End(ctx, "feed", map[string]any{"docs": 12}))
	st, _ = r.Get("feed")
	assert.False(t, st.Active)
	assert.Equal(t, 12, st.Custom["docs"])

	persisted := State{Coordinates: coords}
	require.NoError(t, persisted.Load(ctx, docs))
	assert.Equal(t, int64(1), persisted.Counter)
	assert.False(t, persisted.Active)
	assert.Equal(t, float64(12), persisted.Custom["docs"])

	_, err = r.Begin(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownRiver)
}

func TestRegistry_SaveFailureIsReported(t *testing.T) {
	logger, _ := test.NewNullLogger()
	docs := newFakeDocs()
	r := NewRegistry(docs, logger)
	_, err := r.Register(context.Background(), State{Name: "feed", Coordinates: coords})
	require.NoError(t, err)

	docs.err = errors.New("no leader")
	_, err = r.Begin(context.Background(), "feed")
	assert.ErrorContains(t, err, "no leader")
}

func TestRegistry_ListAndDue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRegistry(nil, logger)
	ctx := context.Background()
	for _, s := range []State{
		{Name: "c", Enabled: true, Schedule: "*/5 * * * *"},
		{Name: "a", Enabled: true, Schedule: "0 * * * *"},
		{Name: "b", Enabled: false, Schedule: "* * * * *"},
		{Name: "d", Enabled: true},
	} {
		_, err := r.Register(ctx, s)
		require.NoError(t, err)
	}

	all := r.List("*")
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].Name)
	assert.Len(t, r.List("b"), 1)
	assert.Empty(t, r.List("x"))

	names := func(states []State) []string {
		var out []string
		for _, s := range states {
			out = append(out, s.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a", "c"}, names(r.Due(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))))
	assert.Equal(t, []string{"c"}, names(r.Due(time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC))))
	assert.Empty(t, r.Due(time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)))

	next, err := r.NextRun("a", time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)), next.String())
	_, err = r.NextRun("d", time.Now())
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	at := DefaultCoordinates("feed")

	_, found, err := Lookup(ctx, docs, at)
	require.NoError(t, err)
	assert.False(t, found)

	s := State{Name: "feed", Type: "rss", Counter: 3, Enabled: true, Coordinates: at}
	require.NoError(t, s.Save(ctx, docs))

	got, found, err := Lookup(ctx, docs, at)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "feed", got.Name)
	assert.Equal(t, int64(3), got.Counter)
	assert.Equal(t, at, got.Coordinates)
}
