package bulk

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest/internal/action"
	"ingest/internal/quorum"
)

// fakeExecutor stores documents by id and reports every operation as
// applied.
type fakeExecutor struct {
	delay time.Duration
	err   error

	mu      sync.Mutex
	batches []int
	docs    map[string]int

	inFlight atomic.Int64
	peak     atomic.Int64
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{docs: make(map[string]int)}
}

func (f *fakeExecutor) Ingest(_ context.Context, req *action.Request) (*action.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.batches = append(f.batches, req.Len())
	for _, op := range req.Ops {
		f.docs[op.Metadata().ID]++
	}
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &action.Response{
		IngestID: req.IngestID,
		Shards: []action.ShardResult{{
			Leader: &action.LeaderShardResponse{IngestID: req.IngestID, SuccessCount: req.Len()},
		}},
	}, nil
}

func (f *fakeExecutor) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

func (f *fakeExecutor) stored() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

type recordingListener struct {
	before atomic.Int64
	after  atomic.Int64
	mu     sync.Mutex
	ids    []int64
	errs   []error
}

func (l *recordingListener) Before(info BatchInfo) {
	l.before.Add(1)
	l.mu.Lock()
	l.ids = append(l.ids, info.IngestID)
	l.mu.Unlock()
}

func (l *recordingListener) After(_ BatchInfo, _ *action.Response, err error) {
	l.after.Add(1)
	if err != nil {
		l.mu.Lock()
		l.errs = append(l.errs, err)
		l.mu.Unlock()
	}
}

type fakeAdmin struct {
	mu        sync.Mutex
	intervals map[string]time.Duration
	refreshes map[string]int
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{intervals: make(map[string]time.Duration), refreshes: make(map[string]int)}
}

func (a *fakeAdmin) RefreshInterval(_ context.Context, index string) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.intervals[index], nil
}

func (a *fakeAdmin) SetRefreshInterval(_ context.Context, index string, interval time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intervals[index] = interval
	return nil
}

func (a *fakeAdmin) Refresh(_ context.Context, index string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes[index]++
	return nil
}

func newTestClient(t *testing.T, exec Executor, admin IndexAdmin, cfg Config, listener Listener) *Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := NewClient(exec, admin, cfg, listener, logger)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestClient_SingleDocument(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestClient(t, exec, nil, Config{}, nil)

	require.NoError(t, c.Index("test", "doc", "1", []byte(`{"field":"value"}`)))
	require.NoError(t, c.Flush())
	done, err := c.WaitForResponses(5 * time.Second)
	require.NoError(t, err)
	require.True(t, done)

	assert.Equal(t, int64(1), c.Metric().Succeeded())
	assert.Zero(t, c.Metric().Failed())
	assert.Equal(t, []int{1}, exec.batchSizes())
}

func TestClient_SplitsIntoBatches(t *testing.T) {
	exec := newFakeExecutor()
	listener := &recordingListener{}
	c := newTestClient(t, exec, nil, Config{MaxActionsPerBatch: 1000, FlushInterval: time.Hour}, listener)

	for i := 0; i < 12345; i++ {
		require.NoError(t, c.Index("test", "doc", strconv.Itoa(i), []byte(`{"n":1}`)))
	}
	require.NoError(t, c.Flush())
	done, err := c.WaitForResponses(10 * time.Second)
	require.NoError(t, err)
	require.True(t, done)

	sizes := exec.batchSizes()
	assert.Len(t, sizes, 13)
	total := 0
	for _, n := range sizes {
		total += n
	}
	assert.Equal(t, 12345, total)
	assert.Equal(t, int64(13), listener.before.Load())
	assert.Equal(t, int64(13), listener.after.Load())
	assert.Equal(t, int64(12345), c.Metric().Submitted())
	assert.Equal(t, int64(12345), c.Metric().Succeeded())
	assert.Zero(t, c.Metric().InFlight())
	assert.Zero(t, c.Metric().InFlightDocs())

	listener.mu.Lock()
	ids := map[int64]bool{}
	for _, id := range listener.ids {
		ids[id] = true
	}
	listener.mu.Unlock()
	assert.Len(t, ids, 13)
}

func TestClient_ConcurrentProducersSameID(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestClient(t, exec, nil, Config{MaxActionsPerBatch: 100, FlushInterval: time.Hour}, nil)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				assert.NoError(t, c.Index("test", "doc", "1", []byte(`{"n":1}`)))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, c.Flush())
	done, err := c.WaitForResponses(10 * time.Second)
	require.NoError(t, err)
	require.True(t, done)

	assert.Less(t, exec.stored(), 4000)
	assert.Equal(t, int64(4000), c.Metric().Succeeded())
}

func TestClient_BoundsConcurrentBatches(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = 20 * time.Millisecond
	c := newTestClient(t, exec, nil, Config{MaxActionsPerBatch: 1, MaxConcurrentBatches: 2, FlushInterval: time.Hour}, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Index("test", "doc", strconv.Itoa(i), []byte(`{}`)))
	}
	done, err := c.WaitForResponses(10 * time.Second)
	require.NoError(t, err)
	require.True(t, done)

	assert.Len(t, exec.batchSizes(), 20)
	assert.LessOrEqual(t, exec.peak.Load(), int64(2))
	assert.LessOrEqual(t, c.limiter.Peak(), 2)
}

func TestClient_ClosedAfterShutdown(t *testing.T) {
	exec := newFakeExecutor()
	logger, _ := test.NewNullLogger()
	c := NewClient(exec, nil, Config{FlushInterval: time.Hour}, nil, logger)

	require.NoError(t, c.Index("test", "doc", "1", []byte(`{}`)))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []int{1}, exec.batchSizes())

	err := c.Index("test", "doc", "2", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Contains(t, err.Error(), "client is closed")

	assert.ErrorIs(t, c.Flush(), ErrClientClosed)
	_, err = c.WaitForResponses(time.Second)
	assert.ErrorIs(t, err, ErrClientClosed)

	err = c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client was closed")
}

func TestClient_BatchFailureClosesClient(t *testing.T) {
	exec := newFakeExecutor()
	exec.err = errors.New("leader unreachable")
	listener := &recordingListener{}
	c := newTestClient(t, exec, nil, Config{MaxActionsPerBatch: 2, FlushInterval: time.Hour}, listener)

	require.NoError(t, c.Index("test", "doc", "1", []byte(`{}`)))
	require.NoError(t, c.Index("test", "doc", "2", []byte(`{}`)))

	require.Eventually(t, func() bool {
		err := c.Index("test", "doc", "3", []byte(`{}`))
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)

	err := c.Delete("test", "doc", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Contains(t, err.Error(), "client is closed, possible reason: leader unreachable")
	assert.GreaterOrEqual(t, c.Metric().Failed(), int64(2))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.NotEmpty(t, listener.errs)
	assert.ErrorIs(t, listener.errs[0], exec.err)
}

func TestClient_PanickingExecutorClosesClient(t *testing.T) {
	c := newTestClient(t, panicExecutor{}, nil, Config{MaxActionsPerBatch: 1, FlushInterval: time.Hour}, nil)

	require.NoError(t, c.Index("test", "doc", "1", []byte(`{}`)))
	require.Eventually(t, func() bool {
		return errors.Is(c.Flush(), ErrClientClosed)
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, c.Flush().Error(), "panicked")
}

type panicExecutor struct{}

func (panicExecutor) Ingest(context.Context, *action.Request) (*action.Response, error) {
	panic("boom")
}

func TestClient_BulkSessions(t *testing.T) {
	exec := newFakeExecutor()
	admin := newFakeAdmin()
	admin.intervals["a"] = time.Second
	admin.intervals["b"] = 5 * time.Second
	logger, _ := test.NewNullLogger()
	c := NewClient(exec, admin, Config{FlushInterval: time.Hour}, nil, logger)
	ctx := context.Background()

	require.NoError(t, c.StartBulk(ctx, "a"))
	require.NoError(t, c.StartBulk(ctx, "a"))
	require.NoError(t, c.StartBulk(ctx, "b"))
	assert.Equal(t, time.Duration(-1), admin.intervals["a"])
	assert.Equal(t, time.Duration(-1), admin.intervals["b"])

	require.NoError(t, c.Index("a", "doc", "1", []byte(`{}`)))
	require.NoError(t, c.StopBulk(ctx, "a"))
	assert.Equal(t, []int{1}, exec.batchSizes())
	assert.Equal(t, time.Second, admin.intervals["a"])
	assert.Equal(t, 1, admin.refreshes["a"])

	require.NoError(t, c.Refresh(ctx, "a"))
	assert.Equal(t, 2, admin.refreshes["a"])

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 5*time.Second, admin.intervals["b"])
	assert.Equal(t, 1, admin.refreshes["b"])
}

func TestClient_SessionsNeedAdmin(t *testing.T) {
	c := newTestClient(t, newFakeExecutor(), nil, Config{}, nil)
	assert.Error(t, c.StartBulk(context.Background(), "a"))
	assert.Error(t, c.Refresh(context.Background(), "a"))
}

func TestMetric_Collector(t *testing.T) {
	m := NewMetric("test")
	m.start()
	m.batchSubmitted(10, 1000)
	m.batchDone(10, 7)

	assert.Equal(t, int64(10), m.Submitted())
	assert.Equal(t, int64(7), m.Succeeded())
	assert.Equal(t, int64(3), m.Failed())
	assert.Equal(t, int64(1000), m.Bytes())
	assert.Contains(t, m.String(), "bytes=1.0 kB")

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m))
	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		metric := f.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			values[f.GetName()] = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			values[f.GetName()] = metric.GetGauge().GetValue()
		}
	}
	assert.Len(t, values, 7)
	assert.Equal(t, float64(7), values["ingest_bulk_succeeded_total"])
	assert.Equal(t, float64(3), values["ingest_bulk_failed_total"])
	assert.Equal(t, float64(0), values["ingest_bulk_batches_in_flight"])
}

func TestClient_AssignsMissingIDs(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestClient(t, exec, nil, Config{MaxActionsPerBatch: 10, FlushInterval: time.Hour}, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Index("test", "doc", "", []byte(`{}`)))
	}
	require.NoError(t, c.Index("test", "doc", "fixed", []byte(`{}`)))
	require.NoError(t, c.Flush())
	ok, err := c.WaitForResponses(5 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Len(t, exec.docs, 21)
	assert.NotContains(t, exec.docs, "")
	assert.Equal(t, 1, exec.docs["fixed"])
}

func TestConfig_ZeroConsistencyIsDefault(t *testing.T) {
	cfg := Config{MaxActionsPerBatch: 10}.normalized()
	assert.Equal(t, quorum.Default, cfg.Consistency)
	assert.Equal(t, quorum.Quorum, cfg.Consistency.Resolve())
}
