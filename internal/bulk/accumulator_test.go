package bulk

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest/internal/action"
)

type batches struct {
	mu   sync.Mutex
	reqs []*action.Request
}

func (b *batches) emit(req *action.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
}

func (b *batches) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

func (b *batches) get(i int) *action.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reqs[i]
}

func op(id string, size int) action.Operation {
	return action.NewIndexOp("test", "doc", id, []byte(strings.Repeat("x", size)))
}

func TestAccumulator_CountTrigger(t *testing.T) {
	var out batches
	acc := NewAccumulator(Config{MaxActionsPerBatch: 3, FlushInterval: time.Hour}, out.emit)

	for i := 0; i < 7; i++ {
		require.NoError(t, acc.Add(op(strconv.Itoa(i), 1)))
	}
	require.Equal(t, 2, out.len())
	assert.Equal(t, 1, acc.Pending())

	for i, want := range []string{"0", "1", "2"} {
		assert.Equal(t, want, out.get(0).Ops[i].Metadata().ID)
	}
	acc.Flush()
	require.Equal(t, 3, out.len())
	assert.Equal(t, 1, out.get(2).Len())
	assert.Zero(t, acc.Pending())
}

func TestAccumulator_VolumeTrigger(t *testing.T) {
	var out batches
	acc := NewAccumulator(Config{MaxActionsPerBatch: 100, MaxVolumePerBatch: 1024, FlushInterval: time.Hour}, out.emit)

	require.NoError(t, acc.Add(op("1", 500)))
	assert.Zero(t, out.len())
	require.NoError(t, acc.Add(op("2", 500)))
	require.Equal(t, 1, out.len())
	assert.Equal(t, int64(2*(500+action.RequestOverhead)), out.get(0).EstimatedSize())
}

func TestAccumulator_AgeTrigger(t *testing.T) {
	var out batches
	acc := NewAccumulator(Config{FlushInterval: 20 * time.Millisecond}, out.emit)

	require.NoError(t, acc.Add(op("1", 1)))
	require.Eventually(t, func() bool { return out.len() == 1 }, 5*time.Second, 5*time.Millisecond)

	// the next batch gets its own timer
	require.NoError(t, acc.Add(op("2", 1)))
	require.Eventually(t, func() bool { return out.len() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "2", out.get(1).Ops[0].Metadata().ID)
}

func TestAccumulator_RejectsNil(t *testing.T) {
	var out batches
	acc := NewAccumulator(Config{MaxActionsPerBatch: 1}, out.emit)

	assert.ErrorIs(t, acc.Add(nil), ErrNilOperation)
	assert.Zero(t, acc.Pending())
	acc.Flush()
	assert.Zero(t, out.len())
}

func TestAccumulator_CloseFlushes(t *testing.T) {
	var out batches
	acc := NewAccumulator(Config{FlushInterval: time.Hour}, out.emit)

	require.NoError(t, acc.Add(op("1", 1)))
	acc.Close()
	assert.Equal(t, 1, out.len())
	assert.Error(t, acc.Add(op("2", 1)))
}

func TestConfig_Normalized(t *testing.T) {
	cfg := Config{
		MaxActionsPerBatch:   100000,
		MaxConcurrentBatches: 1000,
		MaxVolumePerBatch:    10,
	}.normalized()
	assert.Equal(t, 32768, cfg.MaxActionsPerBatch)
	assert.Equal(t, 256, cfg.MaxConcurrentBatches)
	assert.Equal(t, int64(1024), cfg.MaxVolumePerBatch)
	assert.Equal(t, DefaultFlushInterval, cfg.FlushInterval)

	def := Config{}.normalized()
	assert.Equal(t, DefaultMaxActions, def.MaxActionsPerBatch)
	assert.Equal(t, int64(DefaultMaxVolume), def.MaxVolumePerBatch)
	assert.Positive(t, def.MaxConcurrentBatches)
}
