package bulk

import (
	"errors"
	"sync"
	"time"

	"ingest/internal/action"
)

var (
	// ErrNilOperation is returned when adding a nil operation.
	ErrNilOperation      = errors.New("operation is nil")
	errAccumulatorClosed = errors.New("accumulator is closed")
)

// Accumulator collects operations into batches and hands every sealed
// batch to emit. Batches are emitted in the order they were sealed and
// are never touched again afterwards.
type Accumulator struct {
	maxActions int
	maxVolume  int64
	maxAge     time.Duration
	emit       func(*action.Request)

	mu      sync.Mutex
	current *action.Request
	timer   *time.Timer
	closed  bool

	// emitMu orders emissions and lets producers fill the next batch
	// while a sealed one waits for dispatch.
	emitMu sync.Mutex
}

// NewAccumulator creates an accumulator with the batching limits of cfg.
func NewAccumulator(cfg Config, emit func(*action.Request)) *Accumulator {
	cfg = cfg.normalized()
	return &Accumulator{
		maxActions: cfg.MaxActionsPerBatch,
		maxVolume:  cfg.MaxVolumePerBatch,
		maxAge:     cfg.FlushInterval,
		emit:       emit,
	}
}

// Add appends op to the open batch and emits the batch if op made it full.
// Add blocks while the emitted batch waits for dispatch.
func (a *Accumulator) Add(op action.Operation) error {
	if op == nil {
		return ErrNilOperation
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errAccumulatorClosed
	}
	if a.current == nil {
		a.openLocked()
	}
	a.current.Add(op)
	var sealed *action.Request
	if a.current.Len() >= a.maxActions || a.current.EstimatedSize() >= a.maxVolume {
		sealed = a.sealLocked()
	}
	a.emitUnlock(sealed)
	return nil
}

// Flush emits the open batch if it holds any operation.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	a.emitUnlock(a.sealLocked())
}

// Close emits the open batch and rejects further operations.
func (a *Accumulator) Close() {
	a.mu.Lock()
	a.closed = true
	a.emitUnlock(a.sealLocked())
}

// Pending returns the number of operations in the open batch.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return 0
	}
	return a.current.Len()
}

func (a *Accumulator) openLocked() {
	req := action.NewRequest()
	a.current = req
	a.timer = time.AfterFunc(a.maxAge, func() { a.expire(req) })
}

// expire seals req if it is still the open batch.
func (a *Accumulator) expire(req *action.Request) {
	a.mu.Lock()
	if a.current != req {
		a.mu.Unlock()
		return
	}
	a.emitUnlock(a.sealLocked())
}

// sealLocked detaches the open batch. It returns nil when there is none.
func (a *Accumulator) sealLocked() *action.Request {
	if a.current == nil {
		return nil
	}
	a.timer.Stop()
	sealed := a.current
	a.current, a.timer = nil, nil
	if sealed.Len() == 0 {
		return nil
	}
	return sealed
}

// emitUnlock releases a.mu and emits req, if any, in sealing order.
func (a *Accumulator) emitUnlock(req *action.Request) {
	if req == nil {
		a.mu.Unlock()
		return
	}
	a.emitMu.Lock()
	a.mu.Unlock()
	defer a.emitMu.Unlock()
	a.emit(req)
}
