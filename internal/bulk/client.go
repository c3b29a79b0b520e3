package bulk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ingest/internal/action"
)

// ErrClientClosed is returned by every call on a closed Client.
var ErrClientClosed = errors.New("client is closed")

// Executor runs one batch.
type Executor interface {
	Ingest(ctx context.Context, req *action.Request) (*action.Response, error)
}

// IndexAdmin changes the index settings bulk sessions depend on.
type IndexAdmin interface {
	RefreshInterval(ctx context.Context, index string) (time.Duration, error)
	// SetRefreshInterval changes the refresh interval; a negative interval
	// disables periodic refresh.
	SetRefreshInterval(ctx context.Context, index string, interval time.Duration) error
	Refresh(ctx context.Context, index string) error
}

// Client accumulates operations and dispatches them as concurrent batches.
// After a batch fails as a whole the client closes itself and every later
// call returns the cause.
type Client struct {
	cfg      Config
	exec     Executor
	admin    IndexAdmin
	listener Listener
	metric   *Metric
	logger   logrus.FieldLogger

	acc     *Accumulator
	limiter *Limiter
	nextID  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	shutdown bool
	cause    error
	// sessions maps indices in bulk mode to their refresh interval
	// before the session started.
	sessions map[string]time.Duration
}

// NewClient creates a client that dispatches batches to exec. admin may be
// nil when bulk sessions and Refresh are not used; listener may be nil.
func NewClient(exec Executor, admin IndexAdmin, cfg Config, listener Listener,
	logger logrus.FieldLogger,
) *Client {
	cfg = cfg.normalized()
	if listener == nil {
		listener = nopListener{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		exec:     exec,
		admin:    admin,
		listener: listener,
		metric:   NewMetric("default"),
		logger:   logger.WithField("component", "bulk_client"),
		limiter:  NewLimiter(cfg.MaxConcurrentBatches, cfg.BatchesPerSecond),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]time.Duration),
	}
	c.acc = NewAccumulator(cfg, c.dispatch)
	c.metric.start()
	return c
}

// Metric returns the client's counters.
func (c *Client) Metric() *Metric {
	return c.metric
}

// Index adds an index operation matching any current version.
func (c *Client) Index(index, typ, id string, source []byte) error {
	return c.Add(action.NewIndexOp(index, typ, id, source))
}

// Delete adds a delete operation matching any current version.
func (c *Client) Delete(index, typ, id string) error {
	return c.Add(action.NewDeleteOp(index, typ, id))
}

// Add adds an operation to the open batch. It blocks while the maximum
// number of batches is in flight. Index operations without an id get one
// here, so every retry of the batch writes the same documents.
func (c *Client) Add(op action.Operation) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := c.acc.Add(action.WithGeneratedID(op)); err != nil {
		if errors.Is(err, errAccumulatorClosed) {
			return c.closedError()
		}
		return err
	}
	return nil
}

// Flush dispatches the open batch without waiting for its response.
func (c *Client) Flush() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	c.acc.Flush()
	return nil
}

// WaitForResponses blocks until every dispatched batch has answered. It
// returns false if timeout elapses first.
func (c *Client) WaitForResponses(timeout time.Duration) (bool, error) {
	if err := c.ensureOpen(); err != nil {
		return false, err
	}
	return c.limiter.Wait(timeout), nil
}

// StartBulk disables periodic refresh on index until StopBulk or Shutdown.
func (c *Client) StartBulk(ctx context.Context, index string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if c.admin == nil {
		return errors.New("bulk sessions need an index admin")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, active := c.sessions[index]; active {
		return nil
	}
	prev, err := c.admin.RefreshInterval(ctx, index)
	if err != nil {
		return errors.Wrapf(err, "start bulk on %s", index)
	}
	if err := c.admin.SetRefreshInterval(ctx, index, -1); err != nil {
		return errors.Wrapf(err, "start bulk on %s", index)
	}
	c.sessions[index] = prev
	c.logger.WithField("action", "start_bulk").WithField("index", index).
		WithField("refresh_interval", prev).Info("bulk session started")
	return nil
}

// StopBulk flushes, waits for outstanding batches, restores the refresh
// interval of index and refreshes it.
func (c *Client) StopBulk(ctx context.Context, index string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	c.acc.Flush()
	if !c.limiter.WaitContext(ctx) {
		return errors.Wrapf(ctx.Err(), "stop bulk on %s", index)
	}
	c.mu.Lock()
	prev, active := c.sessions[index]
	delete(c.sessions, index)
	c.mu.Unlock()
	if !active {
		return nil
	}
	return c.restore(ctx, index, prev)
}

// Refresh flushes, waits for outstanding batches and makes the index's
// documents visible to readers.
func (c *Client) Refresh(ctx context.Context, index string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if c.admin == nil {
		return errors.New("refresh needs an index admin")
	}
	c.acc.Flush()
	if !c.limiter.WaitContext(ctx) {
		return errors.Wrapf(ctx.Err(), "refresh %s", index)
	}
	return errors.Wrapf(c.admin.Refresh(ctx, index), "refresh %s", index)
}

// Shutdown flushes the open batch, waits for every batch until ctx is done,
// ends all bulk sessions and closes the client. Calling it twice is an
// error.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return errors.New("client was closed")
	}
	c.shutdown = true
	c.closed = true
	c.mu.Unlock()

	var result *multierror.Error
	c.acc.Close()
	if !c.limiter.WaitContext(ctx) {
		result = multierror.Append(result, errors.Wrap(ctx.Err(), "waiting for in-flight batches"))
	}
	c.cancel()

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]time.Duration)
	c.mu.Unlock()
	indices := make([]string, 0, len(sessions))
	for index := range sessions {
		indices = append(indices, index)
	}
	sort.Strings(indices)
	for _, index := range indices {
		if err := c.restore(ctx, index, sessions[index]); err != nil {
			result = multierror.Append(result, err)
		}
	}

	c.metric.stop()
	c.logger.WithField("action", "shutdown").WithField("metric", c.metric.String()).Info("bulk client closed")
	return result.ErrorOrNil()
}

func (c *Client) restore(ctx context.Context, index string, interval time.Duration) error {
	if err := c.admin.SetRefreshInterval(ctx, index, interval); err != nil {
		return errors.Wrapf(err, "stop bulk on %s", index)
	}
	if err := c.admin.Refresh(ctx, index); err != nil {
		return errors.Wrapf(err, "stop bulk on %s", index)
	}
	c.logger.WithField("action", "stop_bulk").WithField("index", index).Info("bulk session stopped")
	return nil
}

func (c *Client) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closedErrorLocked()
	}
	return nil
}

func (c *Client) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrorLocked()
}

func (c *Client) closedErrorLocked() error {
	if c.cause != nil {
		return fmt.Errorf("%w, possible reason: %v", ErrClientClosed, c.cause)
	}
	return ErrClientClosed
}

// fail closes the client because a batch could not be executed.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause == nil {
		c.cause = err
	}
	c.closed = true
}

func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// dispatch hands a sealed batch to the limiter. It runs in sealing order.
func (c *Client) dispatch(req *action.Request) {
	req.IngestID = c.nextID.Add(1)
	req.Consistency = c.cfg.Consistency
	req.Timeout = c.cfg.Timeout
	info := BatchInfo{IngestID: req.IngestID, Ops: req.Len(), Bytes: req.EstimatedSize()}

	if cause := c.failure(); cause != nil {
		c.metric.failed.Add(int64(info.Ops))
		c.listener.After(info, nil, c.closedError())
		return
	}

	c.metric.batchSubmitted(info.Ops, info.Bytes)
	err := c.limiter.Submit(c.ctx, func() {
		c.execute(info, req)
	})
	if err != nil {
		c.metric.batchDone(info.Ops, 0)
		c.listener.After(info, nil, err)
		c.fail(err)
	}
}

func (c *Client) execute(info BatchInfo, req *action.Request) {
	info.InFlight = c.limiter.InFlight()
	c.listener.Before(info)

	resp, err := c.run(req)
	if err != nil {
		c.metric.batchDone(info.Ops, 0)
		c.logger.WithField("action", "bulk").WithField("ingest_id", info.IngestID).
			WithField("operations", info.Ops).WithError(err).Error("batch failed, closing client")
		c.listener.After(info, nil, err)
		c.fail(err)
		return
	}
	c.metric.batchDone(info.Ops, resp.SuccessCount())
	c.listener.After(info, resp, nil)
}

func (c *Client) run(req *action.Request) (resp *action.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch %d panicked: %v", req.IngestID, r)
		}
	}()
	return c.exec.Ingest(c.ctx, req)
}
