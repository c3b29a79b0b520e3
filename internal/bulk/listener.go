package bulk

import (
	"github.com/sirupsen/logrus"

	"ingest/internal/action"
)

// BatchInfo describes a batch handed to the executor.
type BatchInfo struct {
	IngestID int64
	Ops      int
	Bytes    int64
	// InFlight is the number of batches running when this one started,
	// itself included.
	InFlight int
}

// Listener observes batch dispatch. Both methods are called from the
// goroutine running the batch and must not call back into the Client.
type Listener interface {
	Before(info BatchInfo)
	// After receives either the response or the error that failed the
	// whole batch.
	After(info BatchInfo, resp *action.Response, err error)
}

type nopListener struct{}

func (nopListener) Before(BatchInfo) {}

func (nopListener) After(BatchInfo, *action.Response, error) {}

// LogListener logs every batch outcome.
type LogListener struct {
	Logger logrus.FieldLogger
}

func (l LogListener) Before(info BatchInfo) {
	l.Logger.WithField("action", "bulk_before").WithField("ingest_id", info.IngestID).
		WithField("operations", info.Ops).WithField("in_flight", info.InFlight).
		Debug("sending batch")
}

func (l LogListener) After(info BatchInfo, resp *action.Response, err error) {
	logger := l.Logger.WithField("action", "bulk_after").WithField("ingest_id", info.IngestID).
		WithField("operations", info.Ops)
	switch {
	case err != nil:
		logger.WithError(err).Error("batch failed")
	case resp.HasFailures():
		logger.WithField("failures", len(resp.Failures())).
			WithField("replica_failures", len(resp.ReplicaFailures())).
			Warn(resp.FailureMessage())
	default:
		logger.WithField("took", resp.Took).Debug("batch done")
	}
}
