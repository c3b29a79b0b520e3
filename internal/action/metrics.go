package action

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ingestDurationBuckets = prometheus.ExponentialBuckets(0.001, 2, 16) // ~1ms to 32s

// Metrics instruments the coordinator. The zero value and a nil *Metrics
// are no-ops.
type Metrics struct {
	monitoring bool

	requestsSucceeded prometheus.Counter
	requestsFailed    prometheus.Counter
	itemFailures      prometheus.Counter
	replicaFailures   prometheus.Counter
	quorumUnreachable prometheus.Counter
	shardCopiesFailed prometheus.Counter
	ingestDuration    prometheus.Histogram
}

// NewMetrics registers the coordinator metrics with reg. A nil reg disables
// monitoring.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	if reg == nil {
		return m, nil
	}
	m.monitoring = true

	var err error
	if m.requestsSucceeded, err = newCounter(reg, "ingest_requests_succeeded_total",
		"Count of ingest requests whose leaders all answered"); err != nil {
		return nil, err
	}
	if m.requestsFailed, err = newCounter(reg, "ingest_requests_failed_total",
		"Count of ingest requests failed by a leader or a timeout"); err != nil {
		return nil, err
	}
	if m.itemFailures, err = newCounter(reg, "ingest_item_failures_total",
		"Count of operations rejected by their leader"); err != nil {
		return nil, err
	}
	if m.replicaFailures, err = newCounter(reg, "ingest_replica_failures_total",
		"Count of operations a replica copy failed to mirror"); err != nil {
		return nil, err
	}
	if m.quorumUnreachable, err = newCounter(reg, "ingest_quorum_unreachable_total",
		"Count of shard batches that skipped replicas because quorum was unreachable"); err != nil {
		return nil, err
	}
	if m.shardCopiesFailed, err = newCounter(reg, "ingest_shard_copies_failed_total",
		"Count of replica copies taken out of the write path"); err != nil {
		return nil, err
	}
	if m.ingestDuration, err = newHistogram(reg, "ingest_request_duration_seconds",
		"Duration of ingest requests from dispatch to final response", ingestDurationBuckets); err != nil {
		return nil, err
	}
	return m, nil
}

func newCounter(reg prometheus.Registerer, name, help string) (prometheus.Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := reg.Register(c); err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			if counter, ok := e.ExistingCollector.(prometheus.Counter); ok {
				return counter, nil
			}
			return nil, fmt.Errorf("metric %s already registered but not as a Counter", name)
		}
		return nil, err
	}
	return c, nil
}

func newHistogram(reg prometheus.Registerer, name, help string, buckets []float64) (prometheus.Histogram, error) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	if err := reg.Register(h); err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			if histogram, ok := e.ExistingCollector.(prometheus.Histogram); ok {
				return histogram, nil
			}
			return nil, fmt.Errorf("metric %s already registered but not as a Histogram", name)
		}
		return nil, err
	}
	return h, nil
}

// ObserveResponse records a finished request.
func (m *Metrics) ObserveResponse(resp *Response) {
	if m == nil || !m.monitoring {
		return
	}
	m.requestsSucceeded.Inc()
	m.itemFailures.Add(float64(len(resp.Failures())))
	m.replicaFailures.Add(float64(len(resp.ReplicaFailures())))
	for _, s := range resp.Shards {
		if s.QuorumUnreachable() {
			m.quorumUnreachable.Inc()
		}
	}
	m.ingestDuration.Observe(resp.Took.Seconds())
}

// IncRequestsFailed records a request-level failure.
func (m *Metrics) IncRequestsFailed(took time.Duration) {
	if m == nil || !m.monitoring {
		return
	}
	m.requestsFailed.Inc()
	m.ingestDuration.Observe(took.Seconds())
}

// IncShardCopiesFailed records a replica copy taken out of the write path.
func (m *Metrics) IncShardCopiesFailed() {
	if m == nil || !m.monitoring {
		return
	}
	m.shardCopiesFailed.Inc()
}
