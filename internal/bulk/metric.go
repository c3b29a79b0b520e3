package bulk

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Metric counts the work of one Client. It is safe for concurrent use and
// can be registered as a Prometheus collector.
type Metric struct {
	submitted    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	inFlight     atomic.Int64
	inFlightDocs atomic.Int64
	bytes        atomic.Int64
	started      atomic.Int64
	stopped      atomic.Int64

	submittedDesc    *prometheus.Desc
	succeededDesc    *prometheus.Desc
	failedDesc       *prometheus.Desc
	inFlightDesc     *prometheus.Desc
	inFlightDocsDesc *prometheus.Desc
	bytesDesc        *prometheus.Desc
	elapsedDesc      *prometheus.Desc
}

// NewMetric creates a metric whose Prometheus series carry the given
// client name as a constant label.
func NewMetric(client string) *Metric {
	labels := prometheus.Labels{"client": client}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("ingest_bulk_"+name, help, nil, labels)
	}
	return &Metric{
		submittedDesc:    desc("submitted_total", "Operations handed to the executor"),
		succeededDesc:    desc("succeeded_total", "Operations applied by their leader"),
		failedDesc:       desc("failed_total", "Operations rejected or lost with their batch"),
		inFlightDesc:     desc("batches_in_flight", "Batches waiting for their response"),
		inFlightDocsDesc: desc("operations_in_flight", "Operations waiting for their response"),
		bytesDesc:        desc("submitted_bytes_total", "Estimated bytes handed to the executor"),
		elapsedDesc:      desc("elapsed_seconds", "Time since the client started"),
	}
}

func (m *Metric) start() {
	m.started.CompareAndSwap(0, time.Now().UnixNano())
}

func (m *Metric) stop() {
	m.stopped.CompareAndSwap(0, time.Now().UnixNano())
}

func (m *Metric) batchSubmitted(ops int, bytes int64) {
	m.submitted.Add(int64(ops))
	m.bytes.Add(bytes)
	m.inFlight.Add(1)
	m.inFlightDocs.Add(int64(ops))
}

func (m *Metric) batchDone(ops, succeeded int) {
	m.inFlight.Add(-1)
	m.inFlightDocs.Add(-int64(ops))
	m.succeeded.Add(int64(succeeded))
	m.failed.Add(int64(ops - succeeded))
}

// Submitted returns the number of operations handed to the executor.
func (m *Metric) Submitted() int64 { return m.submitted.Load() }

// Succeeded returns the number of operations applied by their leader.
func (m *Metric) Succeeded() int64 { return m.succeeded.Load() }

// Failed returns the number of operations that were not applied.
func (m *Metric) Failed() int64 { return m.failed.Load() }

// InFlight returns the number of batches waiting for their response.
func (m *Metric) InFlight() int64 { return m.inFlight.Load() }

// InFlightDocs returns the number of operations waiting for their response.
func (m *Metric) InFlightDocs() int64 { return m.inFlightDocs.Load() }

// Bytes returns the estimated volume handed to the executor.
func (m *Metric) Bytes() int64 { return m.bytes.Load() }

// Elapsed returns the time between start and stop, or up to now while the
// client is running.
func (m *Metric) Elapsed() time.Duration {
	started := m.started.Load()
	if started == 0 {
		return 0
	}
	end := m.stopped.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - started)
}

func (m *Metric) String() string {
	return fmt.Sprintf("submitted=%d succeeded=%d failed=%d in_flight=%d bytes=%s elapsed=%s",
		m.Submitted(), m.Succeeded(), m.Failed(), m.InFlight(),
		humanize.Bytes(uint64(m.Bytes())), m.Elapsed().Round(time.Millisecond))
}

// Describe implements prometheus.Collector.
func (m *Metric) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.submittedDesc
	ch <- m.succeededDesc
	ch <- m.failedDesc
	ch <- m.inFlightDesc
	ch <- m.inFlightDocsDesc
	ch <- m.bytesDesc
	ch <- m.elapsedDesc
}

// Collect implements prometheus.Collector.
func (m *Metric) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.submittedDesc, prometheus.CounterValue, float64(m.Submitted()))
	ch <- prometheus.MustNewConstMetric(m.succeededDesc, prometheus.CounterValue, float64(m.Succeeded()))
	ch <- prometheus.MustNewConstMetric(m.failedDesc, prometheus.CounterValue, float64(m.Failed()))
	ch <- prometheus.MustNewConstMetric(m.inFlightDesc, prometheus.GaugeValue, float64(m.InFlight()))
	ch <- prometheus.MustNewConstMetric(m.inFlightDocsDesc, prometheus.GaugeValue, float64(m.InFlightDocs()))
	ch <- prometheus.MustNewConstMetric(m.bytesDesc, prometheus.CounterValue, float64(m.Bytes()))
	ch <- prometheus.MustNewConstMetric(m.elapsedDesc, prometheus.GaugeValue, m.Elapsed().Seconds())
}
