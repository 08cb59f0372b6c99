// Package metrics defines the Prometheus collectors exported by warren.
//
// Collectors live on a Metrics value instead of package globals so that tests and
// multiple managers in one process can use separate registries. Every method is
// safe to call on a nil *Metrics, which turns instrumentation off.
package metrics

import (
	"errors"
	"time"

	"github.com/dyluth/warren/pkg/casstore"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warren"

// Metrics groups the broker, commit and task collectors.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	ActiveBrokers     prometheus.Gauge
	ProcessLatency    prometheus.Histogram

	CommitBatchSize prometheus.Histogram
	CommitLatency   prometheus.Histogram
	CommitFailures  prometheus.Counter

	TaskTransitions   *prometheus.CounterVec
	TaskReassignments prometheus.Counter
	TasksPoisoned     prometheus.Counter
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages accepted into a room queue",
		}, []string{"room"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages processed successfully",
		}, []string{"room"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages whose processing failed",
		}, []string{"room"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Messages rejected at routing time",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in a room queue",
		}, []string{"room"}),
		ActiveBrokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_brokers",
			Help:      "Room brokers currently registered",
		}),
		ProcessLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_latency_ms",
			Help:      "Processing callback latency in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		CommitBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_batch_size",
			Help:      "Items per group commit",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_ms",
			Help:      "Group commit latency in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_failures_total",
			Help:      "Group commits that failed",
		}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions by target status",
		}, []string{"status"}),
		TaskReassignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_reassignments_total",
			Help:      "Tasks taken away from an owner with a stale heartbeat",
		}),
		TasksPoisoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_poisoned_total",
			Help:      "Tasks failed after exceeding the reassignment limit",
		}),
	}
}

// Register registers every collector on reg (the default registerer when nil).
// Collectors that are already registered are ignored.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.MessagesReceived, m.MessagesProcessed, m.MessagesFailed, m.MessagesRejected,
		m.QueueDepth, m.ActiveBrokers, m.ProcessLatency,
		m.CommitBatchSize, m.CommitLatency, m.CommitFailures,
		m.TaskTransitions, m.TaskReassignments, m.TasksPoisoned,
	}
	for _, c := range collectors {
		if err := register(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterStore exports the counters of a CAS store.
func RegisterStore(reg prometheus.Registerer, store *casstore.Store) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	funcs := []struct {
		name, help string
		value      func(casstore.Stats) int64
	}{
		{"cas_writes_total", "Successful compare-and-set writes", func(s casstore.Stats) int64 { return s.Writes }},
		{"cas_conflicts_total", "Compare-and-set version conflicts", func(s casstore.Stats) int64 { return s.Conflicts }},
		{"cas_merges_total", "Conflicts resolved by a merge strategy", func(s casstore.Stats) int64 { return s.Merges }},
		{"cas_failures_total", "Writes that failed after retries or with I/O errors", func(s casstore.Stats) int64 { return s.Failures }},
	}
	for _, f := range funcs {
		value := f.value
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      f.name,
			Help:      f.help,
		}, func() float64 { return float64(value(store.Stats())) })
		if err := register(reg, c); err != nil {
			return err
		}
	}
	return nil
}

func register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}
	return nil
}

// MessageReceived records an accepted message and the queue depth after enqueue.
func (m *Metrics) MessageReceived(room string, depth int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(room).Inc()
	m.QueueDepth.WithLabelValues(room).Set(float64(depth))
}

// MessageDone records the outcome of processing one message.
func (m *Metrics) MessageDone(room string, depth int, took time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.MessagesFailed.WithLabelValues(room).Inc()
	} else {
		m.MessagesProcessed.WithLabelValues(room).Inc()
	}
	m.QueueDepth.WithLabelValues(room).Set(float64(depth))
	m.ProcessLatency.Observe(float64(took.Milliseconds()))
}

// MessageRejected records a routing rejection.
func (m *Metrics) MessageRejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// BrokerAdded and BrokerRemoved track the number of live brokers.
func (m *Metrics) BrokerAdded() {
	if m == nil {
		return
	}
	m.ActiveBrokers.Inc()
}

func (m *Metrics) BrokerRemoved(room string) {
	if m == nil {
		return
	}
	m.ActiveBrokers.Dec()
	m.QueueDepth.DeleteLabelValues(room)
}

// BatchCommitted records one group commit.
func (m *Metrics) BatchCommitted(size int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.CommitBatchSize.Observe(float64(size))
	m.CommitLatency.Observe(float64(took.Milliseconds()))
	if err != nil {
		m.CommitFailures.Inc()
	}
}

// TaskTransition records a task entering status.
func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(status).Inc()
}

// TaskReassigned records a stale-owner reassignment.
func (m *Metrics) TaskReassigned() {
	if m == nil {
		return
	}
	m.TaskReassignments.Inc()
}

// TaskPoisoned records a task failed for exceeding the reassignment limit.
func (m *Metrics) TaskPoisoned() {
	if m == nil {
		return
	}
	m.TasksPoisoned.Inc()
}
