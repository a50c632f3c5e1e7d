package blockstm

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine collectors. One set may be shared by many blocks.
type Metrics struct {
	Executions          prometheus.Counter
	Suspensions         prometheus.Counter
	Validations         prometheus.Counter
	Aborts              prometheus.Counter
	Commits             prometheus.Counter
	SequentialFallbacks prometheus.Counter
	Incarnations        prometheus.Histogram
	BlockDuration       prometheus.Histogram
}

var noopMetrics = NewMetrics(nil)

// NewMetrics creates the collectors and registers them on reg unless it is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "txn",
			Name:      "executions_total",
			Help:      "Counter of transaction executions, suspended ones included.",
		}),
		Suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "txn",
			Name:      "suspensions_total",
			Help:      "Counter of executions stopped on an estimate.",
		}),
		Validations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "txn",
			Name:      "validations_total",
			Help:      "Counter of read set validations.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "txn",
			Name:      "aborts_total",
			Help:      "Counter of aborted incarnations.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "txn",
			Name:      "commits_total",
			Help:      "Counter of committed transactions.",
		}),
		SequentialFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "block",
			Name:      "sequential_fallbacks_total",
			Help:      "Counter of blocks finished sequentially after too many aborts.",
		}),
		Incarnations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockstm",
			Subsystem: "txn",
			Name:      "incarnations",
			Help:      "Bucketed histogram of incarnations per committed transaction.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		BlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockstm",
			Subsystem: "block",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of block execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Executions,
			m.Suspensions,
			m.Validations,
			m.Aborts,
			m.Commits,
			m.SequentialFallbacks,
			m.Incarnations,
			m.BlockDuration,
		)
	}
	return m
}
