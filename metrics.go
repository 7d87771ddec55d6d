package nudb

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the optional Prometheus instrumentation for a Store. A nil
// *Metrics is valid everywhere below and simply does nothing, so stores
// that don't pass WithMetrics pay no registration cost.
type Metrics struct {
	fetches     prometheus.Counter
	fetchMisses prometheus.Counter
	inserts     prometheus.Counter
	insertDups  prometheus.Counter
	commits     prometheus.Counter
	commitDur   prometheus.Histogram
	splits      prometheus.Counter
	poolBytes   prometheus.Gauge
	bucketCount prometheus.Gauge
}

// NewMetrics constructs a Metrics instance and registers its collectors
// with reg. namespace/subsystem follow the usual Prometheus convention
// (e.g. "myapp", "nudb"). Registration errors (e.g. a duplicate collector
// from opening two stores against the same registry) are returned rather
// than panicking, leaving the caller free to reuse an existing registration.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "fetches_total",
			Help: "Total number of Fetch calls.",
		}),
		fetchMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "fetch_misses_total",
			Help: "Total number of Fetch calls that returned key_not_found.",
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "inserts_total",
			Help: "Total number of successful Insert calls.",
		}),
		insertDups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "insert_duplicates_total",
			Help: "Total number of Insert calls that returned key_exists.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "commits_total",
			Help: "Total number of completed background commits.",
		}),
		commitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "commit_duration_seconds",
			Help:    "Duration of a background commit.",
			Buckets: prometheus.DefBuckets,
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "bucket_splits_total",
			Help: "Total number of linear-hashing bucket splits performed.",
		}),
		poolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "pool_bytes",
			Help: "Bytes of value data currently buffered in the active insert pool.",
		}),
		bucketCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "bucket_count",
			Help: "Current number of key-file buckets.",
		}),
	}
	collectors := []prometheus.Collector{
		m.fetches, m.fetchMisses, m.inserts, m.insertDups,
		m.commits, m.commitDur, m.splits, m.poolBytes, m.bucketCount,
	}
	if reg != nil {
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeFetch(hit bool) {
	if m == nil {
		return
	}
	m.fetches.Inc()
	if !hit {
		m.fetchMisses.Inc()
	}
}

func (m *Metrics) observeInsert(dup bool) {
	if m == nil {
		return
	}
	if dup {
		m.insertDups.Inc()
		return
	}
	m.inserts.Inc()
}

func (m *Metrics) observeCommit(seconds float64, splitCount int) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.commitDur.Observe(seconds)
	if splitCount > 0 {
		m.splits.Add(float64(splitCount))
	}
}

func (m *Metrics) setPoolBytes(n int64) {
	if m == nil {
		return
	}
	m.poolBytes.Set(float64(n))
}

func (m *Metrics) setBucketCount(n uint64) {
	if m == nil {
		return
	}
	m.bucketCount.Set(float64(n))
}
