package pddb

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/betrusted-io/xous-core-sub012/internal/audit"
)

// Metrics holds the collectors for one DB. Nothing here carries a basis
// name; labels are limited to outcomes, page states and request kinds.
type Metrics struct {
	mounted    prometheus.Gauge
	kdfSeconds prometheus.Histogram
	cacheHits  prometheus.Counter
	outcomes   *prometheus.CounterVec
	pages      *prometheus.GaugeVec
	requests   *prometheus.HistogramVec

	compactions prometheus.Counter
	relocated   prometheus.Counter
	rollbacks   prometheus.Counter
	erased      prometheus.Counter
	last        struct{ compactions, relocated, rollbacks, erased uint64 }
}

func newMetrics(reg prometheus.Registerer, db *DB) (*Metrics, error) {
	m := &Metrics{
		mounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pddb",
			Name:      "mounted_bases",
			Help:      "The number of currently mounted bases.",
		}),
		kdfSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pddb",
			Name:      "mount_duration_seconds",
			Help:      "Time spent deriving keys and scanning the medium on mount.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pddb",
			Name:      "page_cache_hits_total",
			Help:      "The total number of plaintext page cache hits.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pddb",
			Name:      "mount_attempts_total",
			Help:      "Mount attempts by outcome.",
		}, []string{"outcome"}),
		pages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pddb",
			Name:      "pages",
			Help:      "Physical pages by state.",
		}, []string{"state"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pddb",
			Name:      "request_duration_seconds",
			Help:      "The latency distributions of worker requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pddb",
			Name:      "compactions_total",
			Help:      "The total number of sector compactions.",
		}),
		relocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pddb",
			Name:      "relocated_pages_total",
			Help:      "The total number of pages moved by compaction.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pddb",
			Name:      "compaction_rollbacks_total",
			Help:      "The total number of compactions that were rolled back.",
		}),
		erased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pddb",
			Name:      "erased_sectors_total",
			Help:      "The total number of sectors erased.",
		}),
	}
	io := func(name, help string, f func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pddb",
			Subsystem: "medium",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(f()) })
	}
	collectors := []prometheus.Collector{
		m.mounted, m.kdfSeconds, m.cacheHits, m.outcomes, m.pages, m.requests,
		m.compactions, m.relocated, m.rollbacks, m.erased,
		io("reads_total", "Pages read from the medium.", func() uint64 { return db.medium.IOStats().Reads }),
		io("programs_total", "Pages programmed to the medium.", func() uint64 { return db.medium.IOStats().Programs }),
		io("erases_total", "Sectors and bulks erased on the medium.", func() uint64 { return db.medium.IOStats().Erases }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) mountOutcome(o PasswordOutcome) {
	m.outcomes.WithLabelValues(o.Kind.String()).Inc()
}

// refresh copies the page table's gauges and counter deltas.
func (m *Metrics) refresh(db *DB) {
	st := db.table.Stats()
	m.pages.WithLabelValues("free").Set(float64(st.Free))
	m.pages.WithLabelValues("reserved").Set(float64(st.Reserved))
	m.pages.WithLabelValues("used").Set(float64(st.Used))
	m.pages.WithLabelValues("foreign").Set(float64(st.Foreign))
	m.pages.WithLabelValues("dirty").Set(float64(st.Dirty))

	c := db.table.Counters()
	m.compactions.Add(float64(c.Compactions - m.last.compactions))
	m.relocated.Add(float64(c.Relocated - m.last.relocated))
	m.rollbacks.Add(float64(c.Rollbacks - m.last.rollbacks))
	m.erased.Add(float64(c.Erased - m.last.erased))
	if c.Compactions > m.last.compactions {
		db.audit.Append(audit.EventCompaction, int64(c.Compactions-m.last.compactions))
	}
	m.last.compactions, m.last.relocated = c.Compactions, c.Relocated
	m.last.rollbacks, m.last.erased = c.Rollbacks, c.Erased
}
