// Package metrics exposes Prometheus collectors for admission, bans, the
// ledger and the expiration sweeper. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LedgerTotals is the read side of the ledger needed for gauges.
type LedgerTotals interface {
	Totals() (objects int, bytes int64, identities int)
}

// Metrics contains the Prometheus collectors.
type Metrics struct {
	admissions *prometheus.CounterVec
	bans       prometheus.Counter

	sweepRemoved       prometheus.Counter
	sweepFailures      prometheus.Counter
	sweepOrphans       prometheus.Counter
	sweepDuration      prometheus.Histogram
	persistenceFailure prometheus.Counter

	reg prometheus.Registerer
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharegate_admissions_total",
				Help: "Admission decisions by action and result",
			},
			[]string{"action", "result"},
		),

		bans: f.NewCounter(prometheus.CounterOpts{
			Name: "sharegate_bans_total",
			Help: "Temporary bans installed",
		}),

		sweepRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "sharegate_sweeper_expired_removed_total",
			Help: "Expired objects removed from storage and ledger",
		}),

		sweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sharegate_sweeper_failures_total",
			Help: "Expired objects left for the next cycle after a failure",
		}),

		sweepOrphans: f.NewCounter(prometheus.CounterOpts{
			Name: "sharegate_sweeper_orphans_deleted_total",
			Help: "Unledgered storage objects deleted",
		}),

		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharegate_sweeper_cycle_duration_seconds",
			Help:    "Duration of sweeper cycles",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}),

		persistenceFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "sharegate_ledger_persistence_failures_total",
			Help: "Ledger mutations rolled back because they could not be persisted",
		}),
	}
}

// WatchLedger registers gauges that read the ledger totals at scrape time.
func (m *Metrics) WatchLedger(l LedgerTotals) {
	if m == nil {
		return
	}
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sharegate_ledger_objects",
		Help: "Objects currently in the ledger",
	}, func() float64 {
		objects, _, _ := l.Totals()
		return float64(objects)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sharegate_ledger_bytes",
		Help: "Bytes accounted to live objects",
	}, func() float64 {
		_, bytes, _ := l.Totals()
		return float64(bytes)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sharegate_ledger_identities",
		Help: "Identities owning at least one object",
	}, func() float64 {
		_, _, identities := l.Totals()
		return float64(identities)
	})
}

// RecordAdmission counts one admission decision.
func (m *Metrics) RecordAdmission(action, result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(action, result).Inc()
}

// RecordBan counts one installed ban.
func (m *Metrics) RecordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
}

// RecordPersistenceFailure counts one rolled-back ledger mutation.
func (m *Metrics) RecordPersistenceFailure() {
	if m == nil {
		return
	}
	m.persistenceFailure.Inc()
}

// RecordSweep records the outcome of one sweeper cycle.
func (m *Metrics) RecordSweep(removed, failed, orphans int, took time.Duration) {
	if m == nil {
		return
	}
	m.sweepRemoved.Add(float64(removed))
	m.sweepFailures.Add(float64(failed))
	m.sweepOrphans.Add(float64(orphans))
	m.sweepDuration.Observe(took.Seconds())
}
