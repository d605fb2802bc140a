// Package metrics exposes Prometheus instrumentation for the fiscal
// bridge: attempt outcomes, job lifecycle counters and a gauge tracking
// the pending job backlog.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PendingCounter interface {
	CountPendingJobs(ctx context.Context) (int64, error)
}

type Metrics struct {
	attemptsTotal *prometheus.CounterVec
	jobsCreated   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	skipsTotal    *prometheus.CounterVec
}

// New registers the bridge metrics on reg. The pending-jobs gauge reads
// the backlog from the store on every scrape.
func New(reg prometheus.Registerer, pending PendingCounter) *Metrics {
	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_attempts_total",
			Help: "Fiscal print attempts by terminal outcome.",
		}, []string{"status"}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiscal_jobs_created_total",
			Help: "Fiscal jobs enqueued for the bridge agent.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_jobs_completed_total",
			Help: "Fiscal jobs completed by the bridge agent, by outcome.",
		}, []string{"status"}),
		skipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_skips_total",
			Help: "Fiscal operations skipped silently, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.attemptsTotal, m.jobsCreated, m.jobsCompleted, m.skipsTotal)

	if pending != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fiscal_jobs_pending",
			Help: "Fiscal jobs currently waiting for a bridge agent.",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			count, err := pending.CountPendingJobs(ctx)
			if err != nil {
				return -1
			}
			return float64(count)
		}))
	}

	return m
}

func (m *Metrics) ObserveAttempt(status string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveJobCreated() {
	if m == nil {
		return
	}
	m.jobsCreated.Inc()
}

func (m *Metrics) ObserveJobCompleted(status string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSkip(reason string) {
	if m == nil {
		return
	}
	m.skipsTotal.WithLabelValues(reason).Inc()
}
