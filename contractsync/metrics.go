package contractsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeStale     = "stale"
	outcomeCancelled = "cancelled"
)

// Metrics holds the fetch cycle collectors.
type Metrics struct {
	cycles   *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiterdash",
			Name:      "fetch_cycles_total",
			Help:      "Contract fetch cycles by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbiterdash",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of ledger fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.duration)
	}
	return m
}

func (m *Metrics) observe(outcome string, elapsed time.Duration) {
	m.cycles.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}
