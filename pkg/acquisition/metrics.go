package acquisition

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the acquisition loop.
type Metrics struct {
	SessionActive    prometheus.Gauge
	Ticks            *prometheus.CounterVec
	Overruns         *prometheus.CounterVec
	SupplyDiscarded  prometheus.Counter
	LogFailures      prometheus.Counter
	LogBytes         prometheus.Counter
	LogRows          prometheus.Counter
	LogBlockDuration prometheus.Histogram
}

// NewMetrics creates the acquisition metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plasma_acquisition_session_active",
			Help: "1 while an acquisition session is running",
		}),
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plasma_acquisition_ticks_total",
				Help: "Task executions by task",
			},
			[]string{"task"},
		),
		Overruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plasma_acquisition_deadline_overruns_total",
				Help: "Deadlines missed by more than one period, by task",
			},
			[]string{"task"},
		),
		SupplyDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_acquisition_supply_discarded_total",
			Help: "Supply readouts discarded as malformed or unanswered",
		}),
		LogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_acquisition_log_failures_total",
			Help: "Log block reads that failed and were skipped",
		}),
		LogBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_acquisition_log_bytes_total",
			Help: "Bytes written to the log sink",
		}),
		LogRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_acquisition_log_rows_total",
			Help: "Telemetry rows forwarded to the display",
		}),
		LogBlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plasma_acquisition_log_block_seconds",
			Help:    "Round trip time of a log block query",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionActive,
			m.Ticks,
			m.Overruns,
			m.SupplyDiscarded,
			m.LogFailures,
			m.LogBytes,
			m.LogRows,
			m.LogBlockDuration,
		)
	}
	return m
}
