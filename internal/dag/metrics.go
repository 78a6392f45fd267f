package dag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus instruments.
type Metrics struct {
	Tasks    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Running  prometheus.Gauge
}

// NewMetrics registers the instruments with reg. A nil reg creates
// unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monorel",
			Subsystem: "tasks",
			Name:      "completed_total",
			Help:      "Tasks that reached a terminal state, by status.",
		}, []string{"status"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "monorel",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time of executed tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "monorel",
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Tasks currently executing.",
		}),
	}
}

func (m *Metrics) observe(r *TaskResult) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(string(r.Status)).Inc()
	if !r.StartedAt.IsZero() {
		m.Duration.WithLabelValues(string(r.Status)).Observe(r.Duration.Seconds())
	}
}
