package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts sweeps and failed operations. A nil *Metrics records nothing.
type Metrics struct {
	sweeps        prometheus.Counter
	sweptSessions prometheus.Counter
	sweepErrors   prometheus.Counter
	opErrors      *prometheus.CounterVec
}

// NewMetrics creates the store collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kisa",
			Subsystem: "session_store",
			Name:      "sweeps_total",
			Help:      "Number of expired-session sweeps that completed.",
		}),
		sweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kisa",
			Subsystem: "session_store",
			Name:      "swept_sessions_total",
			Help:      "Number of expired sessions deleted by sweeps.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kisa",
			Subsystem: "session_store",
			Name:      "sweep_errors_total",
			Help:      "Number of sweeps that failed.",
		}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kisa",
			Subsystem: "session_store",
			Name:      "operation_errors_total",
			Help:      "Number of store operations that failed, by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.sweeps, m.sweptSessions, m.sweepErrors, m.opErrors)
	}
	return m
}

func (m *Metrics) observeSweep(deleted int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepErrors.Inc()
		return
	}
	m.sweeps.Inc()
	m.sweptSessions.Add(float64(deleted))
}

func (m *Metrics) observeOpError(op string) {
	if m == nil {
		return
	}
	m.opErrors.WithLabelValues(op).Inc()
}
