package obs

import "github.com/prometheus/client_golang/prometheus"

// AuthMetrics counts engine outcomes. It satisfies auth.Recorder.
type AuthMetrics struct {
	operations *prometheus.CounterVec
	reuse      prometheus.Counter
}

// NewAuthMetrics creates the counters and registers them with reg.
func NewAuthMetrics(reg prometheus.Registerer) *AuthMetrics {
	m := &AuthMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Authentication operations by outcome.",
		}, []string{"operation", "outcome"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_reuse_total",
			Help: "Presentations of refresh tokens that were already rotated.",
		}),
	}
	reg.MustRegister(m.operations, m.reuse)
	return m
}

func (m *AuthMetrics) ObserveAuth(operation, outcome string) {
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *AuthMetrics) ObserveRefreshReuse() {
	m.reuse.Inc()
}
