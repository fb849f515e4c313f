package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	refreshes *prometheus.CounterVec
	sends     *prometheus.CounterVec
	messages  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podyard",
			Subsystem: "reconcile",
			Name:      "refreshes_total",
			Help:      "Message Store refreshes by result.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podyard",
			Subsystem: "reconcile",
			Name:      "sends_total",
			Help:      "Operator message submissions by result.",
		}, []string{"result"}),
		messages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "podyard",
			Subsystem: "reconcile",
			Name:      "messages",
			Help:      "Messages in the reconciled list.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshes, m.sends, m.messages)
	}
	return m
}

func (m *Metrics) refreshed(ok bool) {
	m.refreshes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) sent(ok bool) {
	m.sends.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) listSize(n int) {
	m.messages.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
