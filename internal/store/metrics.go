package store

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	messages    *prometheus.CounterVec
	rateLimited prometheus.Counter
	sweeps      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podyard",
			Subsystem: "store",
			Name:      "messages_total",
			Help:      "Message submissions by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "podyard",
			Subsystem: "store",
			Name:      "rate_limited_total",
			Help:      "Submissions rejected by the per-client rate limit.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podyard",
			Subsystem: "store",
			Name:      "pod_sweeps_total",
			Help:      "Pod liveness sweeps by trigger.",
		}, []string{"trigger"}),
	}
	reg.MustRegister(m.messages, m.rateLimited, m.sweeps)
	return m
}
