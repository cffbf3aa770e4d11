// Package metrics exports SDK telemetry as Prometheus collectors.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/steamrec/steamrec/sdk/go/telemetry"
)

const namespace = "steamrec"

// Collector turns telemetry metrics into Prometheus series.
type Collector struct {
	httpLatency  prometheus.Histogram
	renewals     *prometheus.CounterVec
	waiters      prometheus.Counter
	transitions  *prometheus.CounterVec
	unauthorized prometheus.Counter
}

// New registers the SDK collectors on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of API calls issued by the SDK.",
			Buckets:   prometheus.DefBuckets,
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_renewals_total",
			Help:      "Session renewals by outcome.",
		}, []string{"outcome"}),
		waiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_renewal_waiters_total",
			Help:      "Callers that joined a renewal already in flight.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state changes by target state.",
		}, []string{"state"}),
		unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_retries_total",
			Help:      "Requests replayed after a 401.",
		}),
	}
	for _, col := range []prometheus.Collector{c.httpLatency, c.renewals, c.waiters, c.transitions, c.unauthorized} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Hooks returns telemetry hooks feeding this collector.
func (c *Collector) Hooks() telemetry.Hooks {
	return telemetry.Hooks{OnMetric: c.observe}
}

func (c *Collector) observe(_ context.Context, m telemetry.Metric) {
	switch m.Name {
	case telemetry.MetricHTTPLatency:
		c.httpLatency.Observe(m.Value)
	case telemetry.MetricRenewal:
		c.renewals.WithLabelValues(label(m, "outcome")).Add(m.Value)
	case telemetry.MetricRenewalWaiter:
		c.waiters.Add(m.Value)
	case telemetry.MetricStateTransition:
		c.transitions.WithLabelValues(label(m, "state")).Add(m.Value)
	case telemetry.MetricUnauthorizedRetry:
		c.unauthorized.Add(m.Value)
	}
}

func label(m telemetry.Metric, key string) string {
	if v := m.Labels[key]; v != "" {
		return v
	}
	return "unknown"
}
