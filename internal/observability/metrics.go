package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns its own registry so parallel test processes never trip
// duplicate-registration panics on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	WebhookEvents  *prometheus.CounterVec
	SyncRuns       *prometheus.CounterVec
	SchedulerItems *prometheus.CounterVec
	GatewayCalls   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearpoint",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Recurring webhook events by processing result.",
		}, []string{"result"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearpoint",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Gateway sync runs by final status.",
		}, []string{"status"}),
		SchedulerItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearpoint",
			Subsystem: "scheduler",
			Name:      "items_total",
			Help:      "Scheduled manager items by phase and result.",
		}, []string{"phase", "result"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearpoint",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Payment gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(m.WebhookEvents, m.SyncRuns, m.SchedulerItems, m.GatewayCalls)
	return m
}
