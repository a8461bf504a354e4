// Package metrics defines the process's prometheus collectors,
// grounded in internal/gateway/http_server.go's promhttp.Handler()
// wiring: counters for turns and tool calls, a histogram for tool
// call duration, and a gauge fed by the Event Hub's own
// SubscriberCount so /metrics reflects live SSE fan-out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector registered against the default
// prometheus registry, constructed once per process and passed to
// the components that record against it.
type Metrics struct {
	TurnsStarted        prometheus.Counter
	TurnsFailed         prometheus.Counter
	ToolCallsTotal       *prometheus.CounterVec
	ToolCallDuration      *prometheus.HistogramVec
	PermissionDecisions   *prometheus.CounterVec
	SSESubscribers        prometheus.GaugeFunc
}

// New registers all collectors and returns the handle used to record
// against them. subscriberCount is polled lazily by SSESubscribers,
// so it can be wired to eventbus.Hub.SubscriberCount without an
// import cycle (metrics has no dependency on eventbus).
func New(subscriberCount func() int) *Metrics {
	m := &Metrics{
		TurnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentserver_turns_started_total",
			Help: "Number of turns started.",
		}),
		TurnsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentserver_turns_failed_total",
			Help: "Number of turns that ended in an error or panic.",
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentserver_tool_calls_total",
			Help: "Number of tool calls executed, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentserver_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds, by tool name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		PermissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentserver_permission_decisions_total",
			Help: "Permission gate decisions, by outcome.",
		}, []string{"outcome"}),
	}
	m.SSESubscribers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentserver_sse_subscribers",
		Help: "Current number of live SSE subscribers.",
	}, func() float64 { return float64(subscriberCount()) })

	prometheus.MustRegister(
		m.TurnsStarted, m.TurnsFailed, m.ToolCallsTotal, m.ToolCallDuration,
		m.PermissionDecisions, m.SSESubscribers,
	)
	return m
}
