// Package metrics exposes Prometheus instruments for routing, tools, approvals and turns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors on a private registry. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RoutingDecisions    *prometheus.CounterVec
	ToolCalls           *prometheus.CounterVec
	ToolDuration        *prometheus.HistogramVec
	ApprovalTransitions *prometheus.CounterVec
	TurnDuration        *prometheus.HistogramVec
	LLMCalls            *prometheus.CounterVec
	SessionsEnded       *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RoutingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csagent_routing_decisions_total",
				Help: "Routing decisions by method and chosen specialist",
			},
			[]string{"method", "specialist"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csagent_tool_calls_total",
				Help: "Tool calls by tool, policy verdict and final status",
			},
			[]string{"tool", "verdict", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "csagent_tool_duration_milliseconds",
				Help:    "Tool execution duration in milliseconds, retries included",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
			},
			[]string{"tool"},
		),
		ApprovalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csagent_approval_transitions_total",
				Help: "Approval request transitions by target status",
			},
			[]string{"status"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "csagent_turn_duration_milliseconds",
				Help:    "Chat turn duration in milliseconds",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"outcome"},
		),
		LLMCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csagent_llm_calls_total",
				Help: "LLM calls by purpose and outcome",
			},
			[]string{"purpose", "outcome"},
		),
		SessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csagent_sessions_ended_total",
				Help: "Sessions ended by reason",
			},
			[]string{"reason"},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RoutingDecisions,
		m.ToolCalls,
		m.ToolDuration,
		m.ApprovalTransitions,
		m.TurnDuration,
		m.LLMCalls,
		m.SessionsEnded,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Routing(method, specialist string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(method, specialist).Inc()
}

func (m *Metrics) ToolCall(tool, verdict, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, verdict, status).Inc()
	if took > 0 {
		m.ToolDuration.WithLabelValues(tool).Observe(float64(took.Milliseconds()))
	}
}

func (m *Metrics) Approval(status string) {
	if m == nil {
		return
	}
	m.ApprovalTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Turn(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(outcome).Observe(float64(took.Milliseconds()))
}

func (m *Metrics) LLMCall(purpose, outcome string) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(purpose, outcome).Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}
