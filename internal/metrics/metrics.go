// Package metrics exposes Prometheus instrumentation for the agent runtime:
// run outcomes, turn and tool volume, retry/compaction pressure, and lane
// queue depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
//
// Usage:
//
//	m := metrics.NewMetrics()
//	m.RunStarted("main")
//	defer m.RecordRun("main", "success", time.Since(start).Seconds())
type Metrics struct {
	// RunCounter counts completed runs.
	// Labels: agent_id, status (success or an error kind)
	RunCounter *prometheus.CounterVec

	// RunDuration measures whole-run latency in seconds.
	// Labels: agent_id
	RunDuration *prometheus.HistogramVec

	// ActiveRuns tracks runs currently holding lane slots.
	// Labels: agent_id
	ActiveRuns *prometheus.GaugeVec

	// TurnCounter counts loop turns.
	// Labels: agent_id
	TurnCounter *prometheus.CounterVec

	// ToolCounter counts tool executions.
	// Labels: tool, status (success|error|skipped)
	ToolCounter *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// RetryCounter counts provider stream retries.
	// Labels: agent_id
	RetryCounter *prometheus.CounterVec

	// CompactionCounter counts history compactions.
	// Labels: agent_id, trigger (threshold|overflow)
	CompactionCounter *prometheus.CounterVec

	// SteeringCounter counts steering preemptions.
	// Labels: agent_id
	SteeringCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption reported by the provider.
	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// LaneWaiting tracks queued runs.
	// Labels: lane (global|session)
	LaneWaiting *prometheus.GaugeVec
}

// NewMetrics registers all collectors on the default registry. Call once at
// startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors on the given registerer. Tests use
// this with a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_runs_total",
				Help: "Total number of completed runs by agent and status",
			},
			[]string{"agent_id", "status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_run_duration_seconds",
				Help:    "Duration of runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"agent_id"},
		),

		ActiveRuns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strand_active_runs",
				Help: "Current number of runs holding lane slots",
			},
			[]string{"agent_id"},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_turns_total",
				Help: "Total number of loop turns",
			},
			[]string{"agent_id"},
		),

		ToolCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_stream_retries_total",
				Help: "Total number of rate-limited provider stream retries",
			},
			[]string{"agent_id"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_compactions_total",
				Help: "Total number of history compactions by trigger",
			},
			[]string{"agent_id", "trigger"},
		),

		SteeringCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_steering_total",
				Help: "Total number of steering preemptions",
			},
			[]string{"agent_id"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LaneWaiting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strand_lane_waiting",
				Help: "Current number of runs queued per lane level",
			},
			[]string{"lane"},
		),
	}
}

// RunStarted marks a run admitted to its lanes.
func (m *Metrics) RunStarted(agentID string) {
	m.ActiveRuns.WithLabelValues(agentID).Inc()
}

// RecordRun records a completed run and releases its active slot.
func (m *Metrics) RecordRun(agentID, status string, durationSeconds float64) {
	m.ActiveRuns.WithLabelValues(agentID).Dec()
	m.RunCounter.WithLabelValues(agentID, status).Inc()
	m.RunDuration.WithLabelValues(agentID).Observe(durationSeconds)
}

// RecordTurn counts one loop turn.
func (m *Metrics) RecordTurn(agentID string) {
	m.TurnCounter.WithLabelValues(agentID).Inc()
}

// RecordTool records one tool execution.
func (m *Metrics) RecordTool(tool, status string, durationSeconds float64) {
	m.ToolCounter.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordToolSkipped counts a tool call preempted by steering.
func (m *Metrics) RecordToolSkipped(tool string) {
	m.ToolCounter.WithLabelValues(tool, "skipped").Inc()
}

// RecordRetry counts a rate-limited stream retry.
func (m *Metrics) RecordRetry(agentID string) {
	m.RetryCounter.WithLabelValues(agentID).Inc()
}

// RecordCompaction counts one compaction by trigger.
func (m *Metrics) RecordCompaction(agentID string, auto bool) {
	trigger := "threshold"
	if auto {
		trigger = "overflow"
	}
	m.CompactionCounter.WithLabelValues(agentID, trigger).Inc()
}

// RecordSteering counts one steering preemption.
func (m *Metrics) RecordSteering(agentID string) {
	m.SteeringCounter.WithLabelValues(agentID).Inc()
}

// RecordTokens tracks provider-reported token usage.
func (m *Metrics) RecordTokens(provider, model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// SetLaneWaiting updates the queue-depth gauges.
func (m *Metrics) SetLaneWaiting(global, session int) {
	m.LaneWaiting.WithLabelValues("global").Set(float64(global))
	m.LaneWaiting.WithLabelValues("session").Set(float64(session))
}
