package models

import "time"

// AgentEventType discriminates runtime events emitted during a run.
type AgentEventType string

const (
	EventAgentStart             AgentEventType = "agent_start"
	EventAgentEnd               AgentEventType = "agent_end"
	EventAgentError             AgentEventType = "agent_error"
	EventTurnStart              AgentEventType = "turn_start"
	EventTurnEnd                AgentEventType = "turn_end"
	EventMessageDelta           AgentEventType = "message_delta"
	EventMessageEnd             AgentEventType = "message_end"
	EventThinkingDelta          AgentEventType = "thinking_delta"
	EventToolExecutionStart     AgentEventType = "tool_execution_start"
	EventToolExecutionEnd       AgentEventType = "tool_execution_end"
	EventToolSkipped            AgentEventType = "tool_skipped"
	EventSteering               AgentEventType = "steering"
	EventCompaction             AgentEventType = "compaction"
	EventContextOverflowCompact AgentEventType = "context_overflow_compact"
	EventRetry                  AgentEventType = "retry"
	EventSubagentSummary        AgentEventType = "subagent_summary"
	EventSubagentError          AgentEventType = "subagent_error"
)

// ToolEventPayload describes a tool execution lifecycle event.
type ToolEventPayload struct {
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

// ErrorEventPayload carries a terminal or recoverable failure.
type ErrorEventPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// SteeringEventPayload reports a mid-run user message being absorbed.
type SteeringEventPayload struct {
	Text         string `json:"text"`
	SkippedTools int    `json:"skipped_tools,omitempty"`
}

// CompactionEventPayload summarizes a history compaction.
type CompactionEventPayload struct {
	TokensBefore    int  `json:"tokens_before"`
	TokensAfter     int  `json:"tokens_after"`
	SummaryChars    int  `json:"summary_chars"`
	DroppedMessages int  `json:"dropped_messages"`
	Auto            bool `json:"auto,omitempty"`
}

// RetryEventPayload reports a provider stream retry.
type RetryEventPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Reason  string        `json:"reason"`
}

// RunStatsPayload accompanies the terminal agent_end event.
type RunStatsPayload struct {
	Turns      int       `json:"turns"`
	ToolCalls  int       `json:"tool_calls"`
	Messages   []Message `json:"messages,omitempty"`
	FinalText  string    `json:"final_text,omitempty"`
	Compacted  bool      `json:"compacted,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// SubagentEventPayload reports a child run's outcome to its parent.
type SubagentEventPayload struct {
	SubagentID string `json:"subagent_id"`
	SessionKey string `json:"session_key"`
	Task       string `json:"task"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AgentEvent is the single event envelope pushed through the run event
// stream. Exactly one payload pointer is set, chosen by Type. Sequence is
// monotonically increasing within a stream.
type AgentEvent struct {
	Type      AgentEventType          `json:"type"`
	Time      time.Time               `json:"time"`
	Sequence  uint64                  `json:"sequence"`
	RunID     string                  `json:"run_id,omitempty"`
	Turn      int                     `json:"turn,omitempty"`
	Delta     string                  `json:"delta,omitempty"`
	Tool      *ToolEventPayload       `json:"tool,omitempty"`
	Error     *ErrorEventPayload      `json:"error,omitempty"`
	Steering  *SteeringEventPayload   `json:"steering,omitempty"`
	Compact   *CompactionEventPayload `json:"compact,omitempty"`
	Retry     *RetryEventPayload      `json:"retry,omitempty"`
	Stats     *RunStatsPayload        `json:"stats,omitempty"`
	Subagent  *SubagentEventPayload   `json:"subagent,omitempty"`
}

// Terminal reports whether the event ends a run's event stream.
func (e AgentEvent) Terminal() bool {
	return e.Type == EventAgentEnd || e.Type == EventAgentError
}
