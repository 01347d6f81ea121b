// Package providers adapts provider SDK streams to the typed event
// sequence the agent loop consumes.
package providers

import (
	"context"
	"encoding/json"

	"github.com/strandlabs/strand/pkg/models"
)

// ModelDef identifies the target model and its window.
type ModelDef struct {
	Provider            string
	ID                  string
	ContextWindowTokens int
}

// ToolDef is the provider-facing tool description.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Options configures one streaming call.
type Options struct {
	APIKey       string
	BaseURL      string
	Headers      map[string]string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	Reasoning    string
	Tools        []ToolDef
}

// EventType discriminates stream events.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventTextEnd       EventType = "text_end"
	EventThinkingDelta EventType = "thinking_delta"
	EventThinkingEnd   EventType = "thinking_end"
	EventToolCallStart EventType = "toolcall_start"
	EventToolCallEnd   EventType = "toolcall_end"
	EventError         EventType = "error"
)

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Event is one element of the typed stream sequence.
type Event struct {
	Type         EventType
	Delta        string    // text_delta, thinking_delta
	Content      string    // text_end: the full text block
	ToolCall     *ToolCall // toolcall_end
	ErrorMessage string    // error
}

// Result is the completed assistant turn.
type Result struct {
	Blocks       models.BlockList
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Stream delivers events as they arrive; Result blocks until the stream
// has fully completed.
type Stream struct {
	events chan Event
	done   chan struct{}
	result Result
	err    error
}

func newStream() *Stream {
	return &Stream{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan Event { return s.events }

// Result waits for completion and returns the accumulated turn.
func (s *Stream) Result() (Result, error) {
	<-s.done
	return s.result, s.err
}

// emit pushes an event without blocking forever on an abandoned consumer.
func (s *Stream) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// finish records the outcome and closes the stream. Call exactly once.
func (s *Stream) finish(result Result, err error) {
	s.result = result
	s.err = err
	close(s.events)
	close(s.done)
}

// StreamFunc is the provider streaming function consumed by the loop.
type StreamFunc func(ctx context.Context, model ModelDef, messages []models.Message, opts Options) (*Stream, error)

// NewScriptedStream builds an already-completed stream from a fixed event
// sequence. Fake providers in tests script turns with it.
func NewScriptedStream(events []Event, result Result, err error) *Stream {
	s := &Stream{
		events: make(chan Event, len(events)+1),
		done:   make(chan struct{}),
	}
	for _, ev := range events {
		s.events <- ev
	}
	s.finish(result, err)
	return s
}
