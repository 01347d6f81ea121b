package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/strandlabs/strand/pkg/models"
)

// fakeAnthropicSSE replays decoded SDK events.
type fakeAnthropicSSE struct {
	events []anthropic.MessageStreamEventUnion
	idx    int
	err    error
}

func (f *fakeAnthropicSSE) Next() bool {
	if f.idx < len(f.events) {
		f.idx++
		return true
	}
	return false
}

func (f *fakeAnthropicSSE) Current() anthropic.MessageStreamEventUnion {
	return f.events[f.idx-1]
}

func (f *fakeAnthropicSSE) Err() error { return f.err }

func anthropicEvents(t *testing.T, raws ...string) []anthropic.MessageStreamEventUnion {
	t.Helper()
	events := make([]anthropic.MessageStreamEventUnion, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal([]byte(raw), &events[i]); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
	}
	return events
}

func runAnthropicConsumer(t *testing.T, sse *fakeAnthropicSSE) ([]Event, Result, error) {
	t.Helper()
	s := newStream()
	go consumeAnthropicStream(context.Background(), s, sse)
	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	res, err := s.Result()
	return events, res, err
}

func TestConsumeAnthropicStreamTextAndTool(t *testing.T) {
	sse := &fakeAnthropicSSE{events: anthropicEvents(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"read","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	)}

	events, res, err := runAnthropicConsumer(t, sse)
	if err != nil {
		t.Fatal(err)
	}

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{EventTextDelta, EventTextDelta, EventTextEnd, EventToolCallStart, EventToolCallEnd}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, types[i], want[i])
		}
	}

	if len(res.Blocks) != 2 {
		t.Fatalf("blocks = %+v", res.Blocks)
	}
	if res.Blocks[0].Type != models.BlockText || res.Blocks[0].Text != "Hello" {
		t.Fatalf("text block = %+v", res.Blocks[0])
	}
	tool := res.Blocks[1]
	if tool.Type != models.BlockToolUse || tool.ID != "toolu_1" || tool.Name != "read" {
		t.Fatalf("tool block = %+v", tool)
	}
	if path, _ := tool.Input["path"].(string); path != "a.txt" {
		t.Fatalf("tool input = %+v", tool.Input)
	}
	if res.InputTokens != 12 || res.OutputTokens != 9 || res.StopReason != "tool_use" {
		t.Fatalf("result meta = %+v", res)
	}
}

func TestConsumeAnthropicStreamThinking(t *testing.T) {
	sse := &fakeAnthropicSSE{events: anthropicEvents(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"answer"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_stop"}`,
	)}

	events, res, err := runAnthropicConsumer(t, sse)
	if err != nil {
		t.Fatal(err)
	}
	sawThinkingDelta, sawThinkingEnd := false, false
	for _, ev := range events {
		switch ev.Type {
		case EventThinkingDelta:
			sawThinkingDelta = ev.Delta == "hmm"
		case EventThinkingEnd:
			sawThinkingEnd = true
		}
	}
	if !sawThinkingDelta || !sawThinkingEnd {
		t.Fatalf("thinking events missing: %+v", events)
	}
	if len(res.Blocks) != 2 || res.Blocks[0].Type != models.BlockThinking || res.Blocks[0].Text != "hmm" {
		t.Fatalf("blocks = %+v", res.Blocks)
	}
}

func TestConsumeAnthropicStreamMalformedToolInput(t *testing.T) {
	sse := &fakeAnthropicSSE{events: anthropicEvents(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"read","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{not json"}}`,
		`{"type":"content_block_stop","index":0}`,
	)}

	events, _, err := runAnthropicConsumer(t, sse)
	if err == nil || !strings.Contains(err.Error(), "malformed tool input") {
		t.Fatalf("err = %v", err)
	}
	last := events[len(events)-1]
	if last.Type != EventError || last.ErrorMessage == "" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestConsumeAnthropicStreamTransportError(t *testing.T) {
	sse := &fakeAnthropicSSE{
		events: anthropicEvents(t,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		),
		err: errors.New("connection reset"),
	}

	_, _, err := runAnthropicConsumer(t, sse)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v", err)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage(
			models.ContentBlock{Type: models.BlockThinking, Text: "pondering"},
			models.TextBlock("let me check"),
			models.ToolUseBlock("toolu_1", "read", map[string]any{"path": "a.txt"}),
		),
		models.NewToolResultMessage(models.ToolResultBlock("toolu_1", "read", "contents")),
		models.NewAssistantMessage(), // empty, dropped
	}

	converted, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatal(err)
	}
	if len(converted) != 3 {
		t.Fatalf("converted %d messages, want 3", len(converted))
	}
	if converted[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("role[0] = %v", converted[0].Role)
	}
	if converted[1].Role != anthropic.MessageParamRoleAssistant {
		t.Fatalf("role[1] = %v", converted[1].Role)
	}
	// Thinking is dropped on replay: text + tool_use only.
	if len(converted[1].Content) != 2 {
		t.Fatalf("assistant content = %d blocks, want 2", len(converted[1].Content))
	}
	if converted[2].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("role[2] = %v", converted[2].Role)
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	defs := []ToolDef{{
		Name:        "read",
		Description: "reads a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}}
	converted, err := convertAnthropicTools(defs)
	if err != nil {
		t.Fatal(err)
	}
	if len(converted) != 1 || converted[0].OfTool == nil {
		t.Fatalf("converted = %+v", converted)
	}
	if converted[0].OfTool.Name != "read" {
		t.Fatalf("name = %q", converted[0].OfTool.Name)
	}

	if _, err := convertAnthropicTools([]ToolDef{{
		Name:        "bad",
		InputSchema: json.RawMessage(`{`),
	}}); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestBuildAnthropicParams(t *testing.T) {
	temp := 0.4
	params, err := buildAnthropicParams(
		ModelDef{ID: "claude-sonnet-4-20250514"},
		[]models.Message{models.NewUserMessage("hi")},
		Options{
			SystemPrompt: "be brief",
			Temperature:  &temp,
			Reasoning:    "medium",
			MaxTokens:    2048,
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if params.Model != "claude-sonnet-4-20250514" || params.MaxTokens != 2048 {
		t.Fatalf("params = %+v", params)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Fatalf("system = %+v", params.System)
	}
	if params.Thinking.OfEnabled == nil || params.Thinking.OfEnabled.BudgetTokens != 10_000 {
		t.Fatalf("thinking = %+v", params.Thinking)
	}

	// Defaults kick in when unset.
	params, err = buildAnthropicParams(ModelDef{}, []models.Message{models.NewUserMessage("hi")}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if params.Model != defaultAnthropicModel || params.MaxTokens != defaultAnthropicMaxTokens {
		t.Fatalf("defaults = %+v", params)
	}
}

func TestReasoningBudget(t *testing.T) {
	cases := map[string]int64{
		"minimal": 1024,
		"low":     4096,
		"medium":  10_000,
		"high":    20_000,
		"xhigh":   32_000,
		"":        0,
		"bogus":   0,
	}
	for level, want := range cases {
		if got := reasoningBudget(level); got != want {
			t.Errorf("reasoningBudget(%q) = %d, want %d", level, got, want)
		}
	}
}

func TestAnthropicStreamRequiresAPIKey(t *testing.T) {
	_, err := AnthropicStream(context.Background(), ModelDef{}, nil, Options{})
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("err = %v", err)
	}
}
