package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/strandlabs/strand/pkg/models"
)

// fakeOpenAISSE replays chunked responses, then EOF or a transport error.
type fakeOpenAISSE struct {
	responses []openai.ChatCompletionStreamResponse
	idx       int
	err       error
	closed    bool
}

func (f *fakeOpenAISSE) Recv() (openai.ChatCompletionStreamResponse, error) {
	if f.idx < len(f.responses) {
		resp := f.responses[f.idx]
		f.idx++
		return resp, nil
	}
	if f.err != nil {
		return openai.ChatCompletionStreamResponse{}, f.err
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

func (f *fakeOpenAISSE) Close() error {
	f.closed = true
	return nil
}

func textChunk(content string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: content},
		}},
	}
}

func toolChunk(index int, id, name, args string) openai.ChatCompletionStreamResponse {
	idx := index
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index: &idx,
					ID:    id,
					Type:  openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      name,
						Arguments: args,
					},
				}},
			},
		}},
	}
}

func finishChunk(reason openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{FinishReason: reason}},
	}
}

func runOpenAIConsumer(t *testing.T, sse *fakeOpenAISSE) ([]Event, Result, error) {
	t.Helper()
	s := newStream()
	go consumeOpenAIStream(context.Background(), s, sse)
	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	res, err := s.Result()
	return events, res, err
}

func TestConsumeOpenAIStreamText(t *testing.T) {
	sse := &fakeOpenAISSE{responses: []openai.ChatCompletionStreamResponse{
		textChunk("Hel"),
		textChunk("lo"),
		finishChunk(openai.FinishReasonStop),
	}}

	events, res, err := runOpenAIConsumer(t, sse)
	if err != nil {
		t.Fatal(err)
	}
	if !sse.closed {
		t.Fatal("stream not closed")
	}
	if len(events) != 3 || events[0].Delta != "Hel" || events[1].Delta != "lo" {
		t.Fatalf("events = %+v", events)
	}
	if events[2].Type != EventTextEnd || events[2].Content != "Hello" {
		t.Fatalf("text end = %+v", events[2])
	}
	if len(res.Blocks) != 1 || res.Blocks[0].Text != "Hello" || res.StopReason != "stop" {
		t.Fatalf("result = %+v", res)
	}
}

func TestConsumeOpenAIStreamToolCalls(t *testing.T) {
	sse := &fakeOpenAISSE{responses: []openai.ChatCompletionStreamResponse{
		toolChunk(0, "call_1", "read", `{"pa`),
		toolChunk(0, "", "", `th":"a.txt"}`),
		toolChunk(1, "call_2", "write", `{"path":"b.txt"}`),
		finishChunk(openai.FinishReasonToolCalls),
	}}

	events, res, err := runOpenAIConsumer(t, sse)
	if err != nil {
		t.Fatal(err)
	}

	starts, ends := 0, 0
	var calls []*ToolCall
	for _, ev := range events {
		switch ev.Type {
		case EventToolCallStart:
			starts++
		case EventToolCallEnd:
			ends++
			calls = append(calls, ev.ToolCall)
		}
	}
	if starts != 2 || ends != 2 {
		t.Fatalf("starts=%d ends=%d", starts, ends)
	}
	if calls[0].ID != "call_1" || calls[0].Name != "read" {
		t.Fatalf("first call = %+v", calls[0])
	}
	if path, _ := calls[0].Arguments["path"].(string); path != "a.txt" {
		t.Fatalf("first args = %+v", calls[0].Arguments)
	}
	if calls[1].ID != "call_2" || calls[1].Name != "write" {
		t.Fatalf("second call = %+v", calls[1])
	}
	if len(res.Blocks) != 2 || res.Blocks[0].Type != models.BlockToolUse {
		t.Fatalf("blocks = %+v", res.Blocks)
	}
	if res.StopReason != "tool_calls" {
		t.Fatalf("stop reason = %q", res.StopReason)
	}
}

func TestConsumeOpenAIStreamMalformedArguments(t *testing.T) {
	sse := &fakeOpenAISSE{responses: []openai.ChatCompletionStreamResponse{
		toolChunk(0, "call_1", "read", `{broken`),
	}}

	_, _, err := runOpenAIConsumer(t, sse)
	if err == nil || !strings.Contains(err.Error(), "malformed tool arguments") {
		t.Fatalf("err = %v", err)
	}
}

func TestConsumeOpenAIStreamTransportError(t *testing.T) {
	sse := &fakeOpenAISSE{
		responses: []openai.ChatCompletionStreamResponse{textChunk("partial")},
		err:       errors.New("connection reset"),
	}

	events, _, err := runOpenAIConsumer(t, sse)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v", err)
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %+v", last)
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage(
			models.TextBlock("checking"),
			models.ToolUseBlock("call_1", "read", map[string]any{"path": "a.txt"}),
		),
		models.NewToolResultMessage(
			models.ToolResultBlock("call_1", "read", "contents"),
		),
	}

	converted := convertOpenAIMessages(messages, "be brief")
	if len(converted) != 4 {
		t.Fatalf("converted %d messages, want system + user + assistant + tool", len(converted))
	}
	if converted[0].Role != openai.ChatMessageRoleSystem || converted[0].Content != "be brief" {
		t.Fatalf("system = %+v", converted[0])
	}
	if converted[1].Role != openai.ChatMessageRoleUser || converted[1].Content != "hello" {
		t.Fatalf("user = %+v", converted[1])
	}

	assistant := converted[2]
	if assistant.Role != openai.ChatMessageRoleAssistant || assistant.Content != "checking" {
		t.Fatalf("assistant = %+v", assistant)
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool calls = %+v", assistant.ToolCalls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(assistant.ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatal(err)
	}
	if args["path"] != "a.txt" {
		t.Fatalf("arguments = %+v", args)
	}

	toolMsg := converted[3]
	if toolMsg.Role != openai.ChatMessageRoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "contents" {
		t.Fatalf("tool message = %+v", toolMsg)
	}
}

func TestConvertOpenAIMessagesNoSystem(t *testing.T) {
	converted := convertOpenAIMessages([]models.Message{models.NewUserMessage("hi")}, "")
	if len(converted) != 1 || converted[0].Role != openai.ChatMessageRoleUser {
		t.Fatalf("converted = %+v", converted)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	converted := convertOpenAITools([]ToolDef{{Name: "read", Description: "reads", InputSchema: schema}})
	if len(converted) != 1 {
		t.Fatalf("converted = %+v", converted)
	}
	fn := converted[0].Function
	if converted[0].Type != openai.ToolTypeFunction || fn.Name != "read" || fn.Description != "reads" {
		t.Fatalf("function = %+v", fn)
	}
}

func TestOpenAIStreamRequiresAPIKey(t *testing.T) {
	_, err := OpenAIStream(context.Background(), ModelDef{}, nil, Options{})
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("err = %v", err)
	}
}
