package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/strandlabs/strand/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
)

// reasoningBudget maps reasoning levels to thinking token budgets.
func reasoningBudget(level string) int64 {
	switch level {
	case "minimal":
		return 1024
	case "low":
		return 4096
	case "medium":
		return 10_000
	case "high":
		return 20_000
	case "xhigh":
		return 32_000
	default:
		return 0
	}
}

// AnthropicStream opens a streaming Messages call and adapts its SSE events
// to the typed event sequence.
func AnthropicStream(ctx context.Context, model ModelDef, messages []models.Message, opts Options) (*Stream, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	for k, v := range opts.Headers {
		clientOpts = append(clientOpts, option.WithHeader(k, v))
	}
	client := anthropic.NewClient(clientOpts...)

	params, err := buildAnthropicParams(model, messages, opts)
	if err != nil {
		return nil, err
	}

	s := newStream()
	go func() {
		sse := client.Messages.NewStreaming(ctx, params)
		consumeAnthropicStream(ctx, s, sse)
	}()
	return s, nil
}

func buildAnthropicParams(model ModelDef, messages []models.Message, opts Options) (anthropic.MessageNewParams, error) {
	converted, err := convertAnthropicMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	modelID := model.ID
	if modelID == "" {
		modelID = defaultAnthropicModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.SystemPrompt}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if budget := reasoningBudget(opts.Reasoning); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	if len(opts.Tools) > 0 {
		tools, err := convertAnthropicTools(opts.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockThinking:
				// Thinking blocks are not replayed to the provider.
				continue
			case models.BlockToolUse:
				input := block.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, false))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// anthropicSSE is the subset of the SDK stream the consumer needs; tests
// substitute fakes.
type anthropicSSE interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func consumeAnthropicStream(ctx context.Context, s *Stream, sse anthropicSSE) {
	var result Result
	var textBuf strings.Builder
	var thinkingBuf strings.Builder
	var currentTool *ToolCall
	var toolInput strings.Builder
	inText := false
	inThinking := false

	fail := func(message string) {
		s.emit(ctx, Event{Type: EventError, ErrorMessage: message})
		s.finish(result, errors.New(message))
	}

	for sse.Next() {
		event := sse.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			result.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				inText = true
				textBuf.Reset()
			case "thinking":
				inThinking = true
				thinkingBuf.Reset()
			case "tool_use":
				use := block.AsToolUse()
				currentTool = &ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
				s.emit(ctx, Event{Type: EventToolCallStart})
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuf.WriteString(delta.Text)
					s.emit(ctx, Event{Type: EventTextDelta, Delta: delta.Text})
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingBuf.WriteString(delta.Thinking)
					s.emit(ctx, Event{Type: EventThinkingDelta, Delta: delta.Thinking})
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			switch {
			case inThinking:
				inThinking = false
				result.Blocks = append(result.Blocks, models.ContentBlock{
					Type: models.BlockThinking,
					Text: thinkingBuf.String(),
				})
				s.emit(ctx, Event{Type: EventThinkingEnd})
			case currentTool != nil:
				args := map[string]any{}
				if raw := toolInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						fail(fmt.Sprintf("anthropic: malformed tool input for %s: %v", currentTool.Name, err))
						return
					}
				}
				currentTool.Arguments = args
				result.Blocks = append(result.Blocks, models.ToolUseBlock(currentTool.ID, currentTool.Name, args))
				s.emit(ctx, Event{Type: EventToolCallEnd, ToolCall: currentTool})
				currentTool = nil
			case inText:
				inText = false
				content := textBuf.String()
				result.Blocks = append(result.Blocks, models.TextBlock(content))
				s.emit(ctx, Event{Type: EventTextEnd, Content: content})
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				result.OutputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				result.StopReason = string(delta.Delta.StopReason)
			}

		case "message_stop":
			s.finish(result, nil)
			return

		case "error":
			fail("anthropic: stream error")
			return
		}
	}

	if err := sse.Err(); err != nil {
		s.emit(ctx, Event{Type: EventError, ErrorMessage: err.Error()})
		s.finish(result, err)
		return
	}
	s.finish(result, nil)
}
