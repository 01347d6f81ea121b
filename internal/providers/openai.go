package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/strandlabs/strand/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIStream opens a chat-completion stream for the OpenAI-compatible
// family and adapts it to the typed event sequence.
func OpenAIStream(ctx context.Context, model ModelDef, messages []models.Message, opts Options) (*Stream, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if strings.TrimSpace(opts.BaseURL) != "" {
		cfg.BaseURL = opts.BaseURL
	}
	client := openai.NewClientWithConfig(cfg)

	modelID := model.ID
	if modelID == "" {
		modelID = defaultOpenAIModel
	}

	req := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: convertOpenAIMessages(messages, opts.SystemPrompt),
		Stream:   true,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	if len(opts.Tools) > 0 {
		req.Tools = convertOpenAITools(opts.Tools)
	}

	sse, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	s := newStream()
	go consumeOpenAIStream(ctx, s, sse)
	return s, nil
}

func convertOpenAIMessages(messages []models.Message, systemPrompt string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range messages {
		if msg.Role == models.RoleAssistant {
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.JoinedText(),
			}
			for _, use := range msg.ToolUses() {
				args, _ := json.Marshal(use.Input)
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   use.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      use.Name,
						Arguments: string(args),
					},
				})
			}
			result = append(result, out)
			continue
		}

		// Tool results become individual tool-role messages; remaining text
		// becomes a user message.
		for _, res := range msg.ToolResults() {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    res.Content,
				ToolCallID: res.ToolUseID,
			})
		}
		if text := msg.JoinedText(); text != "" {
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}
	return result
}

// openAISSE is the subset of the SDK stream the consumer needs.
type openAISSE interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

func consumeOpenAIStream(ctx context.Context, s *Stream, sse openAISSE) {
	defer sse.Close()

	var result Result
	var textBuf strings.Builder

	type pendingTool struct {
		id   string
		name string
		args strings.Builder
	}
	var tools []*pendingTool

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		content := textBuf.String()
		result.Blocks = append(result.Blocks, models.TextBlock(content))
		s.emit(ctx, Event{Type: EventTextEnd, Content: content})
		textBuf.Reset()
	}

	finishTools := func() error {
		for _, pt := range tools {
			args := map[string]any{}
			if raw := pt.args.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return fmt.Errorf("openai: malformed tool arguments for %s: %w", pt.name, err)
				}
			}
			call := &ToolCall{ID: pt.id, Name: pt.name, Arguments: args}
			result.Blocks = append(result.Blocks, models.ToolUseBlock(pt.id, pt.name, args))
			s.emit(ctx, Event{Type: EventToolCallEnd, ToolCall: call})
		}
		tools = nil
		return nil
	}

	for {
		resp, err := sse.Recv()
		if errors.Is(err, io.EOF) {
			flushText()
			if ferr := finishTools(); ferr != nil {
				s.emit(ctx, Event{Type: EventError, ErrorMessage: ferr.Error()})
				s.finish(result, ferr)
				return
			}
			s.finish(result, nil)
			return
		}
		if err != nil {
			s.emit(ctx, Event{Type: EventError, ErrorMessage: err.Error()})
			s.finish(result, err)
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			textBuf.WriteString(choice.Delta.Content)
			s.emit(ctx, Event{Type: EventTextDelta, Delta: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(tools) <= idx {
				tools = append(tools, &pendingTool{})
				s.emit(ctx, Event{Type: EventToolCallStart})
			}
			pt := tools[idx]
			if tc.ID != "" {
				pt.id = tc.ID
			}
			if tc.Function.Name != "" {
				pt.name = tc.Function.Name
			}
			pt.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			result.StopReason = string(choice.FinishReason)
		}
	}
}
