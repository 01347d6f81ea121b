package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/strandlabs/strand/internal/backoff"
	"github.com/strandlabs/strand/internal/providers"
	"github.com/strandlabs/strand/pkg/models"
)

// maxStreamAttempts bounds provider calls per turn, counting the first.
const maxStreamAttempts = 3

// streamTurn runs one provider call with the rate-limit retry schedule.
// Only rate-limit failures are retried, and never after cancellation.
func (l *loopRunner) streamTurn(ctx context.Context, messages []models.Message) (models.BlockList, []providers.ToolCall, error) {
	policy := backoff.StreamRetryPolicy()
	if l.p.RetryPolicy != nil {
		policy = *l.p.RetryPolicy
	}
	var lastErr error
	for attempt := 1; attempt <= maxStreamAttempts; attempt++ {
		blocks, calls, err := l.streamOnce(ctx, messages)
		if err == nil {
			return blocks, calls, nil
		}
		lastErr = err
		if ctx.Err() != nil || isCancellation(err) {
			return nil, nil, err
		}
		if !IsRateLimit(err) || attempt == maxStreamAttempts {
			return nil, nil, err
		}
		delay := backoff.Compute(policy, attempt)
		l.em.Retry(attempt, delay, err.Error())
		slog.Warn("agent.stream_retry",
			"run_id", l.p.RunID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if serr := backoff.Sleep(ctx, delay); serr != nil {
			return nil, nil, serr
		}
	}
	return nil, nil, lastErr
}

// streamOnce performs a single streaming call, accumulating text blocks,
// tool calls, and (when persisted) thinking blocks while forwarding deltas
// as events.
func (l *loopRunner) streamOnce(ctx context.Context, messages []models.Message) (models.BlockList, []providers.ToolCall, error) {
	stream, err := l.p.Stream(ctx, l.p.Model, messages, l.streamOptions())
	if err != nil {
		return nil, nil, err
	}

	var (
		blocks   models.BlockList
		calls    []providers.ToolCall
		thinking string
		streamed string
	)
	for ev := range stream.Events() {
		switch ev.Type {
		case providers.EventTextDelta:
			l.em.MessageDelta(ev.Delta)
			streamed += ev.Delta
		case providers.EventTextEnd:
			text := ev.Content
			if text == "" {
				text = streamed
			}
			streamed = ""
			blocks = append(blocks, models.TextBlock(text))
			l.em.MessageEnd()
		case providers.EventThinkingDelta:
			l.em.ThinkingDelta(ev.Delta)
			if l.p.PersistThinking {
				thinking += ev.Delta
			}
		case providers.EventThinkingEnd:
			if l.p.PersistThinking && thinking != "" {
				blocks = append(blocks, models.ThinkingBlock(thinking))
			}
			thinking = ""
		case providers.EventToolCallEnd:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
				blocks = append(blocks, models.ToolUseBlock(ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Arguments))
			}
		case providers.EventError:
			if ev.ErrorMessage != "" {
				err = errors.New(ev.ErrorMessage)
			}
		}
	}
	res, rerr := stream.Result()
	if rerr != nil {
		return nil, nil, rerr
	}
	if err != nil {
		return nil, nil, err
	}
	l.inputTokens += res.InputTokens
	l.outputTokens += res.OutputTokens
	return blocks, calls, nil
}

func (l *loopRunner) streamOptions() providers.Options {
	return providers.Options{
		APIKey:       l.p.APIKey,
		BaseURL:      l.p.BaseURL,
		Headers:      l.p.Headers,
		SystemPrompt: l.p.SystemPrompt,
		MaxTokens:    l.p.MaxTokens,
		Temperature:  l.p.Temperature,
		Reasoning:    l.p.Reasoning,
		Tools:        l.p.Tools,
	}
}
