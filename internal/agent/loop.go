package agent

import (
	"context"
	"time"

	agentctx "github.com/strandlabs/strand/internal/agent/context"
	"github.com/strandlabs/strand/internal/backoff"
	"github.com/strandlabs/strand/internal/providers"
	"github.com/strandlabs/strand/pkg/models"
)

// SkippedToolResultText is the tool_result content synthesized for calls
// preempted by a queued steering message.
const SkippedToolResultText = "Skipped due to queued user message."

// toolErrorPrefix marks tool_result content produced from a failed tool.
const toolErrorPrefix = "执行错误: "

// DefaultMaxTokens bounds a single assistant reply when not configured.
const DefaultMaxTokens = 4096

// CompactionOutcome is what PrepareCompaction produced: a persisted
// checkpoint plus the synthetic summary message and the kept suffix that
// together replace the working history.
type CompactionOutcome struct {
	Summary      *models.Message
	Kept         []models.Message
	TokensBefore int
	TokensAfter  int
	SummaryChars int
	Dropped      int
}

// LoopParams carries everything one run of the loop needs. The closures
// decouple the loop from the orchestrator: persistence, steering, follow-up,
// and compaction are injected rather than reached for.
type LoopParams struct {
	RunID      string
	SessionKey string

	// Messages is the live history including the triggering user message.
	// The loop owns this slice for the duration of the run.
	Messages []models.Message

	// CompactionSummary, when set, is prepended to every model call in
	// place of the compacted prefix.
	CompactionSummary *models.Message

	Model        providers.ModelDef
	Stream       providers.StreamFunc
	APIKey       string
	BaseURL      string
	Headers      map[string]string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	Reasoning    string
	Tools        []providers.ToolDef

	MaxTurns        int
	ContextTokens   int
	PruneSettings   agentctx.PruneSettings
	PersistThinking bool

	// RetryPolicy overrides the stream retry schedule; nil uses the default.
	RetryPolicy *backoff.Policy

	ExecuteTool       func(ctx context.Context, call providers.ToolCall) (string, error)
	GetSteering       func() []models.Message
	GetFollowUp       func() []models.Message
	AppendMessage     func(ctx context.Context, msg models.Message) error
	PrepareCompaction func(ctx context.Context, messages []models.Message) (*CompactionOutcome, error)

	Emitter *Emitter
}

// LoopResult summarizes a completed run.
type LoopResult struct {
	FinalText    string
	Turns        int
	ToolCalls    int
	Compacted    bool
	InputTokens  int
	OutputTokens int

	// Appended lists the messages the loop persisted, in order, including
	// synthesized skip results and injected steering messages.
	Appended []models.Message
}

type loopRunner struct {
	p  LoopParams
	em *Emitter

	messages     []models.Message
	summary      *models.Message
	turns        int
	toolCalls    int
	finalText    string
	compacted    bool
	appended     []models.Message
	inputTokens  int
	outputTokens int

	overflowCompactionTried bool
}

// RunLoop executes the two-level agent loop to completion. The inner loop
// turns over while the model requests tools or steering text is pending; the
// outer loop re-enters when the follow-up hook supplies more messages.
// Terminal events are the caller's responsibility: RunLoop returns the
// result or the error, exactly one of which becomes agent_end/agent_error.
func RunLoop(ctx context.Context, p LoopParams) (*LoopResult, error) {
	if p.Stream == nil {
		return nil, runError(PhaseInit, 0, ErrNoProvider)
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.PruneSettings.MaxHistoryShare <= 0 {
		p.PruneSettings = agentctx.DefaultPruneSettings()
	}
	l := &loopRunner{p: p, em: p.Emitter, messages: p.Messages, summary: p.CompactionSummary}
	if err := l.run(ctx); err != nil {
		return nil, err
	}
	return &LoopResult{
		FinalText:    l.finalText,
		Turns:        l.turns,
		ToolCalls:    l.toolCalls,
		Compacted:    l.compacted,
		InputTokens:  l.inputTokens,
		OutputTokens: l.outputTokens,
		Appended:     l.appended,
	}, nil
}

func (l *loopRunner) run(ctx context.Context) error {
	pending := l.getSteering()

outer:
	for {
		hasTools := true
		for hasTools || len(pending) > 0 {
			if ctx.Err() != nil {
				return runError(PhaseStream, l.turns, ErrAborted)
			}
			if l.turns >= l.p.MaxTurns {
				break outer
			}
			l.turns++
			l.em.TurnStart(l.turns)

			if len(pending) > 0 {
				for _, msg := range pending {
					if err := l.persist(ctx, msg); err != nil {
						return err
					}
				}
				pending = nil
			}

			blocks, calls, err := l.streamTurn(ctx, l.modelMessages())
			if err != nil {
				if ctx.Err() != nil || isCancellation(err) {
					return runError(PhaseStream, l.turns, ErrAborted)
				}
				if retry, cerr := l.tryOverflowCompaction(ctx, err); cerr != nil {
					return cerr
				} else if retry {
					continue
				}
				return runError(PhaseStream, l.turns, err)
			}

			assistant := models.NewAssistantMessage(blocks...)
			if err := l.persist(ctx, assistant); err != nil {
				return err
			}

			if len(calls) == 0 {
				l.finalText = assistant.JoinedText()
				l.em.TurnEnd()
				pending = l.getSteering()
				hasTools = false
				continue
			}

			hasTools = true
			l.toolCalls += len(calls)
			results, steer, err := l.executeBatch(ctx, calls)
			if err != nil {
				return err
			}
			if err := l.persist(ctx, models.NewToolResultMessage(results...)); err != nil {
				return err
			}
			l.em.TurnEnd()
			if len(steer) > 0 {
				pending = steer
			} else {
				pending = l.getSteering()
			}
		}

		if l.p.GetFollowUp != nil {
			if fu := l.p.GetFollowUp(); len(fu) > 0 {
				pending = fu
				continue outer
			}
		}
		break
	}
	return nil
}

// modelMessages assembles the per-turn provider context: prune the working
// history, then prepend the compaction summary if one is standing in for a
// dropped prefix.
func (l *loopRunner) modelMessages() []models.Message {
	pruned := agentctx.Prune(l.messages, l.p.ContextTokens, l.p.PruneSettings)
	if l.summary == nil {
		return pruned.Messages
	}
	out := make([]models.Message, 0, len(pruned.Messages)+1)
	out = append(out, *l.summary)
	return append(out, pruned.Messages...)
}

// executeBatch runs the turn's tool calls sequentially, checking for
// steering after each one. On preemption the remaining calls are answered
// with skip results so the batch stays fully matched.
func (l *loopRunner) executeBatch(ctx context.Context, calls []providers.ToolCall) ([]models.ContentBlock, []models.Message, error) {
	results := make([]models.ContentBlock, 0, len(calls))
	for i, call := range calls {
		l.em.ToolStart(call.ID, call.Name, call.Arguments)
		started := time.Now()
		content, isError := l.runTool(ctx, call)
		l.em.ToolEnd(call.ID, call.Name, content, isError, time.Since(started))
		results = append(results, models.ToolResultBlock(call.ID, call.Name, content))

		if ctx.Err() != nil {
			return nil, nil, runError(PhaseTools, l.turns, ErrAborted)
		}

		steer := l.getSteering()
		if len(steer) > 0 {
			for _, skipped := range calls[i+1:] {
				l.em.ToolSkipped(skipped.ID, skipped.Name)
				results = append(results, models.ToolResultBlock(skipped.ID, skipped.Name, SkippedToolResultText))
			}
			l.em.Steering(joinedText(steer), len(calls)-i-1)
			return results, steer, nil
		}
	}
	return results, nil, nil
}

// runTool executes one call, converting any error into tool_result content
// rather than failing the run.
func (l *loopRunner) runTool(ctx context.Context, call providers.ToolCall) (string, bool) {
	if l.p.ExecuteTool == nil {
		return toolErrorPrefix + "tool not available: " + call.Name, true
	}
	content, err := l.p.ExecuteTool(ctx, call)
	if err != nil {
		return toolErrorPrefix + err.Error(), true
	}
	return content, false
}

// tryOverflowCompaction handles a context-overflow stream failure: once per
// run, compact the working history and replay the turn. Reports whether the
// turn should be retried.
func (l *loopRunner) tryOverflowCompaction(ctx context.Context, streamErr error) (bool, error) {
	if !IsContextOverflow(streamErr) || l.overflowCompactionTried {
		return false, nil
	}
	l.overflowCompactionTried = true
	l.em.ContextOverflowCompact()

	if l.p.PrepareCompaction == nil {
		return false, nil
	}
	outcome, err := l.p.PrepareCompaction(ctx, l.messages)
	if err != nil || outcome == nil || outcome.Summary == nil {
		if ctx.Err() != nil {
			return false, runError(PhaseCompact, l.turns, ErrAborted)
		}
		// Compaction could not produce a summary; surface the overflow.
		return false, nil
	}
	l.em.Compaction(&models.CompactionEventPayload{
		TokensBefore:    outcome.TokensBefore,
		TokensAfter:     outcome.TokensAfter,
		SummaryChars:    outcome.SummaryChars,
		DroppedMessages: outcome.Dropped,
		Auto:            true,
	})
	l.summary = outcome.Summary
	l.messages = outcome.Kept
	l.compacted = true
	l.turns--
	return true, nil
}

func (l *loopRunner) persist(ctx context.Context, msg models.Message) error {
	if err := l.p.AppendMessage(ctx, msg); err != nil {
		return runError(PhasePersist, l.turns, err)
	}
	l.messages = append(l.messages, msg)
	l.appended = append(l.appended, msg)
	return nil
}

func (l *loopRunner) getSteering() []models.Message {
	if l.p.GetSteering == nil {
		return nil
	}
	return l.p.GetSteering()
}

func joinedText(msgs []models.Message) string {
	switch len(msgs) {
	case 0:
		return ""
	case 1:
		return msgs[0].JoinedText()
	}
	out := msgs[0].JoinedText()
	for _, msg := range msgs[1:] {
		out += "\n" + msg.JoinedText()
	}
	return out
}
