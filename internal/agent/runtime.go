package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	agentctx "github.com/strandlabs/strand/internal/agent/context"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/lanes"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/providers"
	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/internal/telemetry"
	"github.com/strandlabs/strand/internal/tools"
	"github.com/strandlabs/strand/pkg/models"
)

// subagentMarker appears in child session keys. Sessions carrying it cannot
// spawn further children.
const subagentMarker = ":subagent:"

// SessionKeyFor builds the canonical session key for an agent and session id.
func SessionKeyFor(agentID, sessionID string) string {
	return fmt.Sprintf("agent:%s:session:%s", agentID, sessionID)
}

// RunResult is the outcome of one completed run.
type RunResult struct {
	RunID     string
	Text      string
	Turns     int
	ToolCalls int
	Compacted bool
}

// RunHandle follows an in-flight run: Events streams its event sequence and
// Wait blocks until the terminal event has been emitted.
type RunHandle struct {
	RunID string

	queue  *EventQueue
	done   chan struct{}
	result *RunResult
	err    error
}

// Events returns the run's event channel. It closes after the terminal event.
func (h *RunHandle) Events() <-chan models.AgentEvent { return h.queue.Events() }

// Wait blocks until the run finishes and returns its result or error.
func (h *RunHandle) Wait() (*RunResult, error) {
	<-h.done
	return h.result, h.err
}

type runState struct {
	sessionKey string
	cancel     context.CancelFunc
}

// Runtime is the orchestrator: it admits runs through the lane scheduler,
// keeps per-session steering queues, owns the guarded session store, and
// fans events out to subscribers.
type Runtime struct {
	cfg       *config.Config
	store     *sessions.Guard
	scheduler *lanes.Scheduler
	registry  *tools.Registry
	stream    providers.StreamFunc
	model     providers.ModelDef
	prune     agentctx.PruneSettings

	listeners *listenerSet

	mu     sync.Mutex
	runs   map[string]*runState
	queues map[string]*SteeringQueue

	metrics *metrics.Metrics
	tracer  *telemetry.Tracer

	warnOnce sync.Once
}

// NewRuntime wires an orchestrator over the given store, tool registry, and
// provider stream. The store is wrapped in the tool-result guard; wrapping an
// already guarded store is a no-op.
func NewRuntime(cfg *config.Config, store sessions.Store, registry *tools.Registry, stream providers.StreamFunc) *Runtime {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	prune := agentctx.DefaultPruneSettings()
	prune.Tools = agentctx.ToolMatch{Allow: cfg.ToolPolicy.Allow, Deny: cfg.ToolPolicy.Deny}

	r := &Runtime{
		cfg:       cfg,
		store:     sessions.NewGuard(store),
		scheduler: lanes.NewScheduler(cfg.MaxConcurrentRuns),
		registry:  registry,
		stream:    stream,
		model: providers.ModelDef{
			Provider:            cfg.Provider,
			ID:                  cfg.Model,
			ContextWindowTokens: cfg.ContextTokens,
		},
		prune:     prune,
		listeners: newListenerSet(),
		runs:      make(map[string]*runState),
		queues:    make(map[string]*SteeringQueue),
	}
	r.listeners.add(r.recordMetrics)
	return r
}

// SetMetrics attaches a metrics sink. Safe to leave unset.
func (r *Runtime) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// SetTracer attaches a tracer. Safe to leave unset.
func (r *Runtime) SetTracer(t *telemetry.Tracer) { r.tracer = t }

// Store exposes the guarded session store for session management commands.
func (r *Runtime) Store() *sessions.Guard { return r.store }

// Subscribe registers a listener invoked synchronously for every event of
// every run. The returned function unsubscribes it.
func (r *Runtime) Subscribe(fn Listener) func() {
	return r.listeners.add(fn)
}

// Steer queues a mid-run user message for the session. It never blocks and
// never rejects; if no run is active the text is absorbed by the next run.
func (r *Runtime) Steer(sessionKey, text string) {
	r.steeringQueue(sessionKey).Steer(text)
}

// FollowUp queues a message that re-enters the loop once the current inner
// loop settles, or seeds the next run if none is active.
func (r *Runtime) FollowUp(sessionKey, text string) {
	r.steeringQueue(sessionKey).FollowUp(text)
}

// Abort cancels the run with the given id. Aborting an unknown or already
// finished run is a no-op.
func (r *Runtime) Abort(runID string) {
	r.mu.Lock()
	st, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// AbortAll cancels every in-flight run.
func (r *Runtime) AbortAll() {
	r.mu.Lock()
	states := make([]*runState, 0, len(r.runs))
	for _, st := range r.runs {
		states = append(states, st)
	}
	r.mu.Unlock()
	for _, st := range states {
		st.cancel()
	}
}

// Reset clears the session's history and steering backlog. It waits on the
// session lane, so an active run finishes or aborts first.
func (r *Runtime) Reset(ctx context.Context, sessionKey string) error {
	release, err := r.scheduler.AcquireSession(ctx, sessionKey)
	if err != nil {
		return err
	}
	defer release()
	r.steeringQueue(sessionKey).Clear()
	return r.store.Clear(ctx, sessionKey)
}

// Run executes one full run and blocks until its terminal event.
func (r *Runtime) Run(ctx context.Context, sessionKey, userText string) (*RunResult, error) {
	h, err := r.Start(ctx, sessionKey, userText)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Start admits a run and returns a handle streaming its events. The context
// window floor is enforced here, synchronously, before any I/O.
func (r *Runtime) Start(ctx context.Context, sessionKey, userText string) (*RunHandle, error) {
	if r.cfg.ContextTokens < config.MinContextTokens {
		return nil, &config.ContextWindowTooSmallError{Tokens: r.cfg.ContextTokens}
	}
	r.warnOnce.Do(func() {
		if r.cfg.WarnSmallWindow() {
			slog.Warn("agent.small_context_window",
				"context_tokens", r.cfg.ContextTokens,
				"warn_below", config.WarnContextTokens)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		RunID: uuid.NewString(),
		queue: NewEventQueue(),
		done:  make(chan struct{}),
	}
	r.trackRun(h.RunID, sessionKey, cancel)

	go func() {
		defer close(h.done)
		defer r.untrackRun(h.RunID)
		defer cancel()
		h.result, h.err = r.execute(runCtx, h, sessionKey, userText)
	}()
	return h, nil
}

// execute is the body of one run: admission, history load, optional pre-run
// compaction, the loop itself, and exactly one terminal event.
func (r *Runtime) execute(ctx context.Context, h *RunHandle, sessionKey, userText string) (*RunResult, error) {
	started := time.Now()
	agentID := r.cfg.NormalizedAgentID()
	em := NewEmitter(h.RunID, h.queue, r.listeners.dispatch)
	defer h.queue.End()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceRun(ctx, h.RunID, sessionKey, agentID)
		defer span.End()
	}

	// Admission: session lane, then a global slot. Nothing is emitted for a
	// queued run until it is scheduled.
	release, err := r.scheduler.Acquire(ctx, sessionKey)
	if err != nil {
		rerr := runError(PhaseInit, 0, ErrAborted)
		em.AgentError(errorKind(rerr), ErrAborted.Error())
		return nil, rerr
	}
	defer release()
	if r.metrics != nil {
		r.metrics.SetLaneWaiting(r.scheduler.GlobalWaiting(), r.scheduler.SessionWaiting(sessionKey))
	}

	em.AgentStart()

	// Unmatched tool results must reach the log even when the run context is
	// already dead. Runs before the lane releases.
	defer func() {
		flushCtx := context.WithoutCancel(ctx)
		if ferr := r.store.FlushPendingToolResults(flushCtx, sessionKey); ferr != nil {
			slog.Error("agent.flush_pending_failed", "session", sessionKey, "error", ferr)
		}
	}()

	slog.Info("agent.run_start", "run_id", h.RunID, "session", sessionKey, "agent_id", agentID)

	result, err := r.runBody(ctx, em, sessionKey, userText, h.RunID, started)
	if err != nil {
		msg := err.Error()
		if isCancellation(err) {
			msg = ErrAborted.Error()
		}
		em.AgentError(errorKind(err), msg)
		if r.metrics != nil {
			r.metrics.RecordRun(agentID, errorKind(err), time.Since(started).Seconds())
		}
		slog.Warn("agent.run_failed", "run_id", h.RunID, "session", sessionKey, "error", err)
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordRun(agentID, "success", time.Since(started).Seconds())
	}
	slog.Info("agent.run_end",
		"run_id", h.RunID,
		"session", sessionKey,
		"turns", result.Turns,
		"tool_calls", result.ToolCalls,
		"duration_ms", time.Since(started).Milliseconds())
	return result, nil
}

// runBody performs everything between agent_start and the terminal event.
func (r *Runtime) runBody(ctx context.Context, em *Emitter, sessionKey, userText, runID string, started time.Time) (*RunResult, error) {
	// Appending through the guard flushes any crash-orphaned tool results
	// first, so the reload below sees a well-formed history.
	userMsg := models.NewUserMessage(userText)
	if err := r.store.Append(ctx, sessionKey, userMsg); err != nil {
		return nil, runError(PhasePersist, 0, err)
	}
	messages, err := r.store.Load(ctx, sessionKey)
	if err != nil {
		return nil, runError(PhaseInit, 0, err)
	}

	var (
		summary   *models.Message
		compacted bool
	)
	if total := agentctx.EstimateTokens(messages); agentctx.ShouldTriggerCompaction(total, r.cfg.ContextTokens, r.cfg.ReserveTokens) {
		outcome, cerr := r.compactHistory(ctx, sessionKey, messages, false)
		switch {
		case cerr != nil && ctx.Err() != nil:
			return nil, runError(PhaseCompact, 0, ErrAborted)
		case cerr != nil:
			// Not fatal: the loop retries compaction if the provider
			// rejects the context.
			slog.Warn("agent.precompaction_failed", "session", sessionKey, "error", cerr)
		case outcome != nil:
			em.Compaction(&models.CompactionEventPayload{
				TokensBefore:    outcome.TokensBefore,
				TokensAfter:     outcome.TokensAfter,
				SummaryChars:    outcome.SummaryChars,
				DroppedMessages: outcome.Dropped,
				Auto:            false,
			})
			summary = outcome.Summary
			messages = outcome.Kept
			compacted = true
		}
	}

	queue := r.steeringQueue(sessionKey)
	var toolDefs []providers.ToolDef
	if r.registry != nil {
		toolDefs = r.registry.Definitions()
	}
	toolNames := make([]string, 0, len(toolDefs))
	for _, td := range toolDefs {
		toolNames = append(toolNames, td.Name)
	}
	system := BuildSystemPrompt(SystemPromptConfig{
		AgentID:   r.cfg.NormalizedAgentID(),
		Model:     r.cfg.Model,
		Workspace: r.cfg.Workspace,
		ToolNames: toolNames,
		Extra:     r.cfg.SystemPrompt,
	})

	res, err := RunLoop(ctx, LoopParams{
		RunID:             runID,
		SessionKey:        sessionKey,
		Messages:          messages,
		CompactionSummary: summary,
		Model:             r.model,
		Stream:            r.traceableStream(),
		APIKey:            r.cfg.APIKey,
		BaseURL:           r.cfg.BaseURL,
		Headers:           r.cfg.Headers,
		SystemPrompt:      system,
		Temperature:       r.cfg.Temperature,
		Reasoning:         r.cfg.Reasoning,
		Tools:             toolDefs,
		MaxTurns:          r.cfg.MaxTurns,
		ContextTokens:     r.cfg.ContextTokens,
		PruneSettings:     r.prune,
		PersistThinking:   r.cfg.PersistThinking,
		ExecuteTool:       r.toolExecutor(sessionKey, runID),
		GetSteering:       queue.DrainSteering,
		GetFollowUp:       queue.DrainFollowUps,
		AppendMessage: func(ctx context.Context, msg models.Message) error {
			return r.store.Append(ctx, sessionKey, msg)
		},
		PrepareCompaction: func(ctx context.Context, working []models.Message) (*CompactionOutcome, error) {
			return r.compactHistory(ctx, sessionKey, working, true)
		},
		Emitter: em,
	})
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RecordTokens(r.model.Provider, r.model.ID, res.InputTokens, res.OutputTokens)
	}
	em.AgentEnd(&models.RunStatsPayload{
		Turns:      res.Turns,
		ToolCalls:  res.ToolCalls,
		Messages:   res.Appended,
		FinalText:  res.FinalText,
		Compacted:  res.Compacted || compacted,
		DurationMs: time.Since(started).Milliseconds(),
	})
	return &RunResult{
		RunID:     runID,
		Text:      res.FinalText,
		Turns:     res.Turns,
		ToolCalls: res.ToolCalls,
		Compacted: res.Compacted || compacted,
	}, nil
}

// traceableStream wraps the provider stream in a client span when tracing is
// configured. The span closes when the stream completes.
func (r *Runtime) traceableStream() providers.StreamFunc {
	if r.tracer == nil || r.stream == nil {
		return r.stream
	}
	base := r.stream
	tr := r.tracer
	return func(ctx context.Context, model providers.ModelDef, msgs []models.Message, opts providers.Options) (*providers.Stream, error) {
		sctx, span := tr.TraceStream(ctx, model.Provider, model.ID)
		stream, err := base(sctx, model, msgs, opts)
		if err != nil {
			tr.RecordError(span, err)
			span.End()
			return nil, err
		}
		go func() {
			if _, rerr := stream.Result(); rerr != nil {
				tr.RecordError(span, rerr)
			}
			span.End()
		}()
		return stream, nil
	}
}

// toolExecutor binds the registry to one run's execution context.
func (r *Runtime) toolExecutor(sessionKey, runID string) func(context.Context, providers.ToolCall) (string, error) {
	tc := tools.Context{
		WorkspaceDir: r.cfg.Workspace,
		SessionKey:   sessionKey,
		AgentID:      r.cfg.NormalizedAgentID(),
		RunID:        runID,
	}
	return func(ctx context.Context, call providers.ToolCall) (string, error) {
		if r.registry == nil {
			return "", fmt.Errorf("tool not found: %s", call.Name)
		}
		if r.tracer != nil {
			var span trace.Span
			ctx, span = r.tracer.TraceTool(ctx, call.Name)
			defer span.End()
		}
		return r.registry.Execute(ctx, call.Name, call.Arguments, tc)
	}
}

// compactHistory summarizes the droppable prefix of the history, persists
// the compaction checkpoint, and returns the summary message plus the kept
// suffix. The caller emits the matching compaction event.
func (r *Runtime) compactHistory(ctx context.Context, sessionKey string, messages []models.Message, auto bool) (*CompactionOutcome, error) {
	if r.stream == nil {
		return nil, ErrNoProvider
	}
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceCompaction(ctx, auto)
		defer span.End()
	}

	pruned := agentctx.Prune(messages, r.cfg.ContextTokens, r.prune)
	dropped := pruned.DroppedMessages
	if len(dropped) == 0 || len(dropped) >= len(messages) {
		return nil, fmt.Errorf("history has no droppable prefix to compact")
	}

	tokensBefore := agentctx.EstimateTokens(messages)
	summarizer := &streamSummarizer{
		stream: r.stream,
		model:  r.model,
		opts: providers.Options{
			APIKey:  r.cfg.APIKey,
			BaseURL: r.cfg.BaseURL,
			Headers: r.cfg.Headers,
		},
	}
	text, err := agentctx.BuildCompactionSummary(ctx, summarizer, dropped, r.cfg.ReserveTokens)
	if err != nil {
		return nil, err
	}

	// Anchor on the first message that survives the drop, resolved against
	// the original history so the log entry matches byte for byte.
	firstKept := messages[len(dropped)]
	entryID, ok := r.store.ResolveMessageEntryID(sessionKey, firstKept)
	if !ok {
		return nil, fmt.Errorf("compaction anchor not found in session log")
	}
	if err := r.store.AppendCompaction(ctx, sessionKey, text, entryID, tokensBefore); err != nil {
		return nil, err
	}

	summaryMsg := models.NewUserMessage(text)
	kept := messages[len(dropped):]
	tokensAfter := agentctx.EstimateMessageTokens(summaryMsg) + agentctx.EstimateTokens(kept)
	slog.Info("agent.compaction",
		"session", sessionKey,
		"auto", auto,
		"dropped", len(dropped),
		"tokens_before", tokensBefore,
		"tokens_after", tokensAfter)
	return &CompactionOutcome{
		Summary:      &summaryMsg,
		Kept:         kept,
		TokensBefore: tokensBefore,
		TokensAfter:  tokensAfter,
		SummaryChars: len(text),
		Dropped:      len(dropped),
	}, nil
}

// SpawnSubagent starts a child run in a fresh subagent session and returns
// the child session key. The child's summary comes back to the parent as a
// follow-up message. Subagent sessions cannot spawn further children.
func (r *Runtime) SpawnSubagent(ctx context.Context, parentSessionKey, task string) (string, error) {
	if strings.Contains(parentSessionKey, subagentMarker) {
		return "", ErrSubagentSpawnRejected
	}
	id := uuid.NewString()[:8]
	childKey := fmt.Sprintf("agent:%s%s%s", r.cfg.NormalizedAgentID(), subagentMarker, id)
	slog.Info("agent.subagent_spawn", "parent", parentSessionKey, "child", childKey)
	go r.runSubagent(parentSessionKey, childKey, id, task)
	return childKey, nil
}

// runSubagent drives a child run to completion and reports its outcome to
// the parent session. Children outlive their parent's run on purpose: the
// report lands as a follow-up for whichever parent run comes next.
func (r *Runtime) runSubagent(parentKey, childKey, id, task string) {
	res, err := r.Run(context.Background(), childKey, task)

	em := NewEmitter("", nil, r.listeners.dispatch)
	payload := &models.SubagentEventPayload{
		SubagentID: id,
		SessionKey: childKey,
		Task:       task,
	}
	if err != nil {
		payload.Error = err.Error()
		r.steeringQueue(parentKey).FollowUp(fmt.Sprintf("Subagent %s failed: %v", id, err))
		em.SubagentError(payload)
		return
	}
	payload.Summary = res.Text
	r.steeringQueue(parentKey).FollowUp(fmt.Sprintf("Subagent %s finished.\n\n%s", id, res.Text))
	em.SubagentSummary(payload)
}

// recordMetrics is the always-subscribed listener translating events into
// metric updates. A nil sink makes it a no-op.
func (r *Runtime) recordMetrics(ev models.AgentEvent) {
	m := r.metrics
	if m == nil {
		return
	}
	agentID := r.cfg.NormalizedAgentID()
	switch ev.Type {
	case models.EventAgentStart:
		m.RunStarted(agentID)
	case models.EventTurnStart:
		m.RecordTurn(agentID)
	case models.EventToolExecutionEnd:
		if ev.Tool != nil {
			status := "success"
			if ev.Tool.IsError {
				status = "error"
			}
			m.RecordTool(ev.Tool.Name, status, ev.Tool.Duration.Seconds())
		}
	case models.EventToolSkipped:
		if ev.Tool != nil {
			m.RecordToolSkipped(ev.Tool.Name)
		}
	case models.EventRetry:
		m.RecordRetry(agentID)
	case models.EventCompaction:
		if ev.Compact != nil {
			m.RecordCompaction(agentID, ev.Compact.Auto)
		}
	case models.EventSteering:
		m.RecordSteering(agentID)
	}
}

func (r *Runtime) steeringQueue(sessionKey string) *SteeringQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[sessionKey]
	if !ok {
		q = NewSteeringQueue()
		r.queues[sessionKey] = q
	}
	return q
}

func (r *Runtime) trackRun(runID, sessionKey string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.runs[runID] = &runState{sessionKey: sessionKey, cancel: cancel}
	r.mu.Unlock()
}

func (r *Runtime) untrackRun(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// streamSummarizer adapts the provider stream to the compaction summarizer.
// Summary turns are drained without forwarding deltas anywhere.
type streamSummarizer struct {
	stream providers.StreamFunc
	model  providers.ModelDef
	opts   providers.Options
}

func (s *streamSummarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	opts := s.opts
	opts.MaxTokens = maxTokens
	stream, err := s.stream(ctx, s.model, []models.Message{models.NewUserMessage(prompt)}, opts)
	if err != nil {
		return "", err
	}
	for range stream.Events() {
	}
	res, err := stream.Result()
	if err != nil {
		return "", err
	}
	return res.Blocks.JoinedText(), nil
}
