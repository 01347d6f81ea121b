package agent

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// EventQueue is the per-run event stream. Push never blocks: events
// accumulate in an unbounded backlog and are handed to the consumer through
// the channel returned by Events. There is no replay; a consumer sees only
// what was pushed after the queue was created.
type EventQueue struct {
	mu      sync.Mutex
	backlog []models.AgentEvent
	closed  bool

	notify  chan struct{}
	outOnce sync.Once
	out     chan models.AgentEvent
}

// NewEventQueue returns an empty open queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Push appends an event. Safe from the loop goroutine while a consumer
// drains concurrently. Events pushed after End are dropped.
func (q *EventQueue) Push(ev models.AgentEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.backlog = append(q.backlog, ev)
	q.mu.Unlock()
	q.wake()
}

// End closes the queue. The consumer channel is closed once the backlog has
// drained. Idempotent.
func (q *EventQueue) End() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *EventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Events returns the consumer channel, starting the delivery pump on first
// call. The channel closes after End once all buffered events are delivered.
// A queue whose Events is never called simply discards its backlog at End.
func (q *EventQueue) Events() <-chan models.AgentEvent {
	q.outOnce.Do(func() {
		q.out = make(chan models.AgentEvent)
		go q.pump()
	})
	return q.out
}

func (q *EventQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.backlog) > 0 {
			ev := q.backlog[0]
			q.backlog = q.backlog[1:]
			q.mu.Unlock()
			q.out <- ev
			continue
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			close(q.out)
			return
		}
		<-q.notify
	}
}

// Listener receives every event of every run, synchronously at emit time.
type Listener func(models.AgentEvent)

// Emitter stamps events with run id, turn, and a monotonic sequence, pushes
// them onto the run's queue, and fans them out to subscribed listeners.
type Emitter struct {
	runID    string
	sequence uint64
	turn     int

	queue  *EventQueue
	fanout func(models.AgentEvent)
}

// NewEmitter builds an emitter for one run. fanout may be nil.
func NewEmitter(runID string, queue *EventQueue, fanout func(models.AgentEvent)) *Emitter {
	return &Emitter{runID: runID, queue: queue, fanout: fanout}
}

// SetTurn updates the turn index stamped on subsequent events.
func (e *Emitter) SetTurn(turn int) { e.turn = turn }

func (e *Emitter) base(t models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Type:     t,
		Time:     time.Now(),
		Sequence: atomic.AddUint64(&e.sequence, 1),
		RunID:    e.runID,
		Turn:     e.turn,
	}
}

func (e *Emitter) emit(ev models.AgentEvent) {
	if e.queue != nil {
		e.queue.Push(ev)
	}
	if e.fanout != nil {
		e.fanout(ev)
	}
}

// AgentStart emits the run's opening event.
func (e *Emitter) AgentStart() {
	e.emit(e.base(models.EventAgentStart))
}

// AgentEnd emits the successful terminal event with run stats.
func (e *Emitter) AgentEnd(stats *models.RunStatsPayload) {
	ev := e.base(models.EventAgentEnd)
	ev.Stats = stats
	e.emit(ev)
}

// AgentError emits the failing terminal event.
func (e *Emitter) AgentError(kind, message string) {
	ev := e.base(models.EventAgentError)
	ev.Error = &models.ErrorEventPayload{Kind: kind, Message: message}
	e.emit(ev)
}

// TurnStart emits a turn_start for the given turn and pins the index.
func (e *Emitter) TurnStart(turn int) {
	e.SetTurn(turn)
	e.emit(e.base(models.EventTurnStart))
}

// TurnEnd emits a turn_end.
func (e *Emitter) TurnEnd() {
	e.emit(e.base(models.EventTurnEnd))
}

// MessageDelta emits a streamed text fragment.
func (e *Emitter) MessageDelta(delta string) {
	ev := e.base(models.EventMessageDelta)
	ev.Delta = delta
	e.emit(ev)
}

// MessageEnd emits the completion of one streamed text block.
func (e *Emitter) MessageEnd() {
	e.emit(e.base(models.EventMessageEnd))
}

// ThinkingDelta forwards a streamed reasoning fragment.
func (e *Emitter) ThinkingDelta(delta string) {
	ev := e.base(models.EventThinkingDelta)
	ev.Delta = delta
	e.emit(ev)
}

// ToolStart emits a tool_execution_start.
func (e *Emitter) ToolStart(toolUseID, name string, input map[string]any) {
	ev := e.base(models.EventToolExecutionStart)
	ev.Tool = &models.ToolEventPayload{ToolUseID: toolUseID, Name: name, Input: input}
	e.emit(ev)
}

// ToolEnd emits a tool_execution_end with the result.
func (e *Emitter) ToolEnd(toolUseID, name, result string, isError bool, elapsed time.Duration) {
	ev := e.base(models.EventToolExecutionEnd)
	ev.Tool = &models.ToolEventPayload{
		ToolUseID: toolUseID,
		Name:      name,
		Result:    result,
		IsError:   isError,
		Duration:  elapsed,
	}
	e.emit(ev)
}

// ToolSkipped emits a tool_skipped for a call preempted by steering.
func (e *Emitter) ToolSkipped(toolUseID, name string) {
	ev := e.base(models.EventToolSkipped)
	ev.Tool = &models.ToolEventPayload{ToolUseID: toolUseID, Name: name}
	e.emit(ev)
}

// Steering emits a steering event after queued user text preempted a batch.
func (e *Emitter) Steering(text string, skippedTools int) {
	ev := e.base(models.EventSteering)
	ev.Steering = &models.SteeringEventPayload{Text: text, SkippedTools: skippedTools}
	e.emit(ev)
}

// Compaction emits a compaction event.
func (e *Emitter) Compaction(payload *models.CompactionEventPayload) {
	ev := e.base(models.EventCompaction)
	ev.Compact = payload
	e.emit(ev)
}

// ContextOverflowCompact emits the marker for an overflow-triggered
// compaction attempt.
func (e *Emitter) ContextOverflowCompact() {
	e.emit(e.base(models.EventContextOverflowCompact))
}

// Retry emits a retry event before a backed-off provider re-call.
func (e *Emitter) Retry(attempt int, delay time.Duration, reason string) {
	ev := e.base(models.EventRetry)
	ev.Retry = &models.RetryEventPayload{Attempt: attempt, Delay: delay, Reason: reason}
	e.emit(ev)
}

// SubagentSummary emits a child run's completion report.
func (e *Emitter) SubagentSummary(payload *models.SubagentEventPayload) {
	ev := e.base(models.EventSubagentSummary)
	ev.Subagent = payload
	e.emit(ev)
}

// SubagentError emits a child run's failure report.
func (e *Emitter) SubagentError(payload *models.SubagentEventPayload) {
	ev := e.base(models.EventSubagentError)
	ev.Subagent = payload
	e.emit(ev)
}

// listenerSet is the runtime-wide subscriber registry. Listeners are invoked
// synchronously in subscription order; a panicking listener is logged and
// skipped so it cannot poison other subscribers or the run.
type listenerSet struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[int]Listener)}
}

func (s *listenerSet) add(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *listenerSet) dispatch(ev models.AgentEvent) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	// Map iteration order is random; deliver in subscription order.
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		invokeListener(fn, ev)
	}
}

func invokeListener(fn Listener, ev models.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("agent.listener_panic", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
