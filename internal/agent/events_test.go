package agent

import (
	"testing"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

func TestEventQueueDeliversInOrder(t *testing.T) {
	q := NewEventQueue()
	for i := 0; i < 100; i++ {
		q.Push(models.AgentEvent{Type: models.EventMessageDelta, Sequence: uint64(i)})
	}
	q.End()

	var got []models.AgentEvent
	for ev := range q.Events() {
		got = append(got, ev)
	}
	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i) {
			t.Fatalf("event %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestEventQueuePushNeverBlocks(t *testing.T) {
	q := NewEventQueue()
	// No consumer attached; a large burst must not block the producer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			q.Push(models.AgentEvent{Type: models.EventMessageDelta})
		}
		q.End()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push blocked without a consumer")
	}
}

func TestEventQueueDropsAfterEnd(t *testing.T) {
	q := NewEventQueue()
	q.Push(models.AgentEvent{Type: models.EventAgentStart})
	q.End()
	q.Push(models.AgentEvent{Type: models.EventAgentEnd})

	var got []models.AgentEvent
	for ev := range q.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Type != models.EventAgentStart {
		t.Fatalf("events = %+v", got)
	}
}

func TestEventQueueEndIdempotent(t *testing.T) {
	q := NewEventQueue()
	q.End()
	q.End()
	for range q.Events() {
		t.Fatal("unexpected event")
	}
}

func TestEmitterSequenceAndTurnStamping(t *testing.T) {
	var got []models.AgentEvent
	em := NewEmitter("run-1", nil, func(ev models.AgentEvent) {
		got = append(got, ev)
	})

	em.AgentStart()
	em.TurnStart(1)
	em.MessageDelta("a")
	em.TurnEnd()
	em.TurnStart(2)
	em.AgentEnd(&models.RunStatsPayload{Turns: 2})

	for i := 1; i < len(got); i++ {
		if got[i].Sequence <= got[i-1].Sequence {
			t.Fatalf("sequence not monotonic: %d then %d", got[i-1].Sequence, got[i].Sequence)
		}
	}
	for _, ev := range got {
		if ev.RunID != "run-1" {
			t.Fatalf("run id = %q", ev.RunID)
		}
	}
	if got[2].Turn != 1 || got[4].Turn != 2 {
		t.Fatalf("turn stamps = %d, %d", got[2].Turn, got[4].Turn)
	}
	if got[0].Turn != 0 {
		t.Fatalf("pre-turn event stamped with turn %d", got[0].Turn)
	}
}

func TestEmitterFeedsQueueAndFanout(t *testing.T) {
	q := NewEventQueue()
	fanned := 0
	em := NewEmitter("run-1", q, func(models.AgentEvent) { fanned++ })

	em.AgentStart()
	em.AgentEnd(nil)
	q.End()

	queued := 0
	for range q.Events() {
		queued++
	}
	if queued != 2 || fanned != 2 {
		t.Fatalf("queued=%d fanned=%d, want 2/2", queued, fanned)
	}
}

func TestListenerSetPanicIsolated(t *testing.T) {
	s := newListenerSet()
	var order []string
	s.add(func(models.AgentEvent) { order = append(order, "first") })
	s.add(func(models.AgentEvent) { panic("listener bug") })
	s.add(func(models.AgentEvent) { order = append(order, "third") })

	s.dispatch(models.AgentEvent{Type: models.EventAgentStart})

	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("order = %v", order)
	}
}

func TestListenerSetUnsubscribe(t *testing.T) {
	s := newListenerSet()
	calls := 0
	remove := s.add(func(models.AgentEvent) { calls++ })
	s.dispatch(models.AgentEvent{})
	remove()
	s.dispatch(models.AgentEvent{})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestAgentEventTerminal(t *testing.T) {
	cases := []struct {
		typ  models.AgentEventType
		want bool
	}{
		{models.EventAgentEnd, true},
		{models.EventAgentError, true},
		{models.EventAgentStart, false},
		{models.EventTurnEnd, false},
		{models.EventToolSkipped, false},
	}
	for _, tc := range cases {
		if got := (models.AgentEvent{Type: tc.typ}).Terminal(); got != tc.want {
			t.Errorf("Terminal(%s) = %v, want %v", tc.typ, got, tc.want)
		}
	}
}
