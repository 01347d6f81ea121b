package agent

import (
	"sync"

	"github.com/strandlabs/strand/pkg/models"
)

// SteeringQueue holds mid-run user text for one session. Steering messages
// interrupt the current tool batch; follow-up messages wait for the inner
// loop to finish and re-enter it. Safe for concurrent use: the writer is any
// goroutine calling Steer or FollowUp, the reader is the session's single
// active run.
type SteeringQueue struct {
	mu       sync.Mutex
	steering []string
	followUp []string
}

// NewSteeringQueue returns an empty queue.
func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{}
}

// Steer enqueues text to be injected at the next steering checkpoint.
// Non-blocking, never rejects, preserves call order.
func (q *SteeringQueue) Steer(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, text)
}

// FollowUp enqueues text to be processed once the current run's inner loop
// would otherwise terminate.
func (q *SteeringQueue) FollowUp(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = append(q.followUp, text)
}

// DrainSteering removes and returns all queued steering texts as user
// messages, in FIFO order.
func (q *SteeringQueue) DrainSteering() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := toUserMessages(q.steering)
	q.steering = nil
	return msgs
}

// DrainFollowUps removes and returns all queued follow-up texts as user
// messages, in FIFO order.
func (q *SteeringQueue) DrainFollowUps() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := toUserMessages(q.followUp)
	q.followUp = nil
	return msgs
}

// HasSteering reports whether steering text is queued.
func (q *SteeringQueue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// Clear drops everything queued.
func (q *SteeringQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUp = nil
}

func toUserMessages(texts []string) []models.Message {
	if len(texts) == 0 {
		return nil
	}
	msgs := make([]models.Message, 0, len(texts))
	for _, text := range texts {
		msgs = append(msgs, models.NewUserMessage(text))
	}
	return msgs
}
