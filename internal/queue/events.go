package queue

import (
	"time"

	"github.com/reelforge/api/internal/model"
)

// EventType names a queue event
type EventType string

const (
	EventJobAdded     EventType = "job:added"
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
	EventJobCancelled EventType = "job:cancelled"
	EventJobRetrying  EventType = "job:retrying"
	EventQueueEmpty   EventType = "queue:empty"
	EventQueueDrained EventType = "queue:drained"
)

// Event is delivered to subscribers. Job is a snapshot and is nil for
// queue-level events.
type Event struct {
	Type  EventType     `json:"type"`
	JobID string        `json:"jobId,omitempty"`
	Job   *model.Job    `json:"job,omitempty"`
	Error string        `json:"error,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
	At    time.Time     `json:"at"`
}

// Subscription receives queue events on a bounded channel.
type Subscription struct {
	id uint64
	ch chan Event
	q  *Queue
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.q.unsubscribe(s.id)
}

// Subscribe registers a listener with the given buffer size. Events that do
// not fit in the buffer are dropped.
func (q *Queue) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSub++
	sub := &Subscription{id: q.nextSub, ch: make(chan Event, buffer), q: q}
	q.subs[sub.id] = sub
	return sub
}

func (q *Queue) unsubscribe(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sub, ok := q.subs[id]; ok {
		delete(q.subs, id)
		close(sub.ch)
	}
}

// emit must be called with q.mu held so subscribers see events in
// transition order.
func (q *Queue) emit(typ EventType, job *model.Job, err string, delay time.Duration) {
	ev := Event{Type: typ, Error: err, Delay: delay, At: time.Now()}
	if job != nil {
		ev.JobID = job.ID
		ev.Job = job.Clone()
	}
	for _, sub := range q.subs {
		select {
		case sub.ch <- ev:
		default:
			q.logger.Warn().
				Str("event", string(typ)).
				Str("jobId", ev.JobID).
				Uint64("subscription", sub.id).
				Msg("subscriber buffer full, event dropped")
		}
	}
}
