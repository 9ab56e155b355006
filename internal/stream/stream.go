// Package stream fan-outs safety-core events to live subscribers (SSE
// clients). Delivery is best-effort; the ledger and policy-event log remain
// the durable record.
package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds.
const (
	KindActionResult = "action_result"
	KindPolicyEvent  = "policy_event"
)

// Event is one live notification about an actor's action or policy outcome.
type Event struct {
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actor_id"`
	Tool      string    `json:"tool,omitempty"`
	Status    string    `json:"status,omitempty"`
	Code      string    `json:"code,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns its event channel. The
// channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish sends the event to every subscriber.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when a subscriber is slow to avoid blocking.
		}
	}
}
