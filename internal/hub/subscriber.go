package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rfeldman/goldwatch/internal/model"
)

// Subscriber is one consumer of the hub's live event stream. Events pass
// through a bounded drop-oldest queue, so a slow subscriber sheds its own
// backlog instead of back-pressuring the hub or other subscribers.
type Subscriber struct {
	id    uuid.UUID
	hub   *Hub
	queue *eventRing
	out   chan model.Event
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(h *Hub, capacity int) *Subscriber {
	s := &Subscriber{
		id:    uuid.New(),
		hub:   h,
		queue: newEventRing(capacity),
		out:   make(chan model.Event),
		done:  make(chan struct{}),
	}
	go s.forward()
	return s
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() uuid.UUID {
	return s.id
}

// Events returns the live event stream. The channel is closed after Close
// once queued events have been delivered or abandoned.
func (s *Subscriber) Events() <-chan model.Event {
	return s.out
}

// Dropped returns the number of events shed because this subscriber was
// too slow to keep up.
func (s *Subscriber) Dropped() uint64 {
	return s.queue.droppedCount()
}

// Close unregisters the subscriber. Safe to call at any time, more than
// once, and never affects other subscribers.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
		close(s.done)
		s.queue.close()
	})
}

// forward pumps the queue into the out channel. A consumer that stops
// reading after Close does not strand the goroutine.
func (s *Subscriber) forward() {
	defer close(s.out)
	for {
		ev, ok := s.queue.receive()
		if !ok {
			return
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
