package hub

import (
	"sync"

	"github.com/rfeldman/goldwatch/internal/model"
)

// eventRing is a fixed-capacity thread-safe event queue. When full, the
// oldest event is dropped and counted; a push never blocks.
type eventRing struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []model.Event
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	dropped uint64
}

// newEventRing creates a ring with the given capacity.
func newEventRing(capacity int) *eventRing {
	if capacity < 1 {
		capacity = 1
	}
	r := &eventRing{
		buf:      make([]model.Event, capacity),
		capacity: capacity,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// push adds an event, dropping the oldest when full. Returns false if the
// ring is closed.
func (r *eventRing) push(ev model.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if r.count == r.capacity {
		r.buf[r.head] = model.Event{}
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.dropped++
	}

	r.buf[r.tail] = ev
	r.tail = (r.tail + 1) % r.capacity
	r.count++

	r.cond.Signal()
	return true
}

// receive removes and returns the oldest event. Blocks until an event is
// available or the ring is closed. Returns false once closed and drained.
func (r *eventRing) receive() (model.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.cond.Wait()
	}

	if r.count == 0 && r.closed {
		return model.Event{}, false
	}

	ev := r.buf[r.head]
	r.buf[r.head] = model.Event{} // clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--

	return ev, true
}

// close closes the ring. Receivers drain remaining events then get a
// closed signal.
func (r *eventRing) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}

// droppedCount returns the number of events shed on overflow.
func (r *eventRing) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
