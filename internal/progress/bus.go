// Package progress implements the per-task Progress Bus: an
// ordered, fan-out broadcaster of domain.ProgressEvent values to any number
// of concurrent observers.
//
// The bus lives purely in-process for the lifetime of one task: a map of
// observer channels behind a short critical section, with non-blocking
// sends into a small per-observer buffer. There is no external transport.
package progress

import (
	"sync"

	"github.com/deepresearch-engine/core/internal/research/domain"
)

// DefaultBufferSize is the per-observer channel capacity.
const DefaultBufferSize = 64

// Bus fans out a single task's progress events to any number of observers.
// A Bus is created per task and discarded once its terminal event has been
// published. The zero value is not usable; construct with New.
type Bus struct {
	mu        sync.Mutex
	taskID    string
	observers map[int]chan domain.ProgressEvent
	nextID    int
	closed    bool
	buffer    int
}

// New constructs a Bus for taskID with the default observer buffer size.
func New(taskID string) *Bus {
	return NewWithBuffer(taskID, DefaultBufferSize)
}

// NewWithBuffer constructs a Bus for taskID with a custom per-observer
// buffer size. Buffer must be positive; non-positive values are replaced
// with DefaultBufferSize.
func NewWithBuffer(taskID string, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		taskID:    taskID,
		observers: make(map[int]chan domain.ProgressEvent),
		buffer:    buffer,
	}
}

// Subscription is a live registration on a Bus. Callers receive events from
// Events and must call Unsubscribe when done observing, even after the bus
// has closed the channel.
type Subscription struct {
	id     int
	bus    *Bus
	events chan domain.ProgressEvent
}

// Events returns the channel on which progress events for this observer
// arrive. The channel is closed once the task reaches a terminal event, or
// when the Bus itself is force-closed.
func (s *Subscription) Events() <-chan domain.ProgressEvent { return s.events }

// Unsubscribe removes the observer from the bus. It is safe to call more
// than once and safe to call after the bus has closed the channel.
func (s *Subscription) Unsubscribe() { s.bus.remove(s.id) }

// Subscribe registers a new observer and returns its Subscription. Late
// joiners only receive events published after Subscribe returns; the Bus
// does not replay history.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.ProgressEvent, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription{id: id, bus: b, events: ch}
	}
	b.observers[id] = ch
	return &Subscription{id: id, bus: b, events: ch}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, id)
}

// Publish delivers event to every currently-subscribed observer in the order
// Publish is called. An observer whose buffer is full is dropped entirely:
// its channel is closed and it is removed from the bus, rather than letting
// it block the publisher or other observers. A dropped observer receives no further events.
//
// If event.Kind is terminal, Publish closes every remaining observer's
// channel after delivery and marks the bus closed; further Publish calls
// are no-ops.
func (b *Bus) Publish(event domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, ch := range b.observers {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(b.observers, id)
		}
	}

	if event.Kind.Terminal() {
		b.closeLocked()
	}
}

// Close force-closes the bus and every observer channel without publishing
// a terminal event. Callers use this for abnormal teardown (e.g. the
// orchestrator worker pool shutting down while a task is still running).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Bus) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.observers {
		close(ch)
		delete(b.observers, id)
	}
}

// TaskID returns the task this bus was created for.
func (b *Bus) TaskID() string { return b.taskID }
