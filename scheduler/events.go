package scheduler

import (
	"sync"
	"time"
)

// EventKind identifies the type of scheduler event.
type EventKind string

const (
	EventOutput      EventKind = "output_update"
	EventBatchUpdate EventKind = "batch_update"
	EventAllComplete EventKind = "all_complete"
)

// Event is a scheduler lifecycle notification.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	BatchID   string

	// EventOutput.
	CallID string
	Output string

	// EventBatchUpdate and EventAllComplete: every call of the batch.
	Calls []Call
}

// emitter delivers events on a channel in emission order. Emit never
// blocks: events queue until the reader catches up.
type emitter struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	out    chan Event
}

func newEmitter() *emitter {
	e := &emitter{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go e.pump()
	return e
}

// Emit queues an event. Events emitted after Close are dropped.
func (e *emitter) Emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.signal()
}

func (e *emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) pump() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				close(e.out)
				return
			}
			<-e.wake
			continue
		}
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.out <- ev
	}
}

// Events returns the read-only event channel. It is closed after Close once
// every queued event has been read.
func (e *emitter) Events() <-chan Event {
	return e.out
}

// Close stops accepting events. Safe to call multiple times.
func (e *emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}
