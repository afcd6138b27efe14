package events

import (
	"sync"
	"time"
)

// Handler processes a single event. Handlers run on the bus dispatch
// goroutine, one event at a time, in emit order.
type Handler func(Event)

// Bus provides in-process event distribution across components.
//
// Delivery is order-preserving per phase. The internal queue has a soft
// capacity: beyond it, a new event replaces a queued event of the same
// phase and type (latest wins), and everything else applies brief
// backpressure on the emitter instead of being dropped. Events of
// distinct types never replace each other, so a queued terminal event
// cannot be displaced by a later cosmetic one.
type Bus struct {
	softCap int

	mu       sync.Mutex
	space    *sync.Cond
	queue    []Event
	closed   bool
	handlers []Handler

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// hardCapFactor bounds how far past the soft cap non-coalescable
// events may grow the queue before Emit blocks.
const hardCapFactor = 2

// NewBus creates a bus with the given soft queue capacity and starts
// its dispatch loop.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	b := &Bus{
		softCap: capacity,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.space = sync.NewCond(&b.mu)

	b.wg.Add(1)
	go b.dispatch()

	return b
}

// Subscribe registers a handler for all subsequent events.
// Handlers cannot be removed; create a new bus per lifecycle instead.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit enqueues an event for delivery. Safe for concurrent use,
// including from within a handler.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if len(b.queue) >= b.softCap && e.Phase != "" {
		// Coalesce: replace the queued event of the same phase AND type.
		// Type is part of the identity; resolvers switch on it, so a
		// phase.completed must never be overwritten by a later
		// completion.accepted or worker.spawned for the same phase.
		for i := len(b.queue) - 1; i >= 0; i-- {
			if b.queue[i].Phase == e.Phase && b.queue[i].Type == e.Type {
				b.queue[i] = e
				return
			}
		}
	}

	// Everything else is never dropped; block until the dispatcher
	// drains below the hard cap
	for len(b.queue) >= b.softCap*hardCapFactor && !b.closed {
		b.space.Wait()
	}
	if b.closed {
		return
	}

	b.queue = append(b.queue, e)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatch loop after draining queued events.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.space.Broadcast()
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		e, ok := b.next()
		if ok {
			b.mu.Lock()
			handlers := make([]Handler, len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.Unlock()

			for _, h := range handlers {
				h(e)
			}
			continue
		}

		select {
		case <-b.wake:
		case <-b.done:
			// Drain anything emitted before close
			if e, ok := b.next(); ok {
				b.mu.Lock()
				handlers := make([]Handler, len(b.handlers))
				copy(handlers, b.handlers)
				b.mu.Unlock()
				for _, h := range handlers {
					h(e)
				}
				continue
			}
			return
		}
	}
}

// next pops the head of the queue, signalling blocked emitters.
func (b *Bus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return Event{}, false
	}

	e := b.queue[0]
	b.queue = b.queue[1:]
	b.space.Signal()
	return e, true
}

// Pending returns the number of undelivered events. Intended for tests
// and diagnostics.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
