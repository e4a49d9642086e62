package events

import (
	"sync"
	"time"
)

// Bus distributes events to any number of subscribers. Emission never
// blocks: when a subscriber's buffer is full the oldest buffered event
// is dropped and counted against that subscriber.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	now     func() time.Time
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		now:  time.Now,
	}
}

// Subscribe registers a new subscriber with the given buffer capacity.
// The returned cancel function removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{ch: make(chan Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}

	return sub.ch, cancel
}

// Emit delivers the event to all current subscribers
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if e.Time.IsZero() {
		e.Time = b.now()
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			// Buffer full: drop the oldest event to make room
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- e:
			default:
				sub.dropped++
			}
		}
	}
}

// Dropped returns the total number of events dropped across all
// current subscribers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, sub := range b.subs {
		total += sub.dropped
	}
	return total
}

// Close shuts down the bus and closes all subscriber channels
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
