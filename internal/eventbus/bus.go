// Package eventbus is the in-process fanout that loosely couples the
// monitor to the digest aggregator and the lifecycle logging. Publishing
// never blocks; a subscriber that falls behind loses events rather than
// stalling the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small signal on the bus. Data should stay compact and
// JSON-friendly; consumers receive it by value.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish
// does its work on the caller's stack.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// subscriber guards its channel so a concurrent unsubscribe can close it
// without racing a non-blocking send.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		// Full buffer; the subscriber is behind and this event is lost.
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range b.snapshot() {
		s.send(e)
	}
}

// snapshot copies the subscriber set so sends happen outside the bus
// lock; Subscribe and unsubscribe stay responsive during a fanout.
func (b *memBus) snapshot() []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
}
