package event

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus is an ordered multi-subscriber event stream. Each subscriber receives events in
// publish order at most once; a subscriber whose buffer is full misses the event. Queue
// subscribers never miss an event.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	queues map[*Queue]struct{}
	closed bool
	logger *zap.Logger
}

// NewBus creates an empty Bus.
//
// Precondition: logger must not be nil.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		queues: make(map[*Queue]struct{}),
		logger: logger,
	}
}

// Subscription is one consumer's handle on the bus.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	kinds   map[Kind]bool
	name    string
	dropped atomic.Uint64
}

// Subscribe registers a consumer with the given buffer size. When kinds is non-empty only
// those variants are delivered.
//
// Precondition: buffer > 0.
// Postcondition: Returns a live Subscription; on a closed bus the channel is already closed.
func (b *Bus) Subscribe(name string, buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		panic("event.Bus.Subscribe: buffer must be > 0")
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer), name: name}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	k := e.Kind()
	for q := range b.queues {
		q.push(k, e)
	}
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[k] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if s.dropped.Add(1) == 1 || s.dropped.Load()%256 == 0 {
				b.logger.Warn("event dropped: subscriber buffer full",
					zap.String("subscriber", s.name),
					zap.Stringer("kind", k),
					zap.Uint64("dropped", s.dropped.Load()),
				)
			}
		}
	}
}

// Close closes every subscription channel; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
	for q := range b.queues {
		q.close()
		delete(b.queues, q)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) + len(b.queues)
}

// C returns the receive channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and closes its channel. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Queue is an unbounded subscription for the goroutine that owns the simulation state. Publish
// appends under the queue lock and never blocks or drops.
type Queue struct {
	bus    *Bus
	kinds  map[Kind]bool
	name   string
	mu     sync.Mutex
	items  []Event
	ready  chan struct{}
	closed bool
}

// SubscribeQueue registers an unbounded consumer. When kinds is non-empty only those variants
// are queued.
//
// Postcondition: On a closed bus the queue is already closed.
func (b *Bus) SubscribeQueue(name string, kinds ...Kind) *Queue {
	q := &Queue{bus: b, name: name, ready: make(chan struct{}, 1)}
	if len(kinds) > 0 {
		q.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			q.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		q.close()
		return q
	}
	b.queues[q] = struct{}{}
	return q
}

func (q *Queue) push(k Kind, e Event) {
	if q.kinds != nil && !q.kinds[k] {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ready)
	}
}

// Ready receives a value after events are queued. It is closed on Unsubscribe or bus Close.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued event in publish order.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unsubscribe detaches the queue and closes Ready. Calling it again is a no-op.
func (q *Queue) Unsubscribe() {
	b := q.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[q]; !ok {
		return
	}
	delete(b.queues, q)
	q.close()
}
