// Package events provides an ordered publish/subscribe bus whose Publish never
// blocks the caller.
package events

import "sync"

// Bus fans published values out to every subscriber in publish order.
//
// Each subscriber owns an unbounded mailbox drained by its own goroutine, so a
// slow consumer delays only itself.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

type subscriber[T any] struct {
	mu      sync.Mutex
	pending []T
	closing bool

	signal chan struct{}
	out    chan T
	cancel chan struct{}
	once   sync.Once
}

// NewBus returns an open bus with no subscribers.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe registers a new consumer. The returned channel is closed after the
// bus closes and every value published before that has been delivered, or
// immediately when unsubscribe is called.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		cancel: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.once.Do(func() { close(s.cancel) })
	}
	return s.out, unsubscribe
}

// Publish queues v for every current subscriber. It is a no-op once the bus is
// closed.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(v)
	}
}

// Close stops accepting values. Subscribers still receive what was already
// published.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	clear(b.subs)
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves mailbox values to the out channel until cancelled or drained
// after close.
func (s *subscriber[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closing := s.closing
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case s.out <- v:
			case <-s.cancel:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}

		select {
		case <-s.signal:
		case <-s.cancel:
			return
		}
	}
}
