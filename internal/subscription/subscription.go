// Package subscription provides cancellable registrations for event streams.
//
// A Set fans events out to its subscribers. Every subscriber owns a mailbox
// drained by its own goroutine, so a slow callback delays only its own later
// deliveries and events reach each subscriber in publication order.
//
// Cancel stops delivery: once it returns no further callback invocation starts
// for that subscription. An invocation that is already executing on the
// mailbox goroutine when Cancel is called from elsewhere runs to completion;
// callers that need a hard barrier can cancel from inside the callback.
package subscription

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Subscription is a handle on a registration whose only use is to cancel it.
type Subscription interface {
	// Cancel stops further delivery. It is idempotent and safe to call from
	// any goroutine, including from inside the registered callback.
	Cancel()
}

// OnCancel returns a Subscription that runs fn on its first Cancel call.
func OnCancel(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (f *funcSubscription) Cancel() {
	f.once.Do(f.fn)
}

// Set is a concurrent set of subscribers receiving values of type T.
type Set[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*mailbox[T]
	nextID uint64
	closed bool
}

// NewSet creates an empty subscriber set. The name is used in log records.
func NewSet[T any](name string, logger *slog.Logger) *Set[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set[T]{
		name:   name,
		logger: logger,
		subs:   make(map[uint64]*mailbox[T]),
	}
}

// Subscribe registers fn and returns its Subscription. Subscribing to a
// closed set returns an already cancelled Subscription.
func (s *Set[T]) Subscribe(fn func(T)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	mb := &mailbox[T]{id: s.nextID, fn: fn, set: s}
	if s.closed {
		mb.cancelled = true
		return mb
	}
	s.subs[mb.id] = mb
	return mb
}

// Publish queues v for every current subscriber and returns how many
// subscribers it was queued for. It never waits for callbacks.
func (s *Set[T]) Publish(v T) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, mb := range s.subs {
		if mb.enqueue(v) {
			n++
		}
	}
	return n
}

// Len returns the number of live subscriptions.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close cancels every subscription and rejects future ones.
func (s *Set[T]) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*mailbox[T], 0, len(s.subs))
	for _, mb := range s.subs {
		subs = append(subs, mb)
	}
	s.mu.Unlock()

	for _, mb := range subs {
		mb.Cancel()
	}
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// mailbox is one subscription: a FIFO of pending values and the goroutine
// draining it. The goroutine exits whenever the queue runs empty.
type mailbox[T any] struct {
	id  uint64
	fn  func(T)
	set *Set[T]

	once      sync.Once
	mu        sync.Mutex
	queue     []T
	running   bool
	cancelled bool
}

func (mb *mailbox[T]) enqueue(v T) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.cancelled {
		return false
	}
	mb.queue = append(mb.queue, v)
	if !mb.running {
		mb.running = true
		go mb.drain()
	}
	return true
}

func (mb *mailbox[T]) drain() {
	for {
		mb.mu.Lock()
		if mb.cancelled || len(mb.queue) == 0 {
			mb.running = false
			mb.mu.Unlock()
			return
		}
		var zero T
		v := mb.queue[0]
		mb.queue[0] = zero
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		mb.invoke(v)
	}
}

func (mb *mailbox[T]) invoke(v T) {
	defer func() {
		if rec := recover(); rec != nil {
			mb.set.logger.Error("subscriber callback panicked",
				"set", mb.set.name,
				"subscription_id", mb.id,
				"panic", rec,
				"stack_trace", string(debug.Stack()),
			)
		}
	}()
	mb.fn(v)
}

// Cancel implements Subscription.
func (mb *mailbox[T]) Cancel() {
	mb.once.Do(func() {
		mb.mu.Lock()
		mb.cancelled = true
		mb.queue = nil
		mb.mu.Unlock()

		if mb.set != nil {
			mb.set.remove(mb.id)
		}
	})
}
