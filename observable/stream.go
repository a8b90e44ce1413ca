// Package observable implements the generic push-subscription primitive
// spec.md calls for (§4.4, DESIGN NOTES §9): a cold source that, on
// subscription, joins a cached upstream backed by a backend watcher, and
// exposes subscribe/unsubscribe with a 64-bit reference number used for
// cache-eviction identity so a stale remove can never evict a replacement
// entry.
package observable

import (
	"sync"
	"sync/atomic"
)

// refCounter backs NextRef, which issues monotonically increasing identity numbers for cache
// entries, per spec.md DESIGN NOTES §9 ("Identity for cache eviction is a
// 64-bit reference number issued at creation time, not the stream object
// itself").
var refCounter int64

// NextRef returns a fresh, process-wide unique reference number.
func NextRef() int64 { return atomic.AddInt64(&refCounter, 1) }

// Event is a single item delivered to a subscriber: either a value or a
// terminal error. Exactly one of Err being non-nil or Done being true
// marks the terminal event; no further events follow it.
type Event[T any] struct {
	Value T
	Err   error
	Done  bool
}

// Stream is a subscribable sequence of Events. Every subscriber to the
// same Stream receives the values emitted after it subscribed; earlier
// values are not replayed, only a terminal event is. Cache (in cache.go)
// is what shares one Stream across many callers.
type Stream[T any] struct {
	mu          sync.Mutex
	subscribers map[int64]chan Event[T]
	closed      bool
	lastErr     error
	done        bool
}

// New creates an empty Stream. Feed it via Emit/Fail/Complete from the
// goroutine that owns the underlying backend watcher.
func New[T any]() *Stream[T] {
	return &Stream[T]{subscribers: map[int64]chan Event[T]{}}
}

// Subscription is a live subscription to a Stream.
type Subscription[T any] struct {
	ref           int64
	events        chan Event[T]
	stream        *Stream[T]
	onUnsubscribe func()
}

// Events returns the channel on which this subscription receives events.
func (s *Subscription[T]) Events() <-chan Event[T] { return s.events }

// Ref returns this subscription's identity number.
func (s *Subscription[T]) Ref() int64 { return s.ref }

// Unsubscribe detaches this subscription from its Stream. It is safe to
// call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.stream.mu.Lock()

	if ch, ok := s.stream.subscribers[s.ref]; ok {
		delete(s.stream.subscribers, s.ref)
		close(ch)
	}

	onUnsubscribe := s.onUnsubscribe
	s.onUnsubscribe = nil

	s.stream.mu.Unlock()

	if onUnsubscribe != nil {
		onUnsubscribe()
	}
}

// Subscribe attaches a new subscription to the stream, buffered so a
// consumer up to buffer events behind does not block Emit; Emit blocks
// while a subscriber's buffer is full. If the stream already completed or failed,
// the new subscriber immediately receives that terminal event.
func (str *Stream[T]) Subscribe(buffer int) *Subscription[T] {
	str.mu.Lock()
	defer str.mu.Unlock()

	ch := make(chan Event[T], buffer)
	ref := NextRef()

	if str.done {
		if str.lastErr != nil {
			ch <- Event[T]{Err: str.lastErr}
		} else {
			ch <- Event[T]{Done: true}
		}

		close(ch)

		return &Subscription[T]{ref: ref, events: ch, stream: str}
	}

	str.subscribers[ref] = ch

	return &Subscription[T]{ref: ref, events: ch, stream: str}
}

// Emit delivers a value to every current subscriber.
func (str *Stream[T]) Emit(value T) {
	str.mu.Lock()
	defer str.mu.Unlock()

	if str.done {
		return
	}

	for _, ch := range str.subscribers {
		ch <- Event[T]{Value: value}
	}
}

// Fail terminates the stream with an error, delivered to every current and
// future subscriber, then closes every subscriber channel.
func (str *Stream[T]) Fail(err error) {
	str.mu.Lock()
	defer str.mu.Unlock()

	if str.done {
		return
	}

	str.done = true
	str.lastErr = err

	for ref, ch := range str.subscribers {
		ch <- Event[T]{Err: err}
		close(ch)
		delete(str.subscribers, ref)
	}
}

// Complete terminates the stream successfully (used when the underlying
// object is deleted, per spec.md §4.4 "On deletion, completes.").
func (str *Stream[T]) Complete() {
	str.mu.Lock()
	defer str.mu.Unlock()

	if str.done {
		return
	}

	str.done = true

	for ref, ch := range str.subscribers {
		ch <- Event[T]{Done: true}
		close(ch)
		delete(str.subscribers, ref)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (str *Stream[T]) SubscriberCount() int {
	str.mu.Lock()
	defer str.mu.Unlock()

	return len(str.subscribers)
}
