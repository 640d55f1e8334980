package presence

import "sync"

// Signal is a latest-value-wins broadcaster. Each subscriber owns a buffered
// channel of capacity one; a publish replaces any undelivered value so slow
// consumers always observe the most recent state rather than a backlog.
type Signal[T any] struct {
	mu       sync.Mutex
	latest   T
	hasValue bool
	nextID   int
	subs     map[int]chan T
}

// NewSignal creates an empty signal with no subscribers.
func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{subs: make(map[int]chan T)}
}

// Publish stores v as the latest value and fans it out to all subscribers.
func (s *Signal[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = v
	s.hasValue = true

	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			// Replace the undelivered value.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Latest returns the most recently published value, if any.
func (s *Signal[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasValue
}

// Subscribe registers a new consumer. The returned channel immediately
// carries the latest value when one exists. The cancel function must be
// called to release the subscription.
func (s *Signal[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	ch := make(chan T, 1)
	if s.hasValue {
		ch <- s.latest
	}
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
