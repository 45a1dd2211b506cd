package registry

import (
	"sync"

	"chat-notify/internal/event/domain"
)

// Subscription is one receiving handle on a user's mailbox. Each subscription owns a bounded ring
// of pending events; when the ring is full the oldest pending event is dropped.
type Subscription struct {
	userID int64
	entry  *entry

	mu      sync.Mutex
	buf     []*domain.Event
	head    int
	size    int
	gap     uint64
	dropped uint64

	ready    chan struct{}
	done     chan struct{}
	released bool
}

func newSubscription(userID int64, e *entry, capacity int) *Subscription {
	return &Subscription{
		userID: userID,
		entry:  e,
		buf:    make([]*domain.Event, capacity),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// UserID returns the user the subscription belongs to.
func (s *Subscription) UserID() int64 { return s.userID }

// Ready is signalled when events are pending. A single signal may cover several events; call Drain.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed once the subscription is released or the registry shuts down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drain returns pending events in publish order and the number of events dropped since the
// previous Drain.
func (s *Subscription) Drain() ([]*domain.Event, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gap := s.gap
	s.gap = 0
	if s.size == 0 {
		return nil, gap
	}
	out := make([]*domain.Event, s.size)
	for i := 0; i < s.size; i++ {
		idx := (s.head + i) % len(s.buf)
		out[i] = s.buf[idx]
		s.buf[idx] = nil
	}
	s.head, s.size = 0, 0
	return out, gap
}

// Pending returns the number of undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped returns the total number of events dropped for this subscription.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push appends ev and reports whether the oldest pending event had to be dropped. Never blocks.
func (s *Subscription) push(ev *domain.Event) bool {
	s.mu.Lock()
	overflow := false
	if s.size == len(s.buf) {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.gap++
		s.dropped++
		overflow = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = ev
	s.size++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return overflow
}

// markReleased flips the released flag once. Callers hold the shard lock.
func (s *Subscription) markReleased() bool {
	if s.released {
		return false
	}
	s.released = true
	close(s.done)
	return true
}
