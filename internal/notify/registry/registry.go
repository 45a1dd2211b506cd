// Package registry maps user ids to live event mailboxes. It is the only shared mutable state of the
// notify service and is safe for concurrent use by stream sessions and the change listener.
package registry

import (
	"sync"

	"chat-notify/internal/event/domain"
)

const (
	// DefaultCapacity is the per-subscription buffer size.
	DefaultCapacity = 256
	// DefaultShards is the number of lock stripes.
	DefaultShards = 32
)

// Options configures a Registry. Zero values fall back to the defaults.
type Options struct {
	// Shards is the number of lock stripes; rounded up to a power of two.
	Shards int
	// Capacity is the number of pending events each subscription buffers before dropping the oldest.
	Capacity int
	// OnDrop is called outside any lock with the number of events dropped for userID by one publish.
	OnDrop func(userID int64, dropped int)
}

// Registry is a sharded map from user id to mailbox. Get-or-insert, publish and release for one user
// only take that user's shard lock.
type Registry struct {
	shards   []*shard
	mask     uint64
	capacity int
	onDrop   func(int64, int)
}

type shard struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// entry is one user's mailbox: the live subscriptions that receive every publish for the user.
type entry struct {
	subs []*Subscription
}

// New returns an empty Registry.
func New(opts Options) *Registry {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		shards:   make([]*shard, size),
		mask:     uint64(size - 1),
		capacity: capacity,
		onDrop:   opts.OnDrop,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[int64]*entry)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	// splitmix64 finalizer so sequential ids spread across stripes.
	x := uint64(userID)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return r.shards[x&r.mask]
}

func (s *shard) getOrCreateLocked(userID int64) *entry {
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{}
		s.entries[userID] = e
	}
	return e
}

// reapLocked removes e when nobody holds a subscription on it. Returns true if removed.
func (s *shard) reapLocked(userID int64, e *entry) bool {
	if len(e.subs) > 0 {
		return false
	}
	if cur, ok := s.entries[userID]; ok && cur == e {
		delete(s.entries, userID)
		return true
	}
	return false
}

// Subscribe returns a new receiving handle on userID's mailbox, creating the mailbox if needed.
// Concurrent calls for the same user always share one mailbox.
func (r *Registry) Subscribe(userID int64) *Subscription {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreateLocked(userID)
	sub := newSubscription(userID, e, r.capacity)
	e.subs = append(e.subs, sub)
	return sub
}

// Publish delivers ev to every live subscription of userID and returns how many received it.
// It never blocks: full subscriptions drop their oldest pending event. A publish to a user without
// subscribers creates a transient mailbox that is discarded before the call returns.
func (r *Registry) Publish(userID int64, ev *domain.Event) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	e := s.getOrCreateLocked(userID)
	dropped := 0
	for _, sub := range e.subs {
		if sub.push(ev) {
			dropped++
		}
	}
	delivered := len(e.subs)
	s.reapLocked(userID, e)
	s.mu.Unlock()

	if dropped > 0 && r.onDrop != nil {
		r.onDrop(userID, dropped)
	}
	return delivered
}

// Release detaches sub from userID's mailbox and removes the mailbox once no subscription remains.
// Releasing the same subscription twice is a no-op. It reports whether the mailbox was removed.
func (r *Registry) Release(userID int64, sub *Subscription) bool {
	if sub == nil {
		return false
	}
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sub.markReleased() {
		return false
	}
	e, ok := s.entries[userID]
	if !ok || e != sub.entry {
		return false
	}
	for i, cur := range e.subs {
		if cur == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
	return s.reapLocked(userID, e)
}

// Subscribers returns the number of live subscriptions for userID.
func (r *Registry) Subscribers(userID int64) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userID]; ok {
		return len(e.subs)
	}
	return 0
}

// Len returns the number of users with a mailbox.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Shutdown releases every subscription and empties the registry. Sessions observe Done and terminate.
func (r *Registry) Shutdown() {
	for _, s := range r.shards {
		s.mu.Lock()
		for userID, e := range s.entries {
			for _, sub := range e.subs {
				sub.markReleased()
			}
			delete(s.entries, userID)
		}
		s.mu.Unlock()
	}
}
