// Package bus fans job lifecycle events out to /events subscribers, the
// logger and tests without ever blocking the job registry.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is one published job transition.
type Event struct {
	Topic string
	Job   JobEvent
}

// Filter selects which events a subscription receives. Zero values match
// everything.
type Filter struct {
	Prefix string
	JobID  string
	// Buffer overrides the per-subscription queue length.
	Buffer int
}

func (f Filter) match(topic string, ev JobEvent) bool {
	if f.Prefix != "" && !strings.HasPrefix(topic, f.Prefix) {
		return false
	}
	return f.JobID == "" || f.JobID == ev.JobID
}

type Subscription struct {
	id      uint64
	filter  Filter
	ch      chan Event
	dropped atomic.Uint64
}

// Ch is closed by Unsubscribe or Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers f. On a closed bus the returned channel is already
// closed.
func (b *Bus) Subscribe(f Filter) *Subscription {
	size := f.Buffer
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{filter: f, ch: make(chan Event, size)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish never blocks: a full subscriber queue drops the event for that
// subscriber only. A nil or closed Bus discards it.
func (b *Bus) Publish(topic string, ev JobEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.match(topic, ev) {
			continue
		}
		select {
		case sub.ch <- Event{Topic: topic, Job: ev}:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
