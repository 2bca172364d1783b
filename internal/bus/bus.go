// Package bus provides the in-process fan-out from the ingest loop to the
// consumers. Each subscriber owns a bounded channel; when a subscriber
// falls behind, its oldest event is discarded so publishing never blocks.
package bus

import (
	"sync"
	"sync/atomic"
)

// Bus fans events out to every subscriber. Publish never blocks and never
// fails; slow subscribers lose their oldest events first.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan map[string]any
	onDrop func()
	drops  atomic.Uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// OnDrop registers fn to be called once per discarded event, in addition to
// the internal counter. Register before publishing begins.
func (b *Bus) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe registers a new subscriber with the given queue capacity and
// returns its receive channel. Subscribers are permanent; there is no
// unsubscribe.
func (b *Bus) Subscribe(capacity int) <-chan map[string]any {
	ch := make(chan map[string]any, capacity)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch
}

// Publish delivers event to every subscriber in subscription order. A full
// queue has its oldest element discarded (counted as a drop) to make room;
// if the send still cannot proceed the event itself is counted as dropped
// for that subscriber.
func (b *Bus) Publish(event map[string]any) {
	b.mu.RLock()
	subs := b.subs
	onDrop := b.onDrop
	b.mu.RUnlock()

	drop := func() {
		b.drops.Add(1)
		if onDrop != nil {
			onDrop()
		}
	}

	for _, ch := range subs {
		if len(ch) == cap(ch) {
			select {
			case <-ch:
				drop()
			default:
				// A consumer raced us and made room.
			}
		}
		select {
		case ch <- event:
		default:
			drop()
		}
	}
}

// Drops returns the total number of events discarded across all subscribers.
func (b *Bus) Drops() uint64 {
	return b.drops.Load()
}

// QueueDepths returns a snapshot of every subscriber's current queue length.
func (b *Bus) QueueDepths() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depths := make([]int, len(b.subs))
	for i, ch := range b.subs {
		depths[i] = len(ch)
	}
	return depths
}

// MaxQueueDepth returns the deepest subscriber queue right now.
func (b *Bus) MaxQueueDepth() int {
	max := 0
	for _, d := range b.QueueDepths() {
		if d > max {
			max = d
		}
	}
	return max
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
