package events

import (
	"sync"
	"sync/atomic"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

// DefaultSubscriberBuffer bounds each subscriber channel; once a slow
// subscriber's buffer is full, further events to it are dropped instead
// of stalling the pipeline.
const DefaultSubscriberBuffer = 64

// Bus fans pipeline events out to subscribers. Publish never blocks:
// events to a full subscriber are dropped and counted.
type Bus struct {
	logger logging.Logger

	mu     sync.Mutex
	subs   map[int]chan PipelineEvent
	nextID int

	dropped atomic.Int64
}

// NewBus creates an event bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan PipelineEvent),
	}
}

// Subscribe registers a subscriber and returns its id and channel.
func (b *Bus) Subscribe(buffer int) (int, <-chan PipelineEvent) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan PipelineEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber. The channel is never closed:
// Publish holds a reference outside the lock, and a close here would
// race a concurrent send. Abandoned channels are reclaimed by GC once
// the subscriber stops reading.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ev PipelineEvent) {
	b.mu.Lock()
	targets := make([]chan PipelineEvent, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped on full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
