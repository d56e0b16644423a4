package events

import (
	"sync"
)

// Broadcaster fans journal records out to live subscribers. Slow subscribers
// drop records rather than blocking the append; the sequence gap tells them
// to catch up from the journal.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Record
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold up to
// buffer pending records.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[uint64]chan Record), buffer: buffer}
}

// Publish delivers rec to every subscriber without blocking. It is meant to
// be registered with Journal.Observe so live records carry their sequence.
func (b *Broadcaster) Publish(rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- rec.Clone():
		default:
		}
	}
}

// Subscribe registers a new listener. The returned cancel function must be
// called once the subscriber is done; it closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Record, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
