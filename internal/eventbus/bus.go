package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//
// Type is dot-separated ("broadcast.created", "delivery.result", "task.failed").
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Publisher is the producer-side port. Components that only emit events
// depend on this instead of the full Bus.
type Publisher interface {
	Publish(e Event)
}

type Bus interface {
	Publisher
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribePrefix only delivers events whose Type starts with prefix.
	SubscribePrefix(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many deliveries were skipped because a subscriber was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscriber{}}
}

type subscriber struct {
	prefix string
	ch     chan Event
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		targets = append(targets, s.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

func (b *memBus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

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

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
