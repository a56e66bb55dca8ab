// Package eventbus fans pipeline signals (circuit changes, failed
// deliveries, extracted batches, task outcomes) out to in-process
// subscribers. The metrics subscriber turns them into counters.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSubscriberBuffer = 16

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks a publisher. A subscriber whose channel is full misses
// the event and the bus counts it as dropped.
type Bus interface {
	Publish(e Event)
	// Subscribe receives every event, or only the listed types.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped is the number of deliveries lost to full subscribers.
	Dropped() uint64
}

func New() Bus { return &memBus{} }

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

type memBus struct {
	// Publish sends under the read lock and unsubscribe closes under the
	// write lock, so a send never races a close.
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer), types: slices.Clone(types)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
