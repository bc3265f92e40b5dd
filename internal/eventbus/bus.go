// Package eventbus is a small in-memory fanout used to decouple components:
// the dispatch pipeline publishes lifecycle events, and interested parties
// (debug logging, admin surface) subscribe without the publisher knowing.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types.
const (
	PlanScheduled   = "plan.scheduled"
	ReminderSent    = "reminder.sent"
	ReminderExpired = "reminder.expired"
	SweepCompleted  = "sweep.completed"
	ConfigApplied   = "config.applied"
)

// Event is a lightweight signal. Publish never blocks; a subscriber that
// falls behind loses events rather than stalling the publisher. Data should
// be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many events were discarded because a subscriber's
	// buffer was full. Operational signal only.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under read lock; deliver without holding it.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close the channel; the recover keeps
		// Publish total in that race.
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

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
