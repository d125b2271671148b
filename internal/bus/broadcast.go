package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const broadcastBufferSize = 100

// Subscription represents an auxiliary, best-effort subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// broadcaster is a non-blocking fan-out of bus events to auxiliary
// observers, adapted from a pub/sub event bus's fan-out idiom but
// demoted to a secondary role: the primary single-consumer path lives
// in Bus.events, and this type exists only so things like a UI channel
// can mirror owner_notify without ever being able to stall a worker's
// Publish call.
type broadcaster struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{subs: make(map[int]*Subscription), logger: logger}
}

func (b *broadcaster) subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, broadcastBufferSize)}
	b.subs[sub.id] = sub
	return sub
}

func (b *broadcaster) unsubscribe(sub *Subscription) {
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

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(ev.Type, sub.prefix) {
			select {
			case sub.ch <- ev:
			default:
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, ev.Type)
			}
		}
	}
}

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *broadcaster) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_broadcast_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
