package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/pkg/types"
)

// AllTopics subscribes to every event type.
const AllTopics = "*"

// Broker fans events out to subscribers keyed by event type. Publishing never
// blocks: a full subscriber channel drops the event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.Event]struct{} // topic -> subscribers
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[chan types.Event]struct{}),
		logger: logging.OrDiscard(logger),
	}
}

func (b *Broker) Subscribe(topic string, buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	if topic == "" {
		topic = AllTopics
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[chan types.Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan types.Event) {
	if topic == "" {
		topic = AllTopics
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[topic]
	if !ok {
		return
	}
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

// Publish stamps ID and Timestamp when missing and delivers the event to
// subscribers of its type and of AllTopics.
func (b *Broker) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliverLocked(b.subs[ev.Type], ev)
	if ev.Type != AllTopics {
		b.deliverLocked(b.subs[AllTopics], ev)
	}
}

func (b *Broker) deliverLocked(m map[chan types.Event]struct{}, ev types.Event) {
	for ch := range m {
		select {
		case ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("events: dropped event for slow subscriber",
					"type", ev.Type, "address", ev.Address, "total_dropped", count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}

// SubscriberCount reports the number of live subscriptions across topics.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}
