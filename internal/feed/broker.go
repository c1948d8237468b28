package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 256

// Observer receives broker lifecycle notifications, typically for metrics.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
	SubscriberEvicted()
	EventPublished(table string, kind string)
}

// BrokerConfig configures the in-process change broker.
type BrokerConfig struct {
	BufferSize int
	Logger     *zap.Logger
	Observer   Observer
}

// Broker fans committed change events out to every matching subscriber.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
	observer    Observer
}

type subscriber struct {
	id        int64
	filter    Filter
	stream    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.stream)
	})
}

// NewBroker constructs a broker.
func NewBroker(cfg BrokerConfig) *Broker {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
		observer:    cfg.Observer,
	}
}

// Subscribe registers a subscriber for events matching filter.
// The returned channel is closed on unsubscribe, on ctx cancellation, or when the
// subscriber falls behind and is evicted; a closed channel means events may have been missed.
// The cleanup function is idempotent.
func (b *Broker) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id:     b.nextID,
		filter: filter,
		stream: make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()
	if b.observer != nil {
		b.observer.SubscriberAdded()
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregister(sub.id, false)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Broker) Publish(event Event) {
	if event.Table == "" || event.Kind == "" {
		return
	}
	if b.observer != nil {
		b.observer.EventPublished(event.Table, string(event.Kind))
	}

	var lagging []int64
	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.stream <- event:
		default:
			lagging = append(lagging, sub.id)
		}
	}
	b.mu.RUnlock()

	for _, id := range lagging {
		b.logger.Warn("evicting lagging feed subscriber",
			zap.Int64("subscriber_id", id),
			zap.String("table", event.Table))
		b.unregister(id, true)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) unregister(id int64, evicted bool) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		sub.close()
	}
	b.mu.Unlock()
	if !ok || b.observer == nil {
		return
	}
	b.observer.SubscriberRemoved()
	if evicted {
		b.observer.SubscriberEvicted()
	}
}
