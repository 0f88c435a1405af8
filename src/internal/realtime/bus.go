package realtime

import (
	"sync"

	"proctorhub-monitoring-svc/src/internal/metrics"
	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/sirupsen/logrus"
)

// Publisher is the write side of the realtime fan-out, implemented by the
// in-process Bus and by the Bridge that mirrors publishes to RabbitMQ.
type Publisher interface {
	Publish(event *models.ChangeEvent)
}

// Bus is the in-process topic hub. The server keeps no per-connection state
// beyond topic membership: a subscriber is just a buffered channel joined to
// a set of topics, and delivery is at-least-once with non-blocking sends
// (slow dashboards drop rather than stall ingestion).
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscriber]struct{}
	buffer  int
	closed  bool
}

// Subscriber receives change events for its topics on C until Close.
type Subscriber struct {
	C      chan *models.ChangeEvent
	bus    *Bus
	topics []string
	once   sync.Once
}

// NewBus creates a hub whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		topics: make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe joins the given topics and returns the subscription handle.
// Subscribing to no topics defaults to the global feed.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	if len(topics) == 0 {
		topics = []string{models.TopicAll}
	}

	sub := &Subscriber{
		C:      make(chan *models.ChangeEvent, b.buffer),
		bus:    b,
		topics: topics,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChan()
		return sub
	}
	for _, topic := range topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[*Subscriber]struct{})
		}
		b.topics[topic][sub] = struct{}{}
	}

	logrus.WithField("topics", topics).Debug("Realtime subscriber joined")
	return sub
}

// Close leaves all topics and closes the receive channel. Safe to call twice.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	for _, topic := range s.topics {
		if subs := s.bus.topics[topic]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.topics, topic)
			}
		}
	}
	s.bus.mu.Unlock()
	s.closeChan()
}

func (s *Subscriber) closeChan() {
	s.once.Do(func() { close(s.C) })
}

// Publish fans the event out to every subscriber of its topics. A subscriber
// reached through several topics receives the event once per publish. Sends
// never block; a full subscriber buffer counts a drop and moves on.
func (b *Bus) Publish(event *models.ChangeEvent) {
	if event == nil {
		return
	}
	metrics.EventsPublished.WithLabelValues(event.Kind).Inc()

	seen := make(map[*Subscriber]struct{})

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range event.Topics() {
		for sub := range b.topics[topic] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}

			select {
			case sub.C <- event:
			default:
				metrics.EventsDropped.Inc()
				logrus.WithFields(logrus.Fields{
					"kind":  event.Kind,
					"topic": topic,
				}).Warn("Dropped realtime event for slow subscriber")
			}
		}
	}
}

// Shutdown closes every subscriber channel and rejects new subscriptions.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	seen := make(map[*Subscriber]struct{})
	for _, subs := range b.topics {
		for sub := range subs {
			seen[sub] = struct{}{}
		}
	}
	b.topics = make(map[string]map[*Subscriber]struct{})
	b.mu.Unlock()

	for sub := range seen {
		sub.closeChan()
	}
}
