package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/metrics"
	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const originHeader = "x-origin-instance"

// Bridge mirrors local change events onto a RabbitMQ topic exchange and feeds
// events published by peer instances into the local bus, so every dashboard
// sees every change no matter which instance it is connected to.
//
// The consumer side runs as a supervised loop: on any channel or connection
// failure it reconnects with capped backoff, unbounded attempts, and
// re-declares the exchange, queue and bindings deterministically before
// consuming again.
type Bridge struct {
	bus        *Bus
	cfg        *config.RabbitMQConfig
	url        string
	instanceID string

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewBridge creates a bridge publishing on the given channel. Start must be
// called to begin consuming peer events.
func NewBridge(bus *Bus, channel *amqp.Channel, cfg *config.QueueConfig) *Bridge {
	return &Bridge{
		bus:        bus,
		cfg:        &cfg.RabbitMQ,
		url:        cfg.RabbitMQ.Url,
		instanceID: uuid.NewString(),
		channel:    channel,
	}
}

// Publish delivers the event to local subscribers and mirrors it to the
// exchange with the topic as routing key. Broker failures are logged and
// swallowed: local fan-out must not depend on the broker being up.
func (b *Bridge) Publish(event *models.ChangeEvent) {
	b.bus.Publish(event)

	body, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal change event for bridge")
		return
	}

	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil {
		return
	}

	// One publish per change: the most specific topic is the routing key, so
	// selective consumers can bind per exam while the "#" bridge binding
	// still sees exactly one copy.
	topics := event.Topics()
	routingKey := topics[len(topics)-1]

	err = channel.Publish(
		b.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
			Headers:     amqp.Table{originHeader: b.instanceID},
		},
	)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"kind":        event.Kind,
			"routing_key": routingKey,
		}).Warn("Failed to mirror change event to broker")
	}
}

// Start runs the consume loop until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	go b.consumeLoop(ctx)
}

func (b *Bridge) consumeLoop(ctx context.Context) {
	backoff := time.Duration(b.cfg.ReconnectDelay) * time.Second
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	maxBackoff := time.Duration(b.cfg.MaxBackoff) * time.Second
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	delay := backoff

	for {
		if ctx.Err() != nil {
			return
		}

		err := b.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		metrics.BridgeReconnects.Inc()
		logrus.WithError(err).WithField("retry_in", delay.String()).Warn("Bridge consumer disconnected, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

// consumeOnce dials, re-declares the topology, binds a private queue to the
// monitoring topics and pumps deliveries into the bus until the connection
// fails. Returning resets nothing; the loop re-runs the whole declaration so
// state after a reconnect is always the same.
func (b *Bridge) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err := channel.ExchangeDeclare(
		b.cfg.Exchange,
		b.cfg.ExchangeType,
		b.cfg.Durable,
		b.cfg.AutoDelete,
		b.cfg.Internal,
		b.cfg.NoWait,
		nil,
	); err != nil {
		return err
	}

	// Exclusive auto-named queue: each instance gets its own copy of the feed.
	queue, err := channel.QueueDeclare(
		b.cfg.BridgeQueue,
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		b.cfg.NoWait,
		nil,
	)
	if err != nil {
		return err
	}

	// The "#" binding captures the global feed plus every per-exam and
	// per-user topic.
	if err := channel.QueueBind(queue.Name, "monitoring.#", b.cfg.Exchange, b.cfg.NoWait, nil); err != nil {
		return err
	}

	deliveries, err := channel.Consume(
		queue.Name,
		b.cfg.Consumer,
		true,  // auto-ack: at-least-once is the adopted model
		true,  // exclusive
		b.cfg.NoLocal,
		b.cfg.NoWait,
		nil,
	)
	if err != nil {
		return err
	}

	logrus.WithField("queue", queue.Name).Info("Bridge consumer attached")

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			b.handleDelivery(&delivery)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) handleDelivery(delivery *amqp.Delivery) {
	if origin, ok := delivery.Headers[originHeader].(string); ok && origin == b.instanceID {
		return
	}

	var event models.ChangeEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		logrus.WithError(err).Warn("Failed to unmarshal bridged change event")
		return
	}

	b.bus.Publish(&event)
}
