// Package rabbitmq carries bus messages between nodes through a RabbitMQ topic exchange.
// Messages are routed by key onto a fixed set of durable partition queues shared by every
// node. A partition queue has a single active consumer, so the nodes share the partitions
// while each key is still handled by one node at a time, in order. Consumed messages are
// handed to the local in-process bus and acked once its handlers are done with them.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/common"
	log "github.com/sirupsen/logrus"
)

// KeyHeader carries the ordering key of a message.
const KeyHeader = "saga-key"

// Channel is the part of *amqp.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Options struct {
	Exchange string
	// QueuePrefix names the partition queues: <prefix>.<partition>.
	QueuePrefix string
	// Partitions is the number of partition queues. Every node must use the same value.
	Partitions int
	Prefetch   int
	// Requeue reports whether a message whose handler failed goes back to its queue. When
	// nil every failed message is requeued.
	Requeue func(error) bool
}

func DefaultOptions() Options {
	return Options{Exchange: "saga", QueuePrefix: "saga", Partitions: 16, Prefetch: 64}
}

// Queue returns the name of partition p.
func (o Options) Queue(p int) string {
	return fmt.Sprintf("%s.%d", o.QueuePrefix, p)
}

// route returns the routing key of a message on topic with key.
func (o Options) route(topic, key string) string {
	return fmt.Sprintf("%d.%s", common.ShardOf(key, o.Partitions), topic)
}

// Dial opens a connection and a channel to url.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return conn, ch, nil
}

// Bus publishes to the exchange and dispatches consumed messages to a local bus.
type Bus struct {
	ch    Channel
	opts  Options
	local *bus.Memory

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	log     *log.Entry
}

// New declares the exchange. The partition queues are declared on Start.
func New(logger *log.Logger, ch Channel, local *bus.Memory, opts Options) (*Bus, error) {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if err := ch.ExchangeDeclare(opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	return &Bus{
		ch:    ch,
		opts:  opts,
		local: local,
		log:   logger.WithField("component", "rabbitmq"),
	}, nil
}

// Subscribe registers h on the local bus. The partition queues are bound to topic on Start.
func (b *Bus) Subscribe(topic, subscriber string, h bus.Handler) {
	b.local.Subscribe(topic, subscriber, h)
}

// Publish sends msgs to the exchange, routed by partition and topic.
func (b *Bus) Publish(ctx context.Context, msgs ...bus.Message) error {
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", m.Topic, m.ID, err)
		}
		err = b.ch.PublishWithContext(ctx, b.opts.Exchange, b.opts.route(m.Topic, m.Key), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.ID,
			Type:         m.Kind.String(),
			Headers:      amqp.Table{KeyHeader: m.Key},
			Timestamp:    m.Timestamp,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish %s %s: %w", m.Topic, m.ID, err)
		}
	}
	return nil
}

// Start declares the partition queues, binds them to every subscribed topic and starts
// consuming. Subscriptions made after Start receive nothing from the broker.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	topics := b.local.Topics()
	for p := 0; p < b.opts.Partitions; p++ {
		queue := b.opts.Queue(p)
		args := amqp.Table{"x-single-active-consumer": true}
		if _, err := b.ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		for _, topic := range topics {
			key := fmt.Sprintf("%d.%s", p, topic)
			if err := b.ch.QueueBind(queue, key, b.opts.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s: %w", queue, key, err)
			}
		}
		deliveries, err := b.ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		b.wg.Add(1)
		go b.consume(ctx, deliveries)
	}
	b.started = true
	b.log.Infof("consuming %d partitions of %s on exchange %s", b.opts.Partitions, b.opts.QueuePrefix, b.opts.Exchange)
	return nil
}

// consume hands deliveries to the local bus until the channel closes. One that cannot be
// decoded is dropped.
func (b *Bus) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	for d := range deliveries {
		var m bus.Message
		if err := json.Unmarshal(d.Body, &m); err != nil {
			b.log.Errorf("dropping undecodable delivery %s: %s", d.MessageId, err)
			if err := d.Nack(false, false); err != nil {
				b.log.Warnf("nack %s: %s", d.MessageId, err)
			}
			continue
		}
		if err := b.local.Deliver(ctx, m, func(err error) { b.settle(d, m, err) }); err != nil {
			b.log.Warnf("requeueing %s %s: %s", m.Topic, m.ID, err)
			if err := d.Nack(false, true); err != nil {
				b.log.Warnf("nack %s: %s", m.ID, err)
			}
		}
	}
}

// settle acks d once its handlers succeeded, and otherwise hands it back to the broker or
// drops it as Requeue decides.
func (b *Bus) settle(d amqp.Delivery, m bus.Message, err error) {
	if err == nil {
		if err := d.Ack(false); err != nil {
			b.log.Warnf("ack %s: %s", m.ID, err)
		}
		return
	}
	requeue := b.opts.Requeue == nil || b.opts.Requeue(err)
	if requeue {
		b.log.Warnf("requeueing %s %s: %s", m.Topic, m.ID, err)
	} else {
		b.log.Errorf("dropping %s %s: %s", m.Topic, m.ID, err)
	}
	if err := d.Nack(false, requeue); err != nil {
		b.log.Warnf("nack %s: %s", m.ID, err)
	}
}

// Drain waits until every consumed message has been handled locally.
func (b *Bus) Drain(ctx context.Context) error {
	return b.local.Drain(ctx)
}

// Close closes the channel and waits for the consumers to stop. The local bus is left open;
// messages it still holds are redelivered by the broker.
func (b *Bus) Close() error {
	err := b.ch.Close()
	b.wg.Wait()
	return err
}
