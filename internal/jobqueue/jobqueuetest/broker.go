// Package jobqueuetest provides an in-memory broker for exercising jobqueue
// producers and workers without RabbitMQ.
package jobqueuetest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Settlement records how a delivery was finished
type Settlement struct {
	MessageID string
	Acked     bool
	Requeue   bool
}

// Broker loops every published message straight back as a delivery.
type Broker struct {
	// PublishErr, when set, is returned by Publish
	PublishErr error

	mu          sync.Mutex
	deliveries  chan amqp.Delivery
	published   []amqp.Publishing
	inflight    map[uint64]string
	settlements []Settlement
	canceled    []string
	nextTag     uint64
}

// NewBroker creates a broker whose delivery buffer holds capacity messages
func NewBroker(capacity int) *Broker {
	return &Broker{
		deliveries: make(chan amqp.Delivery, capacity),
		inflight:   make(map[uint64]string),
	}
}

// Publish records msg and enqueues it as a delivery
func (b *Broker) Publish(ctx context.Context, msg amqp.Publishing) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}

	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()

	return b.Deliver(ctx, msg, 0)
}

// Deliver pushes msg to consumers as if the broker had delivered it
// deliveryCount times before
func (b *Broker) Deliver(ctx context.Context, msg amqp.Publishing, deliveryCount int64) error {
	b.mu.Lock()
	b.nextTag++
	tag := b.nextTag
	b.inflight[tag] = msg.MessageId
	b.mu.Unlock()

	headers := amqp.Table{}
	if deliveryCount > 0 {
		headers["x-delivery-count"] = deliveryCount
	}

	delivery := amqp.Delivery{
		Acknowledger: b,
		Headers:      headers,
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Type:         msg.Type,
		Body:         msg.Body,
		DeliveryTag:  tag,
		Redelivered:  deliveryCount > 0,
	}

	select {
	case b.deliveries <- delivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the shared delivery channel
func (b *Broker) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

// Cancel records the canceled consumer tag
func (b *Broker) Cancel(consumerTag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, consumerTag)
	return nil
}

// Ack implements amqp.Acknowledger
func (b *Broker) Ack(tag uint64, multiple bool) error {
	return b.settle(tag, true, false)
}

// Nack implements amqp.Acknowledger
func (b *Broker) Nack(tag uint64, multiple bool, requeue bool) error {
	return b.settle(tag, false, requeue)
}

// Reject implements amqp.Acknowledger
func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.settle(tag, false, requeue)
}

func (b *Broker) settle(tag uint64, acked, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.inflight[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(b.inflight, tag)
	b.settlements = append(b.settlements, Settlement{MessageID: id, Acked: acked, Requeue: requeue})
	return nil
}

// Published returns a copy of every published message
func (b *Broker) Published() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published...)
}

// Settlements returns a copy of every ack/nack so far
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// Canceled returns the consumer tags passed to Cancel
func (b *Broker) Canceled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.canceled...)
}
