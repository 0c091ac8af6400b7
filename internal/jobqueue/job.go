// Package jobqueue is the producer/consumer contract over the durable broker.
//
// The broker owns job state: a job is pending while it sits in the queue,
// active while a worker holds the unacked delivery, completed when it is acked
// and failed when it is nacked. Retries are redeliveries of the same job,
// driven by the broker's own delivery limit and dead-letter policy.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrBrokerUnavailable wraps transport failures on enqueue
	ErrBrokerUnavailable = errors.New("job broker unavailable")

	// ErrInvalidPayload marks deliveries that can never succeed; they are not requeued
	ErrInvalidPayload = errors.New("invalid job payload")
)

// deliveryCountHeader is maintained by quorum queues on redelivery
const deliveryCountHeader = "x-delivery-count"

// Broker is the subset of the RabbitMQ client the queue needs.
type Broker interface {
	Publish(ctx context.Context, msg amqp.Publishing) error
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// Job is one delivery of a unit of deferred work.
type Job struct {
	ID         string
	Type       string
	Payload    []byte
	Attempt    int
	EnqueuedAt time.Time
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Handler executes one job. A nil return acks the delivery; any error nacks it
// and leaves the retry decision to the broker.
type Handler func(ctx context.Context, job *Job) error

// jobFromDelivery builds a Job from a raw delivery.
func jobFromDelivery(d amqp.Delivery) *Job {
	return &Job{
		ID:         d.MessageId,
		Type:       d.Type,
		Payload:    d.Body,
		Attempt:    deliveryCount(d.Headers) + 1,
		EnqueuedAt: d.Timestamp,
	}
}

func deliveryCount(headers amqp.Table) int {
	switch v := headers[deliveryCountHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
