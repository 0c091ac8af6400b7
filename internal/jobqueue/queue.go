package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue enqueues jobs and creates workers for them.
type Queue struct {
	broker Broker
	logger *slog.Logger
}

// New creates a Queue on top of broker
func New(broker Broker, logger *slog.Logger) *Queue {
	return &Queue{
		broker: broker,
		logger: logger,
	}
}

// Enqueue publishes a durable job record and returns its id without waiting
// for a worker to pick it up.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	jobID := uuid.NewString()
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   jobID,
		Type:        jobType,
		Timestamp:   time.Now(),
		Body:        body,
	}

	if err := q.broker.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_type", jobType),
		slog.Int("payload_size", len(body)),
	)

	return jobID, nil
}

// Worker registers handler for jobType. Up to concurrency jobs run at once.
// The worker does nothing until Start is called.
func (q *Queue) Worker(jobType string, handler Handler, concurrency int, opts ...WorkerOption) *Worker {
	return newWorker(q.broker, q.logger, jobType, handler, concurrency, opts...)
}
