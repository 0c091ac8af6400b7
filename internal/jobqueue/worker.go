package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultJobTimeout bounds a single handler invocation when no timeout is configured
const DefaultJobTimeout = 2 * time.Minute

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithJobTimeout bounds each handler invocation
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.jobTimeout = d
		}
	}
}

// WithWorkerID sets the consumer tag; defaults to host-pid-random
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) {
		if id != "" {
			w.workerID = id
		}
	}
}

// Worker consumes deliveries of one job type and runs them on a fixed pool of
// goroutines.
type Worker struct {
	broker      Broker
	logger      *slog.Logger
	jobType     string
	handler     Handler
	concurrency int
	jobTimeout  time.Duration
	workerID    string

	jobsChan chan amqp.Delivery
	stopChan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

func newWorker(broker Broker, logger *slog.Logger, jobType string, handler Handler, concurrency int, opts ...WorkerOption) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}

	w := &Worker{
		broker:      broker,
		logger:      logger,
		jobType:     jobType,
		handler:     handler,
		concurrency: concurrency,
		jobTimeout:  DefaultJobTimeout,
		workerID:    defaultWorkerID(),
		jobsChan:    make(chan amqp.Delivery),
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// ID returns the consumer tag
func (w *Worker) ID() string {
	return w.workerID
}

// Start subscribes to the queue and spawns the pool. It returns once the
// consumer is registered. Jobs already running are not canceled when ctx is;
// use Stop to drain.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("worker %s already started", w.workerID)
	}

	// Prefetch matches concurrency so the broker never hands this worker more
	// than it can run
	deliveries, err := w.broker.Consume(w.workerID, w.concurrency)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	w.started = true

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("job_type", w.jobType),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	jobCtx := context.WithoutCancel(ctx)
	w.spawnWorkerPool(jobCtx)

	go func() {
		w.dispatch(ctx, deliveries)
		close(w.jobsChan)
		w.wg.Wait()
		close(w.done)
	}()

	return nil
}

// Done is closed once the dispatcher and every worker goroutine have exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop cancels the consumer so no new jobs arrive, then waits for in-flight
// jobs to finish or ctx to expire. Deliveries still unacked when the broker
// channel closes are requeued by the broker.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker",
			slog.String("worker_id", w.workerID),
		)

		if started {
			if err := w.broker.Cancel(w.workerID); err != nil {
				w.logger.Warn("Failed to cancel consumer",
					slog.String("worker_id", w.workerID),
					slog.Any("error", err),
				)
			}
		}
		close(w.stopChan)
	})

	if !started {
		return nil
	}

	select {
	case <-w.done:
		w.logger.Info("Worker stopped",
			slog.String("worker_id", w.workerID),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s did not drain: %w", w.workerID, ctx.Err())
	}
}

// dispatch hands deliveries to the pool until the worker is stopped or the
// delivery channel closes
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-w.stopChan:
			w.requeueBuffered(deliveries)
			return

		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled",
				slog.String("worker_id", w.workerID),
			)
			w.requeueBuffered(deliveries)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed",
					slog.String("worker_id", w.workerID),
				)
				return
			}

			select {
			case w.jobsChan <- delivery:
			case <-w.stopChan:
				w.nack(delivery, true)
				w.requeueBuffered(deliveries)
				return
			case <-ctx.Done():
				w.nack(delivery, true)
				w.requeueBuffered(deliveries)
				return
			}
		}
	}
}

// requeueBuffered returns prefetched deliveries that never reached the pool
func (w *Worker) requeueBuffered(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			w.nack(delivery, true)
		default:
			return
		}
	}
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop processes deliveries until jobsChan is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	for delivery := range w.jobsChan {
		w.process(ctx, workerName, delivery)
	}
}

// process runs the handler for one delivery and settles it with the broker
func (w *Worker) process(ctx context.Context, workerName string, delivery amqp.Delivery) {
	job := jobFromDelivery(delivery)

	if job.Type != w.jobType || job.ID == "" {
		w.logger.Error("Rejecting delivery with unexpected envelope",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
		)
		w.nack(delivery, false)
		return
	}

	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
	)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	err := w.runHandler(jobCtx, job)
	cancel()

	if err != nil {
		requeue := shouldRequeueJob(err)
		w.logger.Error("Job processing failed",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, requeue)
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	w.logger.Info("Job completed successfully",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
	)
}

// runHandler converts a handler panic into an error so one bad job cannot take
// down the pool
func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("job_id", delivery.MessageId),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}

// shouldRequeueJob lets the broker retry everything except payloads that can
// never be decoded
func shouldRequeueJob(err error) bool {
	return !errors.Is(err, ErrInvalidPayload)
}
