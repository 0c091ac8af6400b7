package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/recipe-be/internal/generation"
	"github.com/cuongbtq/recipe-be/internal/jobqueue"
	"github.com/cuongbtq/recipe-be/internal/recipe"
)

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Queue       *jobqueue.Queue
	Generator   generation.Generator
	Notifier    Notifier
	Store       Store
	Concurrency int
	JobTimeout  time.Duration
	WorkerID    string
}

// Worker consumes recipe generation jobs
type Worker struct {
	logger   *slog.Logger
	consumer *jobqueue.Worker
}

// NewWorker wires the processor to a queue consumer
func NewWorker(cfg *Config) *Worker {
	processor := NewProcessor(cfg.Generator, cfg.Notifier, cfg.Store, cfg.Logger)

	consumer := cfg.Queue.Worker(recipe.JobTypeGenerate, processor.Handle, cfg.Concurrency,
		jobqueue.WithJobTimeout(cfg.JobTimeout),
		jobqueue.WithWorkerID(cfg.WorkerID),
	)

	return &Worker{
		logger:   cfg.Logger,
		consumer: consumer,
	}
}

// Start begins consuming; it returns once the consumer is registered
func (w *Worker) Start(ctx context.Context) error {
	if err := w.consumer.Start(ctx); err != nil {
		return err
	}
	w.logger.Info("Recipe worker started", slog.String("worker_id", w.consumer.ID()))
	return nil
}

// Stop stops taking new jobs and waits for in-flight ones or ctx
func (w *Worker) Stop(ctx context.Context) error {
	return w.consumer.Stop(ctx)
}

// Done is closed once the consumer has fully stopped
func (w *Worker) Done() <-chan struct{} {
	return w.consumer.Done()
}
