package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/recipe-be/internal/generation"
	"github.com/cuongbtq/recipe-be/internal/jobqueue"
	"github.com/cuongbtq/recipe-be/internal/push"
	"github.com/cuongbtq/recipe-be/internal/recipe"
	"github.com/cuongbtq/recipe-be/internal/worker/domain"
)

// recordTimeout bounds an audit write made after the job context may have
// expired
const recordTimeout = 5 * time.Second

// Notifier delivers a result to the user's push connection. A user without a
// connection is not an error.
type Notifier interface {
	SendToClient(userID string, data any) error
}

// Store keeps the generation audit trail used to recognize redeliveries
type Store interface {
	GetGeneration(ctx context.Context, jobID string) (*domain.Generation, error)
	MarkStarted(ctx context.Context, jobID, userID string, attempt int) error
	MarkCompleted(ctx context.Context, jobID string, recipes []recipe.Recipe) error
	MarkFailed(ctx context.Context, jobID, errorMsg string) error
}

// Processor runs one recipe generation job: generate, record, push
type Processor struct {
	logger    *slog.Logger
	generator generation.Generator
	notifier  Notifier
	store     Store
}

// NewProcessor creates a processor. store may be nil, which disables the
// audit trail and redelivery detection.
func NewProcessor(generator generation.Generator, notifier Notifier, store Store, logger *slog.Logger) *Processor {
	return &Processor{
		logger:    logger,
		generator: generator,
		notifier:  notifier,
		store:     store,
	}
}

// Handle is the jobqueue.Handler for recipe.JobTypeGenerate. The result is
// computed fully before anything is pushed. A returned error nacks the
// delivery so the broker can retry it.
func (p *Processor) Handle(ctx context.Context, job *jobqueue.Job) error {
	var payload recipe.GeneratePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID == "" {
		return fmt.Errorf("%w: %w", jobqueue.ErrInvalidPayload, domain.ErrMissingUser)
	}

	image, err := payload.Image()
	if err != nil {
		return fmt.Errorf("%w: %v", jobqueue.ErrInvalidPayload, err)
	}

	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("user_id", payload.UserID),
		slog.Int("attempt", job.Attempt),
	)

	if recipes, ok := p.completedEarlier(ctx, logger, job.ID); ok {
		logger.Info("Job already completed, re-sending stored recipes")
		p.notify(logger, payload.UserID, push.SuccessResult(recipes))
		return nil
	}

	if p.store != nil {
		if err := p.store.MarkStarted(ctx, job.ID, payload.UserID, job.Attempt); err != nil {
			logger.Warn("Failed to record generation start", slog.String("error", err.Error()))
		}
	}

	logger.Info("Generating recipes", slog.Int("image_bytes", len(image)))

	recipes, err := p.generator.Generate(ctx, image, payload.MimeType)
	if err == nil {
		err = recipe.Validate(recipes)
	}
	if err != nil {
		return p.fail(ctx, logger, job.ID, payload.UserID, err)
	}

	if p.store != nil {
		recordCtx, cancel := recordContext(ctx)
		err := p.store.MarkCompleted(recordCtx, job.ID, recipes)
		cancel()
		if err != nil {
			logger.Error("Failed to record generated recipes", slog.String("error", err.Error()))
		}
	}

	logger.Info("Recipes generated", slog.Int("recipes", len(recipes)))
	p.notify(logger, payload.UserID, push.SuccessResult(recipes))
	return nil
}

// completedEarlier returns the stored recipes of a job that already succeeded
// on a previous delivery
func (p *Processor) completedEarlier(ctx context.Context, logger *slog.Logger, jobID string) ([]recipe.Recipe, bool) {
	if p.store == nil {
		return nil, false
	}

	gen, err := p.store.GetGeneration(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrGenerationNotFound) {
			logger.Warn("Failed to look up generation", slog.String("error", err.Error()))
		}
		return nil, false
	}
	if !gen.IsCompleted() {
		return nil, false
	}
	return gen.Recipes, true
}

// fail records and pushes the failure, then returns the error so the broker's
// retry policy decides whether the job runs again.
func (p *Processor) fail(ctx context.Context, logger *slog.Logger, jobID, userID string, cause error) error {
	logger.Error("Recipe generation failed", slog.String("error", cause.Error()))

	if p.store != nil {
		recordCtx, cancel := recordContext(ctx)
		err := p.store.MarkFailed(recordCtx, jobID, cause.Error())
		cancel()
		if err != nil {
			logger.Warn("Failed to record generation failure", slog.String("error", err.Error()))
		}
	}

	p.notify(logger, userID, push.ErrorResult(generation.UserMessage(cause)))

	return fmt.Errorf("failed to generate recipes for job %s: %w", jobID, cause)
}

// recordContext detaches from the job deadline so the outcome is stored even
// when the job timed out
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// notify is best effort; a lost push never fails the job
func (p *Processor) notify(logger *slog.Logger, userID string, result push.Result) {
	if err := p.notifier.SendToClient(userID, result); err != nil {
		logger.Warn("Failed to push result",
			slog.String("status", result.Status),
			slog.String("error", err.Error()),
		)
	}
}
