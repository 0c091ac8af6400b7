package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/recipe-be/internal/recipe"
	"github.com/cuongbtq/recipe-be/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetGeneration retrieves the generation record for a job
func (s *Storage) GetGeneration(ctx context.Context, jobID string) (*domain.Generation, error) {
	query := `
		SELECT job_id, user_id, status, recipes, error_message, attempts, created_at, updated_at
		FROM recipe_generations
		WHERE job_id = $1
	`

	var gen domain.Generation
	var recipesJSON []byte
	var errorMessage sql.NullString

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&gen.JobID,
		&gen.UserID,
		&gen.Status,
		&recipesJSON,
		&errorMessage,
		&gen.Attempts,
		&gen.CreatedAt,
		&gen.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGenerationNotFound
		}
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	if len(recipesJSON) > 0 {
		if err := json.Unmarshal(recipesJSON, &gen.Recipes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recipes: %w", err)
		}
	}
	gen.ErrorMessage = errorMessage.String

	return &gen, nil
}

// MarkStarted records an attempt. The first delivery inserts the row; a
// redelivery bumps the attempt counter. Completed rows are left untouched.
func (s *Storage) MarkStarted(ctx context.Context, jobID, userID string, attempt int) error {
	query := `
		INSERT INTO recipe_generations (job_id, user_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    error_message = NULL,
		    updated_at = NOW()
		WHERE recipe_generations.status <> $5
	`

	_, err := s.db.ExecContext(ctx, query, jobID, userID, domain.GenerationStatusRunning, attempt, domain.GenerationStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark generation started: %w", err)
	}

	s.logger.Debug("Generation started",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
	)
	return nil
}

// MarkCompleted stores the generated recipes
func (s *Storage) MarkCompleted(ctx context.Context, jobID string, recipes []recipe.Recipe) error {
	recipesJSON, err := json.Marshal(recipes)
	if err != nil {
		return fmt.Errorf("failed to marshal recipes: %w", err)
	}

	return s.updateStatus(ctx, jobID, domain.GenerationStatusCompleted, string(recipesJSON), "")
}

// MarkFailed records the failure of the latest attempt
func (s *Storage) MarkFailed(ctx context.Context, jobID, errorMsg string) error {
	return s.updateStatus(ctx, jobID, domain.GenerationStatusFailed, nil, errorMsg)
}

// recipesJSON is a JSON string or nil to keep the stored recipes
func (s *Storage) updateStatus(ctx context.Context, jobID, status string, recipesJSON any, errorMsg string) error {
	query := `
		UPDATE recipe_generations
		SET status = $1,
		    recipes = COALESCE($2::jsonb, recipes),
		    error_message = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE job_id = $4
	`

	result, err := s.db.ExecContext(ctx, query, status, recipesJSON, errorMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to update generation status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrGenerationNotFound
	}

	s.logger.Info("Generation status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}
