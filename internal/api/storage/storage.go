package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/recipe-be/internal/api/model"
	"github.com/cuongbtq/recipe-be/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

type GenerationFilter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *GenerationCursor
}

type GenerationCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListGenerations returns up to PageSize+1 rows so the caller can tell
// whether another page exists
func (s *Storage) ListGenerations(ctx context.Context, filter GenerationFilter) ([]model.Generation, error) {
	query := `
        SELECT
            job_id, user_id, status, recipes, error_message,
            attempts, created_at, updated_at
        FROM recipe_generations
        WHERE user_id = $1
    `
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var generations []model.Generation
	err := s.db.SelectContext(ctx, &generations, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}

	return generations, nil
}
