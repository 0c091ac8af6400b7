package domain

import (
	"time"

	"github.com/cuongbtq/recipe-be/internal/recipe"
)

// Generation is the audit record of one job, keyed by job id so a
// redelivered job can be recognized
type Generation struct {
	JobID        string
	UserID       string
	Status       string
	Recipes      []recipe.Recipe
	ErrorMessage string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsCompleted reports whether recipes were already produced for the job
func (g *Generation) IsCompleted() bool {
	return g != nil && g.Status == GenerationStatusCompleted
}
