package dto

import (
	"encoding/json"
)

type GenerateRecipesResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type ListGenerationsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListGenerationsResponse struct {
	Generations []GenerationDTO `json:"generations"`
	NextCursor  string          `json:"next_cursor,omitempty"`
}

type GenerationDTO struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	Recipes      json.RawMessage `json:"recipes,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}
