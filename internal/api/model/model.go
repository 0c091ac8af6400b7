package model

import (
	"database/sql"
	"time"
)

type Generation struct {
	JobID        string         `db:"job_id"`
	UserID       string         `db:"user_id"`
	Status       string         `db:"status"`
	Recipes      []byte         `db:"recipes"`
	ErrorMessage sql.NullString `db:"error_message"`
	Attempts     int            `db:"attempts"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}
