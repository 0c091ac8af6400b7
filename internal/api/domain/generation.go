package domain

import (
	"errors"
)

const (
	GenerationStatusRunning   = "RUNNING"
	GenerationStatusCompleted = "COMPLETED"
	GenerationStatusFailed    = "FAILED"
)

var (
	ErrInvalidStatus = errors.New("invalid generation status")
)

// ValidateStatus accepts an empty filter or a known status
func ValidateStatus(status string) error {
	switch status {
	case "", GenerationStatusRunning, GenerationStatusCompleted, GenerationStatusFailed:
		return nil
	default:
		return ErrInvalidStatus
	}
}
