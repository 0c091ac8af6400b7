package domain

import "errors"

var (
	// ErrGenerationNotFound is returned when no generation exists for a job id
	ErrGenerationNotFound = errors.New("generation not found")

	// ErrMissingUser is returned when a payload has no user to deliver to
	ErrMissingUser = errors.New("payload has no user id")
)
