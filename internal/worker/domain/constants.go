package domain

// Generation status constants
const (
	GenerationStatusRunning   = "RUNNING"
	GenerationStatusCompleted = "COMPLETED"
	GenerationStatusFailed    = "FAILED"
)
