package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/recipe-be/internal/api/model"
	"github.com/cuongbtq/recipe-be/internal/api/storage"
	"github.com/cuongbtq/recipe-be/internal/push"
)

// ContextKeyUserID is the gin context key holding the authenticated user
const ContextKeyUserID = "user_id"

// Enqueuer hands a job to the queue
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

// GenerationLister reads the generation history
type GenerationLister interface {
	ListGenerations(ctx context.Context, filter storage.GenerationFilter) ([]model.Generation, error)
}

// HealthCheck reports one dependency's health
type HealthCheck func(ctx context.Context) error

// StateReporter reports whether the process is shutting down
type StateReporter interface {
	IsShuttingDown() bool
}

// AuthSettings configures bearer token verification
type AuthSettings struct {
	JWTSecret string
	Issuer    string
}

// RateLimitSettings bounds uploads per user
type RateLimitSettings struct {
	RequestsPerMinute int
	Burst             int
	IdleTTL           time.Duration
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger          *slog.Logger
	ServiceName     string
	Queue           Enqueuer
	Registry        *push.Registry
	Storage         GenerationLister
	Origins         *OriginPolicy
	UploadMaxBytes  int64
	UploadFormField string
	HealthChecks    map[string]HealthCheck
	Shutdown        StateReporter
	Auth            AuthSettings
	RateLimit       RateLimitSettings
}
