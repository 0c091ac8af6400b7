// Package gemini implements generation.Generator on Google's Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/recipe-be/internal/generation"
	"github.com/cuongbtq/recipe-be/internal/recipe"
	"google.golang.org/genai"
)

const (
	DefaultModel      = "gemini-2.0-flash"
	DefaultMaxRecipes = 3
	DefaultTimeout    = 60 * time.Second
)

const promptTemplate = `You are a cooking assistant. Identify the ingredients and dishes visible in the attached photo and suggest up to %d recipes that can be cooked with them.
Respond with JSON only, no markdown, using exactly this shape:
{"recipes":[{"title":string,"description":string,"ingredients":[{"name":string,"quantity":string}],"steps":[string],"prepTimeMinutes":int,"cookTimeMinutes":int,"servings":int,"tags":[string]}]}
Every recipe must have a title, at least one ingredient and at least one step. If the photo contains no food, respond with {"recipes":[]}.`

// Config configures the Gemini client
type Config struct {
	APIKey     string
	Model      string
	MaxRecipes int
	Timeout    time.Duration
}

// contentGenerator is the subset of *genai.Models the generator calls
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Generator calls Gemini with the image and a fixed prompt and parses the JSON
// answer into recipes
type Generator struct {
	logger  *slog.Logger
	models  contentGenerator
	model   string
	prompt  string
	timeout time.Duration
	closed  atomic.Bool
}

// NewGenerator creates a Gemini-backed generator
func NewGenerator(ctx context.Context, cfg *Config, logger *slog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newGenerator(client.Models, cfg, logger), nil
}

func newGenerator(models contentGenerator, cfg *Config, logger *slog.Logger) *Generator {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxRecipes := cfg.MaxRecipes
	if maxRecipes <= 0 {
		maxRecipes = DefaultMaxRecipes
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Generator{
		logger:  logger,
		models:  models,
		model:   model,
		prompt:  fmt.Sprintf(promptTemplate, maxRecipes),
		timeout: timeout,
	}
}

// Generate implements generation.Generator
func (g *Generator) Generate(ctx context.Context, image []byte, mimeType string) ([]recipe.Recipe, error) {
	if g.closed.Load() {
		return nil, generation.ErrGeneratorClosed
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", generation.ErrInvalidResponse)
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: g.prompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: image}},
		},
	}}

	start := time.Now()
	g.logger.Info("Calling Gemini",
		slog.String("model", g.model),
		slog.Int("image_bytes", len(image)),
		slog.String("mime_type", mimeType),
	)

	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("gemini call timed out after %s: %w", g.timeout, err)
		}
		return nil, fmt.Errorf("%w: gemini call failed: %v", generation.ErrTransientFailure, err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	recipes, err := parseRecipes(text)
	if err != nil {
		return nil, err
	}

	g.logger.Info("Gemini call succeeded",
		slog.String("model", g.model),
		slog.Int("recipes", len(recipes)),
		slog.Duration("duration", time.Since(start)),
	)
	return recipes, nil
}

// Close rejects further calls. The underlying HTTP client holds no resources
// that need releasing.
func (g *Generator) Close() error {
	g.closed.Store(true)
	return nil
}

// responseText extracts the text of the first candidate
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", generation.ErrContentBlocked
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content", generation.ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: no text in response", generation.ErrInvalidResponse)
	}
	return sb.String(), nil
}

type responseSchema struct {
	Recipes []recipe.Recipe `json:"recipes"`
}

// parseRecipes decodes the model answer. Models sometimes wrap JSON in a
// markdown fence even when asked not to.
func parseRecipes(text string) ([]recipe.Recipe, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var parsed responseSchema
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &parsed.Recipes); err != nil {
			return nil, fmt.Errorf("%w: failed to parse JSON response: %v", generation.ErrInvalidResponse, err)
		}
	} else if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v", generation.ErrInvalidResponse, err)
	}

	if err := recipe.Validate(parsed.Recipes); err != nil {
		return nil, fmt.Errorf("%w: %w", generation.ErrInvalidResponse, err)
	}
	return parsed.Recipes, nil
}
