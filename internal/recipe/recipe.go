// Package recipe holds the recipe model produced by generation and the job
// payload that carries an uploaded image to the worker.
package recipe

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// JobTypeGenerate is the only job type of the generation pipeline
const JobTypeGenerate = "generate-recipes"

// ErrIncompleteRecipe is returned when generated output misses required fields
var ErrIncompleteRecipe = errors.New("incomplete recipe")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Ingredient is one line of a recipe's ingredient list
type Ingredient struct {
	Name     string `json:"name" validate:"required"`
	Quantity string `json:"quantity,omitempty"`
}

// Recipe is one generated recipe
type Recipe struct {
	Title           string       `json:"title" validate:"required"`
	Description     string       `json:"description,omitempty"`
	Ingredients     []Ingredient `json:"ingredients" validate:"required,min=1,dive"`
	Steps           []string     `json:"steps" validate:"required,min=1,dive,required"`
	PrepTimeMinutes int          `json:"prepTimeMinutes,omitempty" validate:"gte=0"`
	CookTimeMinutes int          `json:"cookTimeMinutes,omitempty" validate:"gte=0"`
	Servings        int          `json:"servings,omitempty" validate:"gte=0"`
	Tags            []string     `json:"tags,omitempty"`
}

// Validate rejects an empty result or any recipe missing required fields
func Validate(recipes []Recipe) error {
	if len(recipes) == 0 {
		return fmt.Errorf("%w: no recipes", ErrIncompleteRecipe)
	}
	for i := range recipes {
		if err := validate.Struct(&recipes[i]); err != nil {
			return fmt.Errorf("%w: recipe %d: %v", ErrIncompleteRecipe, i, err)
		}
	}
	return nil
}

// GeneratePayload is the queue-carried job payload. The image travels by value
// so the worker never depends on the request's upload buffer.
type GeneratePayload struct {
	ImageBase64 string `json:"imageBase64"`
	UserID      string `json:"userId"`
	MimeType    string `json:"mimeType,omitempty"`
}

// NewGeneratePayload encodes image for transport
func NewGeneratePayload(userID string, image []byte, mimeType string) GeneratePayload {
	return GeneratePayload{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		UserID:      userID,
		MimeType:    mimeType,
	}
}

// Image decodes the carried image
func (p GeneratePayload) Image() ([]byte, error) {
	image, err := base64.StdEncoding.DecodeString(p.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return image, nil
}
