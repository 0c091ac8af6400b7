// Package generation defines the boundary to the external service that turns
// a food image into recipes. The worker only depends on Generator; the Gemini
// implementation lives in the gemini subpackage.
package generation

import (
	"context"
	"errors"

	"github.com/cuongbtq/recipe-be/internal/recipe"
)

var (
	// ErrInvalidResponse is returned when the model output cannot be parsed or
	// does not hold complete recipes
	ErrInvalidResponse = errors.New("invalid response from generation service")

	// ErrContentBlocked is returned when the model refuses the input
	ErrContentBlocked = errors.New("content blocked by generation service safety filters")

	// ErrTransientFailure wraps failures that may succeed on redelivery
	ErrTransientFailure = errors.New("transient error during recipe generation")

	// ErrInvalidConfig is returned when the generator cannot be constructed
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrGeneratorClosed is returned after Close
	ErrGeneratorClosed = errors.New("generator closed")
)

// Generator produces recipes from an image. Implementations must be safe for
// concurrent use; every job is at-least-once so a call may be repeated for the
// same image.
type Generator interface {
	Generate(ctx context.Context, image []byte, mimeType string) ([]recipe.Recipe, error)
}

// UserMessage maps a generation failure to the text shown to the user
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrContentBlocked):
		return "The image could not be processed. Please try a different photo."
	case errors.Is(err, ErrInvalidResponse), errors.Is(err, recipe.ErrIncompleteRecipe):
		return "We could not find any recipes for this image."
	case errors.Is(err, context.DeadlineExceeded):
		return "Recipe generation timed out. Please try again."
	default:
		return "Failed to generate recipes"
	}
}
