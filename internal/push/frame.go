package push

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/recipe-be/internal/recipe"
)

// HeartbeatFrame is an SSE comment; event parsers ignore it.
var HeartbeatFrame = []byte(": heartbeat\n\n")

// Delivery statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the payload of one delivery frame.
type Result struct {
	Status  string          `json:"status"`
	Recipes []recipe.Recipe `json:"recipes,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SuccessResult wraps generated recipes.
func SuccessResult(recipes []recipe.Recipe) Result {
	return Result{Status: StatusSuccess, Recipes: recipes}
}

// ErrorResult wraps a user-facing failure message.
func ErrorResult(message string) Result {
	return Result{Status: StatusError, Message: message}
}

// EncodeFrame serializes data as a single `data: <json>\n\n` frame.
func EncodeFrame(data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push frame: %w", err)
	}

	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
