// Package classify is the boundary to the external categorization function:
// a model that maps free text to a memory category and an importance score.
// The memory store treats it as a black box and fails closed when it errors,
// so no memory is ever written with a guessed category.
package classify

import (
	"context"
	"errors"
	"time"
)

// ErrCategorizationFailed wraps any failure of the external categorization
// function, including timeouts.
var ErrCategorizationFailed = errors.New("classify: categorization failed")

// Result is the categorization verdict for a piece of text.
type Result struct {
	Category   string  `json:"category"`
	Importance float64 `json:"importance"` // 0.0 - 1.0
}

// Classifier converts text to (category, importance).
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Config holds classifier configuration.
type Config struct {
	Endpoint string        `json:"endpoint"`
	Model    string        `json:"model"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"-"`
}
