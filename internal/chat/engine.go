package chat

import (
	"context"

	"chatd/pkg/types"
)

// GenParams captures generation parameters passed to the engine.
type GenParams struct {
	MaxTokens   int
	Temperature float64
}

// Engine abstracts the stateful native inference runtime. It can hold
// at most one loaded model; callers must Unload before Reload-ing a
// different one and must serialize all calls.
type Engine interface {
	// Reload loads the model stored under modelDir using the given
	// engine library identifier.
	Reload(modelDir, modelLib string) error
	// Reset clears the engine's internal conversation state.
	Reset() error
	// Unload releases the currently loaded model. Unload on an empty
	// engine is a no-op.
	Unload() error
	// StreamCompletion generates a reply to history, invoking onDelta
	// for every incremental text fragment in order. It returns the full
	// generated text. Implementations must return promptly once ctx is
	// canceled.
	StreamCompletion(ctx context.Context, history []types.ChatMessage, params GenParams, onDelta func(string) error) (string, error)
}
