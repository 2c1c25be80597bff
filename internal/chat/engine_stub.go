//go:build !llama

package chat

// This file provides a no-CGO stub for the llama engine. It is compiled
// when the 'llama' build tag is NOT set, keeping default builds and CI
// CGO-free. The real engine lives in engine_llama.go (tagged 'llama').

import (
	"context"

	"chatd/pkg/types"
)

type llamaEngine struct {
	ctxSize int
	threads int
}

// NewLlamaEngine returns an engine that refuses to run without the
// 'llama' build tag. This avoids any mocked behavior in production
// binaries built without CGO support.
func NewLlamaEngine(ctxSize, threads int) Engine {
	return &llamaEngine{ctxSize: ctxSize, threads: threads}
}

func (e *llamaEngine) Reload(modelDir, modelLib string) error {
	return ErrEngineUnavailable("llama support not built (missing 'llama' build tag)")
}

func (e *llamaEngine) Reset() error { return nil }

func (e *llamaEngine) Unload() error { return nil }

func (e *llamaEngine) StreamCompletion(ctx context.Context, history []types.ChatMessage, params GenParams, onDelta func(string) error) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return "", ErrEngineUnavailable("llama support not built (missing 'llama' build tag)")
}
