//go:build llama

package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"chatd/pkg/types"
)

// llamaEngine runs models in-process through llama.cpp. The engine can
// hold one loaded model; the orchestrator serializes access.
type llamaEngine struct {
	ctxSize int
	threads int

	mu    sync.Mutex
	model *llama.LLama
}

func NewLlamaEngine(ctxSize, threads int) Engine {
	return &llamaEngine{ctxSize: ctxSize, threads: threads}
}

func (e *llamaEngine) Reload(modelDir, modelLib string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		return errors.New("engine already holds a model, unload first")
	}
	// The engine library id names the weight file inside the model dir.
	path := filepath.Join(modelDir, modelLib+".gguf")
	m, err := llama.New(path, llama.SetContext(e.ctxSize))
	if err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	e.model = m
	return nil
}

func (e *llamaEngine) Reset() error {
	// llama.cpp keeps no cross-call chat state at this layer; context is
	// resubmitted with every completion.
	return nil
}

func (e *llamaEngine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	e.model.Free()
	e.model = nil
	return nil
}

func (e *llamaEngine) StreamCompletion(ctx context.Context, history []types.ChatMessage, params GenParams, onDelta func(string) error) (string, error) {
	e.mu.Lock()
	m := e.model
	e.mu.Unlock()
	if m == nil {
		return "", errors.New("no model loaded")
	}

	var b strings.Builder
	var cbErr error
	m.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onDelta(tok); err != nil {
			cbErr = err
			return false
		}
		b.WriteString(tok)
		return true
	})
	defer m.SetTokenCallback(nil)

	opts := []llama.PredictOption{
		llama.SetThreads(e.threads),
		llama.SetTokens(params.MaxTokens),
		llama.SetTemperature(float32(params.Temperature)),
	}
	if _, err := m.Predict(renderPrompt(history), opts...); err != nil {
		return b.String(), err
	}
	if cbErr != nil {
		return b.String(), cbErr
	}
	if err := ctx.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

// renderPrompt flattens the turn history into a plain chat transcript.
func renderPrompt(history []types.ChatMessage) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}
