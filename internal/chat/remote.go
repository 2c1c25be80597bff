package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatd/pkg/types"
)

// Server-sent-event framing of the upstream chat endpoint.
const (
	completionsPath = "/api/v3/chat/completions"
	sseDataPrefix   = "data: "
	sseDoneSentinel = "[DONE]"
)

// RemoteClient issues streaming chat completions against an
// OpenAI-compatible HTTP endpoint, carrying a static bearer credential.
type RemoteClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
	log         zerolog.Logger
}

// NewRemoteClient builds a client for base URL (scheme://host) and
// model. A nil http.Client gets sensible streaming timeouts.
func NewRemoteClient(baseURL, apiKey, model string, temperature float64, client *http.Client, log zerolog.Logger) *RemoteClient {
	if client == nil {
		// No overall timeout: streams are long-lived. Dial/TLS limits
		// come from the default transport.
		client = &http.Client{Timeout: 0}
	}
	return &RemoteClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		client:      client,
		log:         log,
	}
}

// StreamChat posts messages and invokes onDelta for every incremental
// content fragment, in publication order. Parse failures on individual
// chunks are skipped; they never abort the remainder of the stream. A
// non-success HTTP status is reported as an httpStatusError carrying
// the code.
func (c *RemoteClient) StreamChat(ctx context.Context, messages []types.ChatMessage, onDelta func(string) error) error {
	reqBody := types.ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      true,
		Temperature: c.temperature,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpStatusError{code: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if payload == sseDoneSentinel {
			break
		}
		var chunk types.ChatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Debug().Err(err).Msg("skipping unparseable stream chunk")
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onDelta(delta); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	c.log.Debug().Dur("dur", time.Since(start)).Msg("remote stream complete")
	return nil
}
