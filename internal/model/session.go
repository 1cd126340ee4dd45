package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Decoding options fixed at session creation. Output must satisfy a strict
// schema, so variance is minimized: near-zero temperature and top-1 sampling.
const (
	optTemperature = 0.1
	optTopK        = 1
)

// Message is one turn of a chat exchange with the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the single long-lived handle to the inference engine. Prompt
// calls are stateless against it, so it may be shared across concurrent
// analyses without locking.
type Session struct {
	host   string
	model  string
	client *http.Client
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Prompt sends a chat exchange to the model and returns the raw response
// text. format, if non-empty, is a JSON schema the engine enforces on the
// output. No hard timeout is imposed: model latency is variable and aborting
// would waste completed-but-unreturned work; cancel via ctx if needed.
func (s *Session) Prompt(ctx context.Context, messages []Message, format json.RawMessage) (string, error) {
	reqBody := chatRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   false,
		Format:   format,
		Options: map[string]any{
			"temperature": optTemperature,
			"top_k":       optTopK,
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model returned HTTP %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	return result.Message.Content, nil
}
