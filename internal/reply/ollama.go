package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/calmcompanion/internal/reliability"
)

const defaultOllamaURL = "http://localhost:11434/api/generate"

// OllamaEnricher posts a non-streaming generate request to an Ollama server.
type OllamaEnricher struct {
	url         string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
	retryBase   time.Duration
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

func NewOllamaEnricher(cfg Config) *OllamaEnricher {
	url := strings.TrimSpace(cfg.Endpoint)
	if url == "" {
		url = defaultOllamaURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "llama3.1:8b-instruct"
	}
	return &OllamaEnricher{
		url:         url,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: 60 * time.Second},
		retryBase:   200 * time.Millisecond,
	}
}

func (e *OllamaEnricher) Name() string { return "ollama" }

// Reply retries once on a retryable status or a transient network failure,
// within ctx.
func (e *OllamaEnricher) Reply(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(ollamaRequest{
		Model:  e.model,
		Prompt: SystemPrompt + "\n\n" + BuildPrompt(req),
		Stream: false,
		Options: ollamaOptions{
			Temperature: e.temperature,
			NumPredict:  e.maxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	const attempts = 2
	for attempt := 0; ; attempt++ {
		text, err := e.generate(ctx, payload)
		if err == nil {
			return text, nil
		}
		if !reliability.Retryable(err) || attempt+1 >= attempts {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, e.retryBase, 2*time.Second)):
		}
	}
}

func (e *OllamaEnricher) generate(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.StatusError{Service: "ollama", Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out ollamaResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}
