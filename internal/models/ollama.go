package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ollamaEmbedder generates embeddings against a local Ollama server.
type ollamaEmbedder struct {
	endpoint string
	model    string
	dim      int
	client   *http.Client
}

func newOllamaEmbedder(endpoint, model string, dim int) (*ollamaEmbedder, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OLLAMA_HOST")
	}
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &ollamaEmbedder{
		endpoint: endpoint,
		model:    model,
		dim:      dim,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embedding) != e.dim {
		return nil, fmt.Errorf("model %s returned %d dimensions, expected %d", e.model, len(result.Embedding), e.dim)
	}
	return result.Embedding, nil
}

// EmbedBatch calls Embed sequentially; Ollama has no native batch API.
func (e *ollamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

func (e *ollamaEmbedder) Dimensions() int {
	return e.dim
}

func (e *ollamaEmbedder) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

func (e *ollamaEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// HealthCheck verifies the Ollama server is reachable.
func (e *ollamaEmbedder) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}
