package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"council/internal/observability"
)

// ollamaClient speaks Ollama's native /api/chat and /api/embeddings
// endpoints directly. Ollama has no published Go SDK in general use, so this
// is a deliberate hand-rolled stdlib exception rather than a gap in
// dependency coverage.
type ollamaClient struct {
	baseURL string
	http    *http.Client
}

// newOllamaClient builds the client on observability.NewHTTPClient (so
// Ollama calls get the same otelhttp span coverage as the OpenAI-compatible
// providers) and layers an Authorization header via observability.WithHeaders
// when apiKey is set, for deployments that front Ollama with an
// authenticating reverse proxy rather than exposing it directly.
func newOllamaClient(baseURL, apiKey string) *ollamaClient {
	hc := observability.NewHTTPClient(&http.Client{Timeout: 120 * time.Second})
	if apiKey != "" {
		hc = observability.WithHeaders(hc, map[string]string{"Authorization": "Bearer " + apiKey})
	}
	return &ollamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string               `json:"model"`
	Messages []ollamaChatMessage  `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  *ollamaChatReqOptions `json:"options,omitempty"`
}

type ollamaChatReqOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Error   string            `json:"error"`
}

func (c *ollamaClient) Chat(ctx context.Context, model string, msgs []Message, opt CompletionOptions) (string, error) {
	req := ollamaChatRequest{Model: model, Stream: false}
	for _, m := range msgs {
		req.Messages = append(req.Messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	if opt.Temperature > 0 || opt.MaxTokens > 0 {
		req.Options = &ollamaChatReqOptions{Temperature: opt.Temperature, NumPredict: opt.MaxTokens}
	}

	var out ollamaChatResponse
	if err := c.post(ctx, "/api/chat", req, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

func (c *ollamaClient) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		var out ollamaEmbedResponse
		if err := c.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text}, &out); err != nil {
			return nil, err
		}
		if out.Error != "" {
			return nil, fmt.Errorf("ollama: %s", out.Error)
		}
		v := make([]float32, len(out.Embedding))
		for j, x := range out.Embedding {
			v[j] = float32(x)
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (c *ollamaClient) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama http %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}
