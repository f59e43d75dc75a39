package llm

import (
	"context"
	"fmt"

	"council/internal/config"
)

// Message is a single chat turn sent to or returned from a provider.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// CompletionOptions controls a single Chat call. Zero values fall back to
// per-client defaults.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
}

// chatClient is the minimal surface every provider backend implements.
type chatClient interface {
	Chat(ctx context.Context, model string, msgs []Message, opt CompletionOptions) (string, error)
}

// embedClient is implemented by backends that can also serve embeddings.
// apiyi is registered for chat only in this deployment, so only a subset of
// providers is reachable for embeddings.
type embedClient interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Gateway dispatches "<provider>:<model>" specs to the right backend client.
// It is the sole entry point the deliberation pipeline and tools use to
// reach language models, so that the provider enumeration stays closed and
// every call site is agnostic to which vendor backs a given agent.
type Gateway struct {
	clients map[Provider]chatClient
	embeds  map[Provider]embedClient
	keys    map[Provider]string // raw credential presence, for ProviderKeyConfigured
}

// NewGateway builds one client per configured provider. Providers with no
// credentials configured are still registered; calls against them fail at
// request time with a clear error rather than at startup, since a deployment
// may only ever use a subset of the closed enum.
func NewGateway(cfg config.LLMConfig) *Gateway {
	oc := newOpenAICompatClient(OpenRouter, cfg.OpenRouter.BaseURL, cfg.OpenRouter.APIKey)
	ds := newOpenAICompatClient(DashScope, cfg.DashScope.BaseURL, cfg.DashScope.APIKey)
	ay := newOpenAICompatClient(APIYi, cfg.APIYi.BaseURL, cfg.APIYi.APIKey)
	ol := newOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.APIKey)

	return &Gateway{
		clients: map[Provider]chatClient{
			OpenRouter: oc,
			DashScope:  ds,
			APIYi:      ay,
			Ollama:     ol,
		},
		embeds: map[Provider]embedClient{
			OpenRouter: oc,
			DashScope:  ds,
			Ollama:     ol,
		},
		keys: recordKeys(cfg),
	}
}

// Complete resolves spec and performs a single non-streaming chat completion.
func (g *Gateway) Complete(ctx context.Context, spec string, msgs []Message, opt CompletionOptions) (string, error) {
	provider, model, err := ParseModelSpec(spec)
	if err != nil {
		return "", err
	}
	client, ok := g.clients[provider]
	if !ok {
		return "", fmt.Errorf("llm: no client registered for provider %q", provider)
	}
	out, err := client.Chat(ctx, model, msgs, opt)
	if err != nil {
		return "", fmt.Errorf("llm: %s:%s: %w", provider, model, err)
	}
	return out, nil
}

// Embed resolves spec and returns one embedding vector per input text.
func (g *Gateway) Embed(ctx context.Context, spec string, texts []string) ([][]float32, error) {
	provider, model, err := ParseModelSpec(spec)
	if err != nil {
		return nil, err
	}
	client, ok := g.embeds[provider]
	if !ok {
		return nil, fmt.Errorf("llm: provider %q does not support embeddings", provider)
	}
	out, err := client.Embed(ctx, model, texts)
	if err != nil {
		return nil, fmt.Errorf("llm: embed %s:%s: %w", provider, model, err)
	}
	return out, nil
}
