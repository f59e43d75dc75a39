package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
)

// openAICompatClient talks to any OpenAI-compatible /v1 endpoint: OpenRouter,
// DashScope's compatible-mode API, and apiyi all implement this surface.
type openAICompatClient struct {
	provider Provider
	client   openai.Client
}

func newOpenAICompatClient(provider Provider, baseURL, apiKey string) *openAICompatClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAICompatClient{provider: provider, client: openai.NewClient(opts...)}
}

func (c *openAICompatClient) Chat(ctx context.Context, model string, msgs []Message, opt CompletionOptions) (string, error) {
	var newMsgs []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			newMsgs = append(newMsgs, openai.SystemMessage(m.Content))
		case "assistant":
			newMsgs = append(newMsgs, openai.AssistantMessage(m.Content))
		default:
			newMsgs = append(newMsgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: newMsgs,
	}
	if opt.Temperature > 0 {
		params.Temperature = param.NewOpt(opt.Temperature)
	}
	if opt.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(opt.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAICompatClient) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
