package llm

import (
	"testing"

	"council/internal/config"
)

func testGateway() *Gateway {
	return NewGateway(config.LLMConfig{
		OpenRouter: config.ProviderConfig{APIKey: "sk-present", BaseURL: "https://openrouter.ai/api/v1"},
		DashScope:  config.ProviderConfig{APIKey: "", BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1"},
		APIYi:      config.ProviderConfig{APIKey: "sk-also-present", BaseURL: "https://api.apiyi.com/v1"},
		Ollama:     config.ProviderConfig{BaseURL: "http://localhost:11434"},
	})
}

func TestProviderKeyConfigured(t *testing.T) {
	gw := testGateway()

	if got := gw.ProviderKeyConfigured(OpenRouter); got != KeyConfigured {
		t.Fatalf("openrouter: got %v, want KeyConfigured", got)
	}
	if got := gw.ProviderKeyConfigured(DashScope); got != KeyMissing {
		t.Fatalf("dashscope: got %v, want KeyMissing", got)
	}
	if got := gw.ProviderKeyConfigured(Ollama); got != KeyUnknown {
		t.Fatalf("ollama: got %v, want KeyUnknown (no key concept)", got)
	}
}

func TestMissingKeyProviders(t *testing.T) {
	gw := testGateway()

	got := gw.MissingKeyProviders([]string{"openrouter:gpt", "dashscope:qwen", "dashscope:qwen-vl", "apiyi:claude"})
	if len(got) != 1 || got[0] != string(DashScope) {
		t.Fatalf("got %v, want [dashscope] deduplicated", got)
	}
}
