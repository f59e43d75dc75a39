package llm

import (
	"fmt"
	"strings"
)

// Provider is the closed enumeration of backends the gateway dispatches to.
type Provider string

const (
	OpenRouter Provider = "openrouter"
	DashScope  Provider = "dashscope"
	APIYi      Provider = "apiyi"
	Ollama     Provider = "ollama"
)

// ParseModelSpec splits a "<provider>:<model>" string into its parts. A spec
// with no colon is treated as a bare model name on the default provider
// (OpenRouter), matching how agent configs commonly omit the prefix.
func ParseModelSpec(spec string) (Provider, string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", fmt.Errorf("llm: empty model spec")
	}
	provider, model, ok := strings.Cut(spec, ":")
	if !ok {
		return OpenRouter, spec, nil
	}
	p := Provider(strings.ToLower(strings.TrimSpace(provider)))
	model = strings.TrimSpace(model)
	if model == "" {
		return "", "", fmt.Errorf("llm: model spec %q has no model name", spec)
	}
	switch p {
	case OpenRouter, DashScope, APIYi, Ollama:
		return p, model, nil
	default:
		return "", "", fmt.Errorf("llm: unknown provider %q in spec %q", provider, spec)
	}
}
