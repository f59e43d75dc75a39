package llm

import (
	"context"
	"time"

	"council/internal/config"
	"council/internal/observability"
	"council/internal/util"
)

// ChatResult is what ChatOrNil returns on success. A nil *ChatResult (with
// ok=false) signals a handled failure per spec §4.1: transport errors,
// HTTP>=400, and malformed responses all collapse to this, so callers can
// implement partial-failure semantics without threading errors through every
// stage.
type ChatResult struct {
	Content          string
	ReasoningDetails string

	// TokenEstimate is a rough count of Content, since providers don't all
	// return usage, used to surface a consistent estimate on llm_call trace
	// events regardless of provider.
	TokenEstimate int
}

// ChatOrNil dispatches spec with a caller-supplied timeout and swallows any
// error, returning ok=false instead. If silent is false, the failure is
// logged at warn level; silent calls (e.g. speculative per-agent enrichment)
// log at debug.
func (g *Gateway) ChatOrNil(ctx context.Context, spec string, msgs []Message, timeout time.Duration, silent bool) (*ChatResult, bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	content, err := g.Complete(cctx, spec, msgs, CompletionOptions{})
	dur := time.Since(start)
	if err != nil {
		logger := observability.LoggerWithTrace(ctx)
		ev := logger.Warn()
		if silent {
			ev = logger.Debug()
		}
		ev.Err(err).Str("model_spec", spec).Dur("duration", dur).Msg("llm: chat call failed, returning nil")
		return nil, false
	}
	return &ChatResult{Content: content, TokenEstimate: util.CountTokens(content)}, true
}

// EmbedOrNil mirrors ChatOrNil for the embedding contract.
func (g *Gateway) EmbedOrNil(ctx context.Context, spec string, texts []string, timeout time.Duration) ([][]float32, bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	vectors, err := g.Embed(cctx, spec, texts)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("model_spec", spec).Msg("llm: embed call failed, returning nil")
		return nil, false
	}
	return vectors, true
}

// KeyState is the tri-state result of ProviderKeyConfigured.
type KeyState int

const (
	KeyUnknown KeyState = iota
	KeyConfigured
	KeyMissing
)

// ProviderKeyConfigured reports whether credentials are present for a
// provider in the closed enumeration. Ollama has no API key concept (it
// trusts network reachability instead), so it always reports unknown.
func (g *Gateway) ProviderKeyConfigured(provider Provider) KeyState {
	key, ok := g.keys[provider]
	if !ok {
		return KeyUnknown
	}
	if key == "" {
		return KeyMissing
	}
	return KeyConfigured
}

// MissingKeyProviders filters specs down to the providers (deduplicated)
// whose keys are known-missing, used to build the remediation hint in
// spec §4.5.2 bullet 3 and §7's provider-misconfiguration error.
func (g *Gateway) MissingKeyProviders(specs []string) []string {
	seen := map[Provider]bool{}
	var out []string
	for _, spec := range specs {
		provider, _, err := ParseModelSpec(spec)
		if err != nil {
			continue
		}
		if seen[provider] {
			continue
		}
		if g.ProviderKeyConfigured(provider) == KeyMissing {
			seen[provider] = true
			out = append(out, string(provider))
		}
	}
	return out
}

// recordKeys is called by NewGateway to capture raw credential presence
// per provider for ProviderKeyConfigured, independent of client construction.
func recordKeys(cfg config.LLMConfig) map[Provider]string {
	return map[Provider]string{
		OpenRouter: cfg.OpenRouter.APIKey,
		DashScope:  cfg.DashScope.APIKey,
		APIYi:      cfg.APIYi.APIKey,
	}
}
