package providers

import (
	"context"
	"fmt"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/config"
)

// New builds the provider named by cfg.Agent.Provider from the
// credentials in cfg.LLM.
func New(ctx context.Context, cfg *config.Config) (agent.Provider, error) {
	switch cfg.Agent.Provider {
	case "", "openrouter":
		creds := cfg.LLM.OpenRouter
		if creds.APIKey == "" {
			return nil, fmt.Errorf("openrouter: missing api key (set OPENROUTER_API_KEY)")
		}
		return NewOpenRouter(creds.APIKey, creds.BaseURL), nil
	case "codex":
		creds := cfg.LLM.OpenAI
		if creds.APIKey == "" {
			return nil, fmt.Errorf("codex: missing api key (set OPENAI_API_KEY)")
		}
		return NewCodex(creds.APIKey, creds.BaseURL), nil
	case "openai":
		creds := cfg.LLM.OpenAI
		if creds.APIKey == "" {
			return nil, fmt.Errorf("openai: missing api key (set OPENAI_API_KEY)")
		}
		return NewOpenAI(creds.APIKey, creds.BaseURL), nil
	case "anthropic":
		creds := cfg.LLM.Anthropic
		if creds.APIKey == "" {
			return nil, fmt.Errorf("anthropic: missing api key (set ANTHROPIC_API_KEY)")
		}
		return NewAnthropic(creds.APIKey, creds.BaseURL), nil
	case "bedrock":
		return NewBedrock(ctx, cfg.LLM.Bedrock.Region)
	case "google":
		if cfg.LLM.Google.APIKey == "" {
			return nil, fmt.Errorf("google: missing api key (set GEMINI_API_KEY)")
		}
		return NewGoogle(ctx, cfg.LLM.Google.APIKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Agent.Provider)
	}
}
