package llm

import (
	"context"
	"fmt"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/ports"
)

// New builds the provider client named by cfg.Kind.
func New(ctx context.Context, cfg config.ProviderConfig) (ports.Provider, error) {
	switch cfg.Kind {
	case config.ProviderOpenAI, "":
		return NewChatGPTClient(cfg)
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
}
