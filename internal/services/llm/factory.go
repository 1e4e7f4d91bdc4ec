package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
)

// NewProvider creates the provider selected by llm.provider. runner is only
// used by the opencode provider.
func NewProvider(ctx context.Context, config *common.Config, runner CommandRunner, logger arbor.ILogger) (Provider, error) {
	providerType := ProviderType(config.LLM.Provider)
	if providerType == "" {
		providerType = ProviderGemini
	}

	logger.Info().Str("provider", string(providerType)).Msg("Creating summarizer provider")

	switch providerType {
	case ProviderGemini:
		provider, err := NewGeminiProvider(ctx, config.Gemini, logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case ProviderClaude:
		provider, err := NewClaudeProvider(config.Claude, logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case ProviderOpencode:
		if runner == nil {
			return nil, fmt.Errorf("opencode provider requires a command runner")
		}
		return NewOpencodeProvider(config.Opencode, runner, logger), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", providerType)
	}
}

// NewSummarizerFromConfig builds the configured provider and wraps it
func NewSummarizerFromConfig(ctx context.Context, config *common.Config, runner CommandRunner, logger arbor.ILogger) (*Summarizer, error) {
	provider, err := NewProvider(ctx, config, runner, logger)
	if err != nil {
		return nil, err
	}
	summarizer, err := NewSummarizer(provider, config.LLM, logger)
	if err != nil {
		provider.Close()
		return nil, err
	}
	return summarizer, nil
}
