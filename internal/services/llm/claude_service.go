package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
)

// ClaudeProvider sends frames as base64 image blocks to the Anthropic API
type ClaudeProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float32
	logger      arbor.ILogger
}

// NewClaudeProvider creates a Claude-backed provider
func NewClaudeProvider(config common.ClaudeConfig, logger arbor.ILogger) (*ClaudeProvider, error) {
	apiKey, err := common.ResolveAPIKey("claude_api_key", config.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Claude API key is required (set BRAINROT_CLAUDE_API_KEY, ANTHROPIC_API_KEY or claude.api_key): %w", err)
	}

	model := config.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	logger.Debug().Str("model", model).Int("max_tokens", maxTokens).Msg("Claude provider initialized")
	return &ClaudeProvider{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		maxTokens:   maxTokens,
		temperature: config.Temperature,
		logger:      logger,
	}, nil
}

func (c *ClaudeProvider) GenerateContent(ctx context.Context, request *ContentRequest) (*ContentResponse, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(request.Frames)+1)
	for _, frame := range request.Frames {
		blocks = append(blocks, anthropic.NewImageBlockBase64(frame.MimeType, base64.StdEncoding.EncodeToString(frame.Data)))
	}

	prompt := request.Prompt
	if request.StructuredOutput {
		prompt += "\n\n" + jsonInstruction
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(float64(c.temperature)),
	}
	if request.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: request.SystemInstruction}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyProviderError(ctx, ProviderClaude, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, classifyProviderError(ctx, ProviderClaude, fmt.Errorf("no text content in response from %s", c.model))
	}

	return &ContentResponse{
		Text:     text.String(),
		Provider: ProviderClaude,
		Model:    c.model,
	}, nil
}

func (c *ClaudeProvider) GetProviderType() ProviderType {
	return ProviderClaude
}

func (c *ClaudeProvider) Close() error {
	return nil
}
