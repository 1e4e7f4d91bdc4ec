package llm

import (
	"context"
)

// ProviderType names the model backend behind the summarizer
type ProviderType string

const (
	// ProviderGemini uses Google Gemini API
	ProviderGemini ProviderType = "gemini"
	// ProviderClaude uses Anthropic Claude API
	ProviderClaude ProviderType = "claude"
	// ProviderOpencode shells out to the opencode CLI
	ProviderOpencode ProviderType = "opencode"
)

// Frame is one still image attached to a request
type Frame struct {
	Path     string
	Data     []byte
	MimeType string
}

// ContentRequest represents a provider-agnostic content generation request
type ContentRequest struct {
	SystemInstruction string
	Prompt            string
	Frames            []Frame
	// WorkDir holds frames/ and the subtitle tracks. CLI providers read the
	// files from disk instead of receiving them inline.
	WorkDir string
	// StructuredOutput asks API providers for JSON matching summarySchema
	StructuredOutput bool
}

// ContentResponse represents a provider-agnostic content generation response
type ContentResponse struct {
	Text     string
	Provider ProviderType
	Model    string
}

// Provider defines the interface for AI content generation
type Provider interface {
	GenerateContent(ctx context.Context, request *ContentRequest) (*ContentResponse, error)
	GetProviderType() ProviderType
	Close() error
}

// CommandRunner runs an external program in dir. media.ExecRunner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
}
