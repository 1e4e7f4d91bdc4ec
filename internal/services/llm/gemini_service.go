package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/brainrot/internal/common"
)

// GeminiProvider sends frames inline to the Gemini API and asks for JSON
// matching summarySchema
type GeminiProvider struct {
	client      *genai.Client
	model       string
	temperature float32
	logger      arbor.ILogger
}

// NewGeminiProvider creates a Gemini-backed provider
func NewGeminiProvider(ctx context.Context, config common.GeminiConfig, logger arbor.ILogger) (*GeminiProvider, error) {
	apiKey, err := common.ResolveAPIKey("gemini_api_key", config.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Gemini API key is required (set BRAINROT_GEMINI_API_KEY, GEMINI_API_KEY or gemini.api_key): %w", err)
	}

	model := config.Model
	if model == "" {
		model = "gemini-3-flash-preview"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	logger.Debug().Str("model", model).Msg("Gemini provider initialized")
	return &GeminiProvider{
		client:      client,
		model:       model,
		temperature: config.Temperature,
		logger:      logger,
	}, nil
}

// summarySchema mirrors models.SummaryArtifact
func summarySchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"narrative": {
				Type:        genai.TypeString,
				Description: "Two or three sentences on what happens in the video",
			},
			"visible_text": {
				Type:        genai.TypeString,
				Description: "Captions or on-screen text, empty when there is none",
			},
			"sentiment": {
				Type:        genai.TypeString,
				Description: "Overall mood and tone in a short phrase",
			},
			"brainrot_level": {
				Type:        genai.TypeInteger,
				Description: "How much brainrot the video contains, 1 (none) to 10 (pure)",
				Minimum:     genai.Ptr[float64](1),
				Maximum:     genai.Ptr[float64](10),
			},
		},
		Required: []string{"narrative", "sentiment", "brainrot_level"},
	}
}

func (g *GeminiProvider) GenerateContent(ctx context.Context, request *ContentRequest) (*ContentResponse, error) {
	parts := make([]*genai.Part, 0, len(request.Frames)+1)
	for _, frame := range request.Frames {
		parts = append(parts, genai.NewPartFromBytes(frame.Data, frame.MimeType))
	}
	parts = append(parts, genai.NewPartFromText(request.Prompt))

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if request.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(request.SystemInstruction, genai.RoleUser)
	}
	if request.StructuredOutput {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = summarySchema()
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, classifyProviderError(ctx, ProviderGemini, err)
	}

	text := resp.Text()
	if text == "" {
		return nil, classifyProviderError(ctx, ProviderGemini, fmt.Errorf("empty response from model %s", g.model))
	}

	return &ContentResponse{
		Text:     text,
		Provider: ProviderGemini,
		Model:    g.model,
	}, nil
}

func (g *GeminiProvider) GetProviderType() ProviderType {
	return ProviderGemini
}

// Close is a no-op; the genai client holds no resources
func (g *GeminiProvider) Close() error {
	return nil
}
