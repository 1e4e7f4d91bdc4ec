package llm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
)

// Summarizer implements interfaces.Summarizer on top of a Provider.
// Requests are paced by a shared limiter so concurrent jobs stay under the
// provider's request quota.
type Summarizer struct {
	provider  Provider
	limiter   *rate.Limiter
	maxFrames int
	logger    arbor.ILogger
}

// NewSummarizer wraps provider with the [llm] pacing and frame settings
func NewSummarizer(provider Provider, config common.LLMConfig, logger arbor.ILogger) (*Summarizer, error) {
	limit := rate.Inf
	if config.RateLimit != "" {
		interval, err := time.ParseDuration(config.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid llm.rate_limit '%s': %w", config.RateLimit, err)
		}
		if interval > 0 {
			limit = rate.Every(interval)
		}
	}

	return &Summarizer{
		provider:  provider,
		limiter:   rate.NewLimiter(limit, 1),
		maxFrames: config.MaxFrames,
		logger:    logger,
	}, nil
}

func (s *Summarizer) Summarize(ctx context.Context, input interfaces.SummaryInput) (*models.SummaryArtifact, error) {
	var framePaths []string
	if input.Extraction != nil {
		framePaths = sampleFrames(input.Extraction.FramePaths, s.maxFrames)
	}

	request := &ContentRequest{
		SystemInstruction: systemPrompt,
		Prompt:            buildPrompt(input),
		WorkDir:           workDir(input, framePaths),
		StructuredOutput:  true,
	}

	// CLI providers read frames from disk
	inline := s.provider.GetProviderType() != ProviderOpencode
	for _, path := range framePaths {
		frame := Frame{Path: path, MimeType: frameMimeType(path)}
		if inline {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, models.NewTransient(models.FailureInternal, fmt.Errorf("failed to read frame: %w", err))
			}
			frame.Data = data
		}
		request.Frames = append(request.Frames, frame)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for summarizer rate limit: %w", err)
	}

	started := time.Now()
	resp, err := s.provider.GenerateContent(ctx, request)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("provider", string(s.provider.GetProviderType())).
			Dur("elapsed", time.Since(started)).
			Msg("Summary request failed")
		return nil, err
	}

	summary, err := parseSummary(resp.Text)
	if err != nil {
		s.logger.Debug().Str("output", clip(resp.Text, 500)).Msg("Model output rejected")
		return nil, err
	}
	summary.Provider = string(resp.Provider)
	summary.Model = resp.Model

	s.logger.Info().
		Str("provider", summary.Provider).
		Str("model", summary.Model).
		Int("frames", len(request.Frames)).
		Int("brainrot_level", summary.BrainrotLevel).
		Dur("elapsed", time.Since(started)).
		Msg("Video summarized")
	return summary, nil
}

// Close releases the underlying provider
func (s *Summarizer) Close() error {
	return s.provider.Close()
}

// sampleFrames picks at most max frames spread evenly across paths.
// max <= 0 keeps every frame.
func sampleFrames(paths []string, max int) []string {
	if max <= 0 || len(paths) <= max {
		return paths
	}
	out := make([]string, 0, max)
	step := float64(len(paths)) / float64(max)
	for i := 0; i < max; i++ {
		out = append(out, paths[int(float64(i)*step)])
	}
	return out
}

// workDir is the job directory: the parent of frames/, else the video's dir
func workDir(input interfaces.SummaryInput, frames []string) string {
	if len(frames) > 0 {
		return filepath.Dir(filepath.Dir(frames[0]))
	}
	if input.Media != nil && input.Media.VideoPath != "" {
		return filepath.Dir(input.Media.VideoPath)
	}
	return ""
}

func frameMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
