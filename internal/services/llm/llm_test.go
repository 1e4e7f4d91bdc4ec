package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
)

type fakeProvider struct {
	kind     ProviderType
	text     string
	err      error
	requests []*ContentRequest
}

func (f *fakeProvider) GenerateContent(ctx context.Context, request *ContentRequest) (*ContentResponse, error) {
	f.requests = append(f.requests, request)
	if f.err != nil {
		return nil, f.err
	}
	return &ContentResponse{Text: f.text, Provider: f.kind, Model: "test-model"}, nil
}

func (f *fakeProvider) GetProviderType() ProviderType { return f.kind }
func (f *fakeProvider) Close() error                  { return nil }

type fakeRunner struct {
	dir    string
	name   string
	args   []string
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	f.dir, f.name, f.args = dir, name, args
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func writeFrames(t *testing.T, n int) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "frames"), 0755))
	var paths []string
	for i := 1; i <= n; i++ {
		p := filepath.Join(dir, "frames", fmt.Sprintf("frame_%03d.jpg", i))
		require.NoError(t, os.WriteFile(p, []byte{0xff, 0xd8, byte(i)}, 0644))
		paths = append(paths, p)
	}
	return dir, paths
}

func summaryInput(frames []string) interfaces.SummaryInput {
	return interfaces.SummaryInput{
		Link: models.SourceLink{Platform: models.PlatformTikTok, URL: "https://www.tiktok.com/@a/video/1"},
		Media: &models.MediaArtifact{
			Title:           "skibidi",
			Uploader:        "someone",
			DurationSeconds: 14,
		},
		Extraction: &models.ExtractionArtifact{FramePaths: frames, SubtitleText: "caption text"},
		Transcript: &models.TranscriptArtifact{Text: "what is up chat"},
	}
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		level     int
		sentiment string
		visible   string
	}{
		{
			name:      "json",
			text:      `{"narrative":"A cat dances.","visible_text":"POV","sentiment":"silly","brainrot_level":7}`,
			level:     7,
			sentiment: "silly",
			visible:   "POV",
		},
		{
			name:      "fenced json",
			text:      "```json\n{\"narrative\":\"A cat.\",\"sentiment\":\"calm\",\"brainrot_level\":\"3/10\"}\n```",
			level:     3,
			sentiment: "calm",
		},
		{
			name:      "json with prose around it",
			text:      "Here you go:\n{\"narrative\":\"x\",\"sentiment\":\"y\",\"brainrot_level\":9.0}\nEnjoy",
			level:     9,
			sentiment: "y",
		},
		{
			name:      "free text",
			text:      "1. A guy yells at a fridge.\n2. **Visible text:** NO WAY\n3. **Brainrot Level:** 8/10\n4. **Sentiment:** chaotic and loud",
			level:     8,
			sentiment: "chaotic and loud",
			visible:   "NO WAY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := parseSummary(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.level, summary.BrainrotLevel)
			assert.Equal(t, tt.sentiment, summary.Sentiment)
			assert.Equal(t, tt.visible, summary.VisibleText)
			assert.NotEmpty(t, summary.Narrative)
		})
	}
}

func TestParseSummary_Malformed(t *testing.T) {
	inputs := map[string]string{
		"empty":          "",
		"no level":       "This video is about a cat.",
		"level too high": `{"narrative":"x","sentiment":"y","brainrot_level":11}`,
		"level zero":     `{"narrative":"x","sentiment":"y","brainrot_level":0}`,
		"no narrative":   `{"narrative":"","sentiment":"y","brainrot_level":4}`,
		"level not num":  `{"narrative":"x","sentiment":"y","brainrot_level":"lots"}`,
	}

	for name, text := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := parseSummary(text)
			require.Error(t, err)
			se, ok := models.AsStageError(err)
			require.True(t, ok)
			assert.Equal(t, models.FailureMalformedOutput, se.Kind)
			assert.True(t, se.Retryable())
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt(summaryInput(nil))
	assert.Contains(t, prompt, "tiktok")
	assert.Contains(t, prompt, "Title: skibidi")
	assert.Contains(t, prompt, "what is up chat")
	assert.Contains(t, prompt, "Captions:\ncaption text")
	assert.Contains(t, prompt, "Brainrot Level")

	empty := buildPrompt(interfaces.SummaryInput{Link: models.SourceLink{Platform: models.PlatformInstagram, URL: "u"}})
	assert.Contains(t, empty, "(no speech)")
	assert.NotContains(t, empty, "Captions:")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "ab...", clip("abcdef", 2))
	// Never splits a multi-byte rune
	assert.Equal(t, "a...", clip("aé", 2))
}

func TestSampleFrames(t *testing.T) {
	paths := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	assert.Equal(t, paths, sampleFrames(paths, 0))
	assert.Equal(t, paths, sampleFrames(paths, 20))
	assert.Equal(t, []string{"0", "2", "4", "6", "8"}, sampleFrames(paths, 5))
	assert.Len(t, sampleFrames(paths, 3), 3)
}

func TestExtractRetryDelay(t *testing.T) {
	assert.Equal(t, 45*time.Second+387*time.Millisecond,
		ExtractRetryDelay(errors.New("Error 429, Message: quota. Please retry in 45.387s., Status: RESOURCE_EXHAUSTED")).Round(time.Millisecond))
	assert.Equal(t, 30*time.Second, ExtractRetryDelay(errors.New(`"retryDelay": "30s"`)))
	assert.Zero(t, ExtractRetryDelay(errors.New("boom")))
	assert.Zero(t, ExtractRetryDelay(nil))
}

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      models.FailureKind
		retryable bool
	}{
		{"rate limited", errors.New("Error 429, RESOURCE_EXHAUSTED, Please retry in 2s"), models.FailureRateLimited, true},
		{"bad key", errors.New("Error 400, API key not valid"), models.FailureModelError, false},
		{"permission", errors.New("PERMISSION_DENIED"), models.FailureModelError, false},
		{"unavailable", errors.New("Error 503, UNAVAILABLE"), models.FailureTransport, true},
		{"overloaded", errors.New("overloaded_error"), models.FailureTransport, true},
		{"missing binary", &exec.Error{Name: "opencode", Err: exec.ErrNotFound}, models.FailureToolUnavailable, false},
		{"unknown", errors.New("something odd"), models.FailureModelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyProviderError(context.Background(), ProviderGemini, tt.err)
			se, ok := models.AsStageError(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.retryable, se.Retryable())
		})
	}

	t.Run("retry hint", func(t *testing.T) {
		err := classifyProviderError(context.Background(), ProviderGemini, errors.New("429 Please retry in 2s"))
		se, _ := models.AsStageError(err)
		assert.Equal(t, 2*time.Second, se.RetryAfter)
	})

	t.Run("cancelled context passes through", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := classifyProviderError(ctx, ProviderClaude, errors.New("request failed"))
		assert.ErrorIs(t, err, context.Canceled)
		_, ok := models.AsStageError(err)
		assert.False(t, ok)
	})
}

func TestSummarizer_Summarize(t *testing.T) {
	dir, frames := writeFrames(t, 6)
	provider := &fakeProvider{
		kind: ProviderGemini,
		text: `{"narrative":"A cat dances.","visible_text":"","sentiment":"silly","brainrot_level":6}`,
	}
	summarizer, err := NewSummarizer(provider, common.LLMConfig{MaxFrames: 3}, arbor.NewLogger())
	require.NoError(t, err)

	summary, err := summarizer.Summarize(context.Background(), summaryInput(frames))
	require.NoError(t, err)
	assert.Equal(t, 6, summary.BrainrotLevel)
	assert.Equal(t, "gemini", summary.Provider)
	assert.Equal(t, "test-model", summary.Model)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, dir, req.WorkDir)
	assert.True(t, req.StructuredOutput)
	assert.Equal(t, systemPrompt, req.SystemInstruction)
	require.Len(t, req.Frames, 3)
	for _, f := range req.Frames {
		assert.Equal(t, "image/jpeg", f.MimeType)
		assert.NotEmpty(t, f.Data)
	}
}

func TestSummarizer_OpencodeGetsPathsOnly(t *testing.T) {
	_, frames := writeFrames(t, 2)
	provider := &fakeProvider{kind: ProviderOpencode, text: "Brainrot Level: 2/10\nSentiment: calm"}
	summarizer, err := NewSummarizer(provider, common.LLMConfig{}, arbor.NewLogger())
	require.NoError(t, err)

	summary, err := summarizer.Summarize(context.Background(), summaryInput(frames))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.BrainrotLevel)
	assert.Equal(t, "calm", summary.Sentiment)

	for _, f := range provider.requests[0].Frames {
		assert.Nil(t, f.Data)
		assert.NotEmpty(t, f.Path)
	}
}

func TestSummarizer_ProviderErrorPassesThrough(t *testing.T) {
	want := models.NewPermanent(models.FailureModelError, errors.New("bad key"))
	provider := &fakeProvider{kind: ProviderClaude, err: want}
	summarizer, err := NewSummarizer(provider, common.LLMConfig{}, arbor.NewLogger())
	require.NoError(t, err)

	_, err = summarizer.Summarize(context.Background(), summaryInput(nil))
	assert.Same(t, want, err)
}

func TestSummarizer_RateLimit(t *testing.T) {
	provider := &fakeProvider{kind: ProviderGemini, text: `{"narrative":"x","sentiment":"y","brainrot_level":1}`}
	summarizer, err := NewSummarizer(provider, common.LLMConfig{RateLimit: "1h"}, arbor.NewLogger())
	require.NoError(t, err)

	_, err = summarizer.Summarize(context.Background(), summaryInput(nil))
	require.NoError(t, err)

	// The second request would wait an hour; the deadline ends it first
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = summarizer.Summarize(ctx, summaryInput(nil))
	require.Error(t, err)
	assert.Len(t, provider.requests, 1)

	_, err = NewSummarizer(provider, common.LLMConfig{RateLimit: "soon"}, arbor.NewLogger())
	assert.Error(t, err)
}

func TestOpencodeProvider(t *testing.T) {
	dir, frames := writeFrames(t, 2)
	runner := &fakeRunner{stdout: "\x1b[1mBrainrot Level: 5/10\x1b[0m\n"}
	provider := NewOpencodeProvider(common.OpencodeConfig{Model: "opencode/gemini-3-pro"}, runner, arbor.NewLogger())

	resp, err := provider.GenerateContent(context.Background(), &ContentRequest{
		SystemInstruction: "sys",
		Prompt:            "describe",
		WorkDir:           dir,
		Frames:            []Frame{{Path: frames[0]}, {Path: frames[1]}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Brainrot Level: 5/10", resp.Text)
	assert.Equal(t, ProviderOpencode, resp.Provider)

	assert.Equal(t, dir, runner.dir)
	assert.Equal(t, "opencode", runner.name)
	require.Len(t, runner.args, 4)
	assert.Equal(t, []string{"-m", "opencode/gemini-3-pro", "run"}, runner.args[:3])
	assert.True(t, strings.HasPrefix(runner.args[3], "sys\n\ndescribe"))
	assert.Contains(t, runner.args[3], filepath.Join("frames", "frame_001.jpg"))
}

func TestOpencodeProvider_Failures(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		runner := &fakeRunner{err: &exec.Error{Name: "opencode", Err: exec.ErrNotFound}}
		provider := NewOpencodeProvider(common.OpencodeConfig{}, runner, arbor.NewLogger())
		_, err := provider.GenerateContent(context.Background(), &ContentRequest{Prompt: "p"})
		se, ok := models.AsStageError(err)
		require.True(t, ok)
		assert.Equal(t, models.FailureToolUnavailable, se.Kind)
	})

	t.Run("empty output", func(t *testing.T) {
		provider := NewOpencodeProvider(common.OpencodeConfig{}, &fakeRunner{stdout: "  \n"}, arbor.NewLogger())
		_, err := provider.GenerateContent(context.Background(), &ContentRequest{Prompt: "p"})
		se, ok := models.AsStageError(err)
		require.True(t, ok)
		assert.Equal(t, models.FailureMalformedOutput, se.Kind)
	})

	t.Run("quota in stderr", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("exit status 1"), stderr: "Error: 429 RESOURCE_EXHAUSTED"}
		provider := NewOpencodeProvider(common.OpencodeConfig{}, runner, arbor.NewLogger())
		_, err := provider.GenerateContent(context.Background(), &ContentRequest{Prompt: "p"})
		se, ok := models.AsStageError(err)
		require.True(t, ok)
		assert.Equal(t, models.FailureRateLimited, se.Kind)
	})
}

func TestNewProvider(t *testing.T) {
	config := common.NewDefaultConfig()
	config.LLM.Provider = common.LLMProviderOpencode
	provider, err := NewProvider(context.Background(), config, &fakeRunner{}, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, ProviderOpencode, provider.GetProviderType())

	_, err = NewProvider(context.Background(), config, nil, arbor.NewLogger())
	assert.Error(t, err)

	config.LLM.Provider = "mystery"
	_, err = NewProvider(context.Background(), config, nil, arbor.NewLogger())
	assert.Error(t, err)
}
