package llm

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// OpencodeProvider runs `opencode run` inside the job's work dir. The
// agent reads frames/ and the subtitle tracks from disk itself.
type OpencodeProvider struct {
	path   string
	model  string
	runner CommandRunner
	logger arbor.ILogger
}

// NewOpencodeProvider creates a provider backed by the opencode CLI
func NewOpencodeProvider(config common.OpencodeConfig, runner CommandRunner, logger arbor.ILogger) *OpencodeProvider {
	path := config.Path
	if path == "" {
		path = "opencode"
	}
	return &OpencodeProvider{
		path:   path,
		model:  config.Model,
		runner: runner,
		logger: logger,
	}
}

func (o *OpencodeProvider) GenerateContent(ctx context.Context, request *ContentRequest) (*ContentResponse, error) {
	prompt := request.Prompt
	if request.SystemInstruction != "" {
		prompt = request.SystemInstruction + "\n\n" + prompt
	}
	if len(request.Frames) > 0 {
		names := make([]string, 0, len(request.Frames))
		for _, f := range request.Frames {
			names = append(names, relativeTo(request.WorkDir, f.Path))
		}
		prompt += "\n\nLook at these frame images: " + strings.Join(names, ", ")
	}
	if request.StructuredOutput {
		prompt += "\n\n" + jsonInstruction
	}

	var args []string
	if o.model != "" {
		args = append(args, "-m", o.model)
	}
	args = append(args, "run", prompt)

	stdout, stderr, err := o.runner.Run(ctx, request.WorkDir, o.path, args...)
	if err != nil {
		o.logger.Debug().Err(err).Str("stderr", tail(string(stderr), 400)).Msg("opencode failed")
		if tailed := strings.TrimSpace(tail(string(stderr), 400)); tailed != "" {
			err = fmt.Errorf("%w: %s", err, tailed)
		}
		return nil, classifyProviderError(ctx, ProviderOpencode, err)
	}

	text := strings.TrimSpace(ansiEscape.ReplaceAllString(string(stdout), ""))
	if text == "" {
		return nil, models.NewTransient(models.FailureMalformedOutput, fmt.Errorf("opencode produced no output"))
	}

	return &ContentResponse{
		Text:     text,
		Provider: ProviderOpencode,
		Model:    o.model,
	}, nil
}

func (o *OpencodeProvider) GetProviderType() ProviderType {
	return ProviderOpencode
}

func (o *OpencodeProvider) Close() error {
	return nil
}

func relativeTo(dir, path string) string {
	if dir == "" {
		return path
	}
	if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
