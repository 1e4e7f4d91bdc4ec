// -----------------------------------------------------------------------
// Tool runner - executes the external media tools
// -----------------------------------------------------------------------

package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/models"
)

// Runner executes an external command in dir and returns its output
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec. The process is killed when ctx is done.
type ExecRunner struct {
	logger arbor.ILogger
}

func NewExecRunner(logger arbor.ILogger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().
		Str("tool", name).
		Str("dir", dir).
		Str("args", strings.Join(args, " ")).
		Msg("Running tool")

	started := time.Now()
	err := cmd.Run()

	r.logger.Debug().
		Str("tool", name).
		Dur("duration", time.Since(started)).
		Bool("ok", err == nil).
		Msg("Tool finished")

	return stdout.Bytes(), stderr.Bytes(), err
}

// toolError converts a failed tool run into a step failure. A missing
// binary is permanent; a crash is worth another attempt.
func toolError(ctx context.Context, tool string, err error, stderr []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return models.NewPermanent(models.FailureToolUnavailable, fmt.Errorf("%s is not installed: %w", tool, err))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", tool, ctx.Err())
	}
	if msg := stderrTail(stderr); msg != "" {
		return models.NewTransient(models.FailureInternal, fmt.Errorf("%s failed: %w: %s", tool, err, msg))
	}
	return models.NewTransient(models.FailureInternal, fmt.Errorf("%s failed: %w", tool, err))
}

const maxStderrTail = 600

// stderrTail returns the end of a tool's stderr, where the error usually is
func stderrTail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > maxStderrTail {
		cut := len(s) - maxStderrTail
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = "..." + s[cut:]
	}
	return s
}
