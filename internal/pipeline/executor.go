// -----------------------------------------------------------------------
// Stage Executors - retry policy, timeouts and executor selection
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

// StageExecutor runs one step for one job. Executors are stateless: they
// read the job copy they are given and return the step's artifact.
type StageExecutor interface {
	Step() models.Step
	Run(ctx context.Context, job *models.Job) (models.Artifact, error)
}

// BackoffKind selects how retry delays grow
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy bounds the attempts of one step
type RetryPolicy struct {
	MaxAttempts int // Total attempts including the first
	BackoffBase time.Duration
	MaxDelay    time.Duration
	Kind        BackoffKind
}

// ShouldRetry reports whether another attempt is allowed after attempts tries
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Delay returns the wait before the next attempt after attempts tries:
// base * 2^(attempts-1) for exponential backoff, capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BackoffBase
	if p.Kind != BackoffFixed {
		for i := 1; i < attempts; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// StageSettings configures how a step is run
type StageSettings struct {
	Timeout     time.Duration
	Policy      RetryPolicy
	Concurrency int // Per-step cap, 0 = none beyond the global cap
}

// DefaultStageSettings are used for steps missing from configuration
func DefaultStageSettings(step models.Step) StageSettings {
	settings := StageSettings{
		Timeout: 2 * time.Minute,
		Policy: RetryPolicy{
			MaxAttempts: 2,
			BackoffBase: 5 * time.Second,
			MaxDelay:    time.Minute,
			Kind:        BackoffExponential,
		},
	}
	if step == models.StepReply {
		settings.Timeout = 30 * time.Second
		settings.Policy.MaxAttempts = 3
		settings.Policy.BackoffBase = 2 * time.Second
	}
	return settings
}

// StageSettingsFromConfig converts the [pipeline.stages] table, filling
// zero values from DefaultStageSettings
func StageSettingsFromConfig(stages map[string]common.StageConfig) map[models.Step]StageSettings {
	out := make(map[models.Step]StageSettings)
	for _, step := range models.AllSteps() {
		settings := DefaultStageSettings(step)
		if sc, ok := stages[string(step)]; ok {
			settings.Timeout = common.ParseDurationOr(sc.Timeout, settings.Timeout)
			settings.Policy.BackoffBase = common.ParseDurationOr(sc.BackoffBase, settings.Policy.BackoffBase)
			settings.Policy.MaxDelay = common.ParseDurationOr(sc.BackoffMax, settings.Policy.MaxDelay)
			if sc.MaxAttempts > 0 {
				settings.Policy.MaxAttempts = sc.MaxAttempts
			}
			if sc.BackoffKind != "" {
				settings.Policy.Kind = BackoffKind(sc.BackoffKind)
			}
			settings.Concurrency = sc.Concurrency
		}
		out[step] = settings
	}
	return out
}

type executorKey struct {
	step     models.Step
	platform models.Platform
}

// Registry selects the executor for a (step, platform) pair. Executors
// registered without a platform serve every platform.
type Registry struct {
	mu        sync.RWMutex
	executors map[executorKey]StageExecutor
	settings  map[models.Step]StageSettings
	logger    arbor.ILogger
}

// NewRegistry creates a registry with the given per-step settings
func NewRegistry(settings map[models.Step]StageSettings, logger arbor.ILogger) *Registry {
	if settings == nil {
		settings = make(map[models.Step]StageSettings)
	}
	return &Registry{
		executors: make(map[executorKey]StageExecutor),
		settings:  settings,
		logger:    logger,
	}
}

// Register adds an executor for its step, optionally limited to platforms
func (r *Registry) Register(executor StageExecutor, platforms ...models.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(platforms) == 0 {
		platforms = []models.Platform{""}
	}
	for _, p := range platforms {
		r.executors[executorKey{step: executor.Step(), platform: p}] = executor
		r.logger.Debug().
			Str("step", string(executor.Step())).
			Str("platform", string(p)).
			Msg("Executor registered")
	}
}

// Resolve returns the executor for step on platform
func (r *Registry) Resolve(step models.Step, platform models.Platform) (StageExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.executors[executorKey{step: step, platform: platform}]; ok {
		return e, nil
	}
	if e, ok := r.executors[executorKey{step: step}]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no executor registered for step %s on platform %s", step, platform)
}

// Settings returns the settings for step
func (r *Registry) Settings(step models.Step) StageSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.settings[step]; ok {
		return s
	}
	return DefaultStageSettings(step)
}

// runExecutor runs one attempt under ctx, converting panics, timeouts and
// mismatched artifacts into a classified failure
func runExecutor(ctx context.Context, executor StageExecutor, job *models.Job, logger arbor.ILogger) (artifact models.Artifact, stageErr *models.StageError) {
	step := executor.Step()

	defer func() {
		if r := recover(); r != nil {
			err := common.RecoverPanic(logger, "stage:"+string(step), r)
			artifact = nil
			stageErr = models.NewTransient(models.FailureInternal, err)
			stageErr.Step = step
		}
	}()

	result, err := executor.Run(ctx, job)

	// Once the context is done its cause decides the failure, whatever the
	// step reported: budget -> Aborted, deadline -> Timeout
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if err != nil {
			cause = fmt.Errorf("%w (step error: %v)", cause, err)
		}
		return nil, Classify(step, cause)
	}
	if err != nil {
		return nil, Classify(step, err)
	}

	if result == nil || result.Step() != step {
		return nil, Classify(step, models.NewPermanent(models.FailureInternal,
			fmt.Errorf("executor for %s returned artifact %T", step, result)))
	}
	return result, nil
}
