// -----------------------------------------------------------------------
// Pipeline Coordinator - drives every job through the step sequence
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
	"github.com/ternarybob/brainrot/internal/worker"
)

var errStale = errors.New("stale step result")

// Replier sends the one-shot apology for failed jobs and forgets
// idempotency state once a job leaves the store
type Replier interface {
	DeliverFailure(ctx context.Context, job *models.Job) error
	Forget(jobID string)
}

// CoordinatorConfig contains the orchestration limits
type CoordinatorConfig struct {
	MaxHeavyJobs  int           // Cap on jobs running download..summarize combined
	JobBudget     time.Duration // Wall-clock budget from creation, 0 = unlimited
	Retention     time.Duration // How long terminal jobs stay in the store
	WorkDir       string        // Root for per-job scratch directories, empty = executors decide
	KeepArtifacts bool
}

type task struct {
	jobID   string
	step    models.Step
	readyAt time.Time
	seq     uint64
}

// Coordinator is the only writer of job state. Intake, step completions and
// retry timers post tasks into a mutex guarded ready list; a single admission
// loop hands the oldest admissible task to an idle worker.
type Coordinator struct {
	store    *JobStore
	dedup    *DedupIndex
	registry *Registry
	replier  Replier
	events   interfaces.EventService
	archive  interfaces.JobArchive
	pool     *worker.WorkerPool
	config   CoordinatorConfig
	logger   arbor.ILogger
	now      func() time.Time

	mu      sync.Mutex
	ready   []task
	seq     uint64
	running map[models.Step]int
	heavy   int
	active  map[string]context.CancelCauseFunc
	retries map[string]*time.Timer
	stopped bool

	kick     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	started  bool
}

// NewCoordinator creates a coordinator. events and archive may be nil.
func NewCoordinator(
	store *JobStore,
	dedup *DedupIndex,
	registry *Registry,
	replier Replier,
	pool *worker.WorkerPool,
	events interfaces.EventService,
	archive interfaces.JobArchive,
	config CoordinatorConfig,
	logger arbor.ILogger,
) *Coordinator {
	if config.MaxHeavyJobs < 1 {
		config.MaxHeavyJobs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		store:    store,
		dedup:    dedup,
		registry: registry,
		replier:  replier,
		events:   events,
		archive:  archive,
		pool:     pool,
		config:   config,
		logger:   logger,
		now:      time.Now,
		running:  make(map[models.Step]int),
		active:   make(map[string]context.CancelCauseFunc),
		retries:  make(map[string]*time.Timer),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
}

// Start starts the worker pool and the admission loop
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.pool.Start()
	go c.loop()

	c.logger.Info().
		Int("workers", c.pool.Size()).
		Int("max_heavy_jobs", c.config.MaxHeavyJobs).
		Dur("job_budget", c.config.JobBudget).
		Msg("Pipeline coordinator started")
}

// Stop stops admitting work, cancels pending retries and waits for running
// steps to drain until ctx expires. Unfinished jobs are dropped.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for id, timer := range c.retries {
		timer.Stop()
		delete(c.retries, id)
	}
	pending := len(c.ready)
	c.ready = nil
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if started {
		<-c.loopDone
	}
	c.pool.Stop(ctx)

	c.logger.Info().
		Int("dropped_ready", pending).
		Int("jobs_in_store", c.store.Len()).
		Msg("Pipeline coordinator stopped")
}

// Intake deduplicates a detected link, creates its job and queues the
// first step. It never blocks on pipeline work.
func (c *Coordinator) Intake(link models.SourceLink, correlation models.Correlation) (string, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	if !c.dedup.Claim(correlation.SenderID, link.URL) {
		c.logger.Info().
			Str("sender", correlation.SenderID).
			Str("url", link.URL).
			Msg("Duplicate link inside dedup window, dropping")
		c.publish(interfaces.EventLinkDeduplicated, models.JobEvent{
			SenderID:  correlation.SenderID,
			URL:       link.URL,
			Platform:  link.Platform,
			Timestamp: c.now(),
		})
		return "", ErrDuplicateLink
	}

	id, err := c.store.Create(link, correlation)
	if err != nil {
		c.dedup.Release(correlation.SenderID, link.URL)
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	job, err := c.store.Update(id, func(j *models.Job) error {
		if c.config.WorkDir != "" {
			j.Workdir = filepath.Join(c.config.WorkDir, "jobs", id)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to initialise job %s: %w", id, err)
	}

	c.logger.Info().
		Str("job_id", id).
		Str("sender", correlation.SenderID).
		Str("platform", string(link.Platform)).
		Str("url", link.URL).
		Msg("Job created")
	c.publish(interfaces.EventJobCreated, c.jobEvent(job, "", nil))

	c.enqueue(task{jobID: id, step: models.StepDownload})
	return id, nil
}

// enqueue makes a step ready. Ready tasks are ordered by readiness time.
func (c *Coordinator) enqueue(t task) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.seq++
	t.seq = c.seq
	t.readyAt = c.now()

	i := sort.Search(len(c.ready), func(i int) bool {
		r := c.ready[i]
		return r.readyAt.After(t.readyAt) || (r.readyAt.Equal(t.readyAt) && r.seq > t.seq)
	})
	c.ready = append(c.ready, task{})
	copy(c.ready[i+1:], c.ready[i:])
	c.ready[i] = t
	c.mu.Unlock()

	c.wake()
}

func (c *Coordinator) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// loop is the admission loop. The task channel is only armed while a task
// is pending, so an idle worker receives it as soon as limits allow.
func (c *Coordinator) loop() {
	defer close(c.loopDone)

	var (
		pending *task
		out     chan<- worker.Task
		next    worker.Task
	)

	for {
		if pending == nil {
			if t, ok := c.admit(); ok {
				pending = &t
				next = c.workerTask(t)
				out = c.pool.Tasks()
			} else {
				out = nil
			}
		}

		select {
		case out <- next:
			pending = nil
		case <-c.kick:
		case <-c.ctx.Done():
			if pending != nil {
				c.release(pending.step)
			}
			return
		}
	}
}

// admit removes the oldest task whose step has capacity and reserves its slot
func (c *Coordinator) admit() (task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, t := range c.ready {
		if !c.hasCapacity(t.step) {
			continue
		}
		c.ready = append(c.ready[:i], c.ready[i+1:]...)
		c.running[t.step]++
		if t.step.IsHeavy() {
			c.heavy++
		}
		return t, true
	}
	return task{}, false
}

// hasCapacity must be called with c.mu held
func (c *Coordinator) hasCapacity(step models.Step) bool {
	if step.IsHeavy() && c.heavy >= c.config.MaxHeavyJobs {
		return false
	}
	if limit := c.registry.Settings(step).Concurrency; limit > 0 && c.running[step] >= limit {
		return false
	}
	return true
}

func (c *Coordinator) release(step models.Step) {
	c.mu.Lock()
	c.running[step]--
	if step.IsHeavy() {
		c.heavy--
	}
	c.mu.Unlock()
	c.wake()
}

func (c *Coordinator) workerTask(t task) worker.Task {
	return worker.Task{
		Name: fmt.Sprintf("%s:%s", t.jobID, t.step),
		Run: func(ctx context.Context) {
			c.execute(ctx, t)
		},
	}
}

// expected reports whether t is the step the job is waiting for
func expected(job *models.Job, step models.Step) bool {
	if job.IsTerminal() || job.Artifacts.Has(step) {
		return false
	}
	if job.Stage == step.Stage() {
		return true
	}
	return step == models.StepDownload && job.Stage == models.StageDetected
}

func (c *Coordinator) overBudget(job *models.Job) bool {
	return c.config.JobBudget > 0 && job.Age(c.now()) >= c.config.JobBudget
}

// execute runs one attempt of one step on a worker
func (c *Coordinator) execute(ctx context.Context, t task) {
	var once sync.Once
	release := func() { once.Do(func() { c.release(t.step) }) }
	defer release()

	job, err := c.store.Get(t.jobID)
	if err != nil {
		c.logger.Debug().Str("job_id", t.jobID).Msg("Job left the store before its step ran")
		return
	}
	if !expected(job, t.step) {
		c.logger.Debug().
			Str("job_id", job.ID).
			Str("step", string(t.step)).
			Str("stage", string(job.Stage)).
			Msg("Discarding stale step")
		return
	}
	if c.overBudget(job) {
		release()
		c.fail(ctx, job.ID, t.step, models.NewPermanent(models.FailureAborted, errBudgetExceeded))
		return
	}

	executor, err := c.registry.Resolve(t.step, job.Link.Platform)
	if err != nil {
		release()
		c.fail(ctx, job.ID, t.step, models.NewPermanent(models.FailureUnsupported, err))
		return
	}
	settings := c.registry.Settings(t.step)

	from := job.Stage
	job, err = c.store.Update(job.ID, func(j *models.Job) error {
		if !expected(j, t.step) {
			return errStale
		}
		j.Stage = t.step.Stage()
		j.Attempts[t.step]++
		return nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("job_id", t.jobID).Msg("Could not start step")
		return
	}
	if from != job.Stage {
		c.publish(interfaces.EventJobStageChanged, c.jobEvent(job, from, nil))
	}
	attempt := job.Attempts[t.step]

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	if c.config.JobBudget > 0 {
		var cancelBudget context.CancelFunc
		runCtx, cancelBudget = context.WithDeadlineCause(runCtx, job.CreatedAt.Add(c.config.JobBudget), errBudgetExceeded)
		defer cancelBudget()
	}
	stepCtx, cancelStep := context.WithTimeout(runCtx, settings.Timeout)
	defer cancelStep()

	c.mu.Lock()
	c.active[job.ID] = cancelRun
	c.mu.Unlock()

	c.logger.Info().
		Str("job_id", job.ID).
		Str("step", string(t.step)).
		Int("attempt", attempt).
		Msg("Running step")

	started := c.now()
	artifact, stageErr := runExecutor(stepCtx, executor, job, c.logger)

	c.mu.Lock()
	delete(c.active, job.ID)
	stopping := c.stopped
	c.mu.Unlock()
	release()

	if stageErr != nil && stopping && ctx.Err() != nil {
		c.logger.Warn().
			Str("job_id", job.ID).
			Str("step", string(t.step)).
			Msg("Step interrupted by shutdown")
		return
	}

	if stageErr == nil {
		c.logger.Info().
			Str("job_id", job.ID).
			Str("step", string(t.step)).
			Dur("duration", c.now().Sub(started)).
			Msg("Step completed")
		c.advance(ctx, job.ID, t.step, artifact)
		return
	}

	c.logger.Warn().
		Str("job_id", job.ID).
		Str("step", string(t.step)).
		Int("attempt", attempt).
		Str("kind", string(stageErr.Kind)).
		Str("class", stageErr.Class.String()).
		Err(stageErr.Err).
		Msg("Step failed")

	c.handleFailure(ctx, job, t.step, attempt, settings.Policy, stageErr)
}

// advance records the artifact and readies the next step
func (c *Coordinator) advance(ctx context.Context, jobID string, step models.Step, artifact models.Artifact) {
	next, hasNext := step.Next()

	var from models.Stage
	job, err := c.store.Update(jobID, func(j *models.Job) error {
		if j.Stage != step.Stage() {
			return errStale
		}
		if err := j.Artifacts.Set(artifact); err != nil {
			return err
		}
		from = j.Stage
		if hasNext {
			j.Stage = next.Stage()
			return nil
		}
		j.Stage = models.StageCompleted
		j.Result = &models.TerminalResult{
			Status:     models.ResultCompleted,
			Summary:    j.Artifacts.Summary,
			FinishedAt: c.now(),
		}
		return nil
	})
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Str("step", string(step)).
			Msg("Discarding step result")
		return
	}

	c.publish(interfaces.EventJobStageChanged, c.jobEvent(job, from, nil))
	if hasNext {
		c.enqueue(task{jobID: jobID, step: next})
		return
	}
	c.finalize(ctx, job)
}

// handleFailure schedules a retry or fails the job
func (c *Coordinator) handleFailure(ctx context.Context, job *models.Job, step models.Step, attempt int, policy RetryPolicy, stageErr *models.StageError) {
	if stageErr.Retryable() && policy.ShouldRetry(attempt) {
		delay := policy.Delay(attempt)
		if stageErr.RetryAfter > delay {
			delay = stageErr.RetryAfter
		}

		if c.config.JobBudget > 0 && c.now().Add(delay).After(job.CreatedAt.Add(c.config.JobBudget)) {
			c.fail(ctx, job.ID, step, models.NewPermanent(models.FailureAborted,
				fmt.Errorf("%w: retry in %s would exceed it (last error: %v)", errBudgetExceeded, delay, stageErr)))
			return
		}

		c.scheduleRetry(task{jobID: job.ID, step: step}, delay)
		ev := c.jobEvent(job, "", stageErr)
		ev.Attempt = attempt
		ev.RetryIn = delay
		c.publish(interfaces.EventJobRetry, ev)
		return
	}

	c.fail(ctx, job.ID, step, stageErr)
}

// scheduleRetry re-enters the state machine after delay without holding a worker
func (c *Coordinator) scheduleRetry(t task, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if old, ok := c.retries[t.jobID]; ok {
		old.Stop()
	}
	c.retries[t.jobID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.retries, t.jobID)
		c.mu.Unlock()
		c.enqueue(t)
	})
}

// fail moves the job to Failed and, unless the failed step was the reply
// itself, sends one best-effort apology
func (c *Coordinator) fail(ctx context.Context, jobID string, step models.Step, stageErr *models.StageError) {
	if stageErr.Step == "" {
		stageErr.Step = step
	}

	var from models.Stage
	job, err := c.store.Update(jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return errStale
		}
		from = j.Stage
		j.Stage = models.StageFailed
		j.Result = &models.TerminalResult{
			Status:       models.ResultFailed,
			FailedStep:   step,
			ErrorKind:    stageErr.Kind,
			ErrorMessage: stageErr.Error(),
			FinishedAt:   c.now(),
		}
		return nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("job_id", jobID).Msg("Job already terminal, ignoring failure")
		return
	}

	ev := c.jobEvent(job, from, stageErr)
	c.publish(interfaces.EventJobStageChanged, ev)

	if step != models.StepReply && c.replier != nil && ctx.Err() == nil {
		replyCtx, cancel := context.WithTimeout(ctx, c.registry.Settings(models.StepReply).Timeout)
		replyErr := c.replier.DeliverFailure(replyCtx, job)
		cancel()

		if replyErr != nil {
			c.logger.Warn().
				Err(replyErr).
				Str("job_id", jobID).
				Str("recipient", job.Correlation.SenderID).
				Msg("Error reply could not be delivered")
		} else {
			if updated, err := c.store.Update(jobID, func(j *models.Job) error {
				j.Result.ErrorReplySent = true
				return nil
			}); err == nil {
				job = updated
			}
		}
	}

	c.finalize(ctx, job)
}

// finalize runs once per job when it becomes terminal
func (c *Coordinator) finalize(ctx context.Context, job *models.Job) {
	c.mu.Lock()
	if timer, ok := c.retries[job.ID]; ok {
		timer.Stop()
		delete(c.retries, job.ID)
	}
	c.mu.Unlock()

	if job.Workdir != "" && !c.config.KeepArtifacts {
		if err := os.RemoveAll(job.Workdir); err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to remove job workdir")
		}
	}

	if c.archive != nil {
		archiveCtx := ctx
		if archiveCtx.Err() != nil {
			archiveCtx = context.Background()
		}
		if err := c.archive.Save(archiveCtx, job); err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to archive job")
		}
	}

	if job.Stage == models.StageCompleted {
		c.logger.Info().
			Str("job_id", job.ID).
			Dur("total", job.Age(c.now())).
			Msg("Job completed")
		c.publish(interfaces.EventJobCompleted, c.jobEvent(job, "", nil))
		return
	}

	var stageErr *models.StageError
	if job.Result != nil {
		stageErr = &models.StageError{Step: job.Result.FailedStep, Kind: job.Result.ErrorKind, Err: errors.New(job.Result.ErrorMessage)}
	}
	c.publish(interfaces.EventJobFailed, c.jobEvent(job, "", stageErr))
}

// Abort fails a job that exceeded its budget. A running step is cancelled
// and reports the abort itself; a waiting job is failed here.
func (c *Coordinator) Abort(jobID string) {
	c.mu.Lock()
	if cancel, ok := c.active[jobID]; ok {
		c.mu.Unlock()
		cancel(errBudgetExceeded)
		return
	}
	if timer, ok := c.retries[jobID]; ok {
		timer.Stop()
		delete(c.retries, jobID)
	}
	kept := c.ready[:0]
	for _, t := range c.ready {
		if t.jobID != jobID {
			kept = append(kept, t)
		}
	}
	c.ready = kept
	c.mu.Unlock()

	job, err := c.store.Get(jobID)
	if err != nil || job.IsTerminal() {
		return
	}
	step, ok := job.Stage.Step()
	if !ok {
		step = models.StepDownload
	}

	ctx := c.pool.Context()
	common.SafeGo(c.logger, "abort:"+jobID, func() {
		c.fail(ctx, jobID, step, models.NewPermanent(models.FailureAborted, errBudgetExceeded))
	})
}

// SweepBudgets aborts every live job older than the budget
func (c *Coordinator) SweepBudgets() int {
	if c.config.JobBudget <= 0 {
		return 0
	}
	aborted := 0
	for _, job := range c.store.List() {
		if job.IsTerminal() || !c.overBudget(job) {
			continue
		}
		c.logger.Warn().
			Str("job_id", job.ID).
			Str("stage", string(job.Stage)).
			Dur("age", job.Age(c.now())).
			Msg("Job exceeded its budget, aborting")
		c.Abort(job.ID)
		aborted++
	}
	return aborted
}

// SweepRetention removes terminal jobs whose retention window has elapsed
func (c *Coordinator) SweepRetention() int {
	removed := 0
	cutoff := c.now().Add(-c.config.Retention)
	for _, job := range c.store.List() {
		if !job.IsTerminal() || job.Result == nil || job.Result.FinishedAt.After(cutoff) {
			continue
		}
		if err := c.store.Remove(job.ID); err != nil {
			continue
		}
		if c.replier != nil {
			c.replier.Forget(job.ID)
		}
		removed++
	}
	return removed
}

// Sweep runs every periodic maintenance task
func (c *Coordinator) Sweep() {
	aborted := c.SweepBudgets()
	removed := c.SweepRetention()
	pruned := c.dedup.Prune()

	if aborted+removed+pruned > 0 {
		c.logger.Debug().
			Int("aborted", aborted).
			Int("removed", removed).
			Int("dedup_pruned", pruned).
			Msg("Pipeline sweep")
	}
}

// Stats is a point in time view of the coordinator
type Stats struct {
	Jobs         int                 `json:"jobs"`
	Ready        map[models.Step]int `json:"ready"`
	Running      map[models.Step]int `json:"running"`
	HeavyRunning int                 `json:"heavy_running"`
	MaxHeavyJobs int                 `json:"max_heavy_jobs"`
	RetryWaiting int                 `json:"retry_waiting"`
	Workers      int                 `json:"workers"`
	BusyWorkers  int                 `json:"busy_workers"`
	TasksDone    int64               `json:"tasks_done"`
}

// Stats returns current queue and concurrency counters
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Jobs:         c.store.Len(),
		Ready:        make(map[models.Step]int),
		Running:      make(map[models.Step]int),
		HeavyRunning: c.heavy,
		MaxHeavyJobs: c.config.MaxHeavyJobs,
		RetryWaiting: len(c.retries),
		Workers:      c.pool.Size(),
	}
	counters := c.pool.Counters()
	stats.BusyWorkers = counters.Busy
	stats.TasksDone = counters.Completed
	for _, t := range c.ready {
		stats.Ready[t.step]++
	}
	for step, n := range c.running {
		if n > 0 {
			stats.Running[step] = n
		}
	}
	return stats
}

// Store exposes the job store for read access
func (c *Coordinator) Store() *JobStore {
	return c.store
}

func (c *Coordinator) jobEvent(job *models.Job, from models.Stage, stageErr *models.StageError) models.JobEvent {
	ev := models.JobEvent{
		JobID:     job.ID,
		SenderID:  job.Correlation.SenderID,
		URL:       job.Link.URL,
		Platform:  job.Link.Platform,
		From:      from,
		Stage:     job.Stage,
		Timestamp: c.now(),
	}
	if stageErr != nil {
		ev.Step = stageErr.Step
		ev.Kind = stageErr.Kind
		ev.Error = stageErr.Error()
	}
	return ev
}

func (c *Coordinator) publish(eventType interfaces.EventType, payload models.JobEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(c.ctx, interfaces.Event{Type: eventType, Job: payload}); err != nil {
		c.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Event publish failed")
	}
}
