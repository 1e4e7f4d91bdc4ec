package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
)

// ErrUnknownJob is returned for names that were never registered
var ErrUnknownJob = errors.New("unknown maintenance job")

// Job is a periodic maintenance task
type Job struct {
	Name        string
	Schedule    string // standard cron spec or @every descriptor
	Description string
	Timeout     time.Duration // per run, zero for none
	Run         func(ctx context.Context) error
}

// JobStatus is a snapshot of one job for the status endpoint
type JobStatus struct {
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Description  string     `json:"description"`
	Running      bool       `json:"running"`
	Runs         int        `json:"runs"`
	Failures     int        `json:"failures"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
}

type entry struct {
	job     Job
	cronID  cron.EntryID
	running bool
	status  JobStatus
}

// Service runs the bot's maintenance jobs (budget sweeps, retention,
// archive pruning) on cron schedules. A job never overlaps itself: a tick
// that fires while the previous run is still going is skipped.
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger

	// ctx is the parent of every run and is cancelled by Stop
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	runs    sync.WaitGroup
}

// NewService creates a stopped scheduler
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:    cron.New(cron.WithLogger(cronLogger{logger})),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Register validates job's schedule and adds it
func (s *Service) Register(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run func", job.Name)
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %s has no schedule", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(name) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, name, err)
	}

	s.entries[name] = &entry{
		job:    job,
		cronID: id,
		status: JobStatus{Name: name, Schedule: job.Schedule, Description: job.Description},
	}
	s.logger.Info().
		Str("job", name).
		Str("schedule", job.Schedule).
		Msg("Maintenance job registered")
	return nil
}

// Start begins firing schedules
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.cron.Start()
	s.logger.Debug().Int("jobs", len(s.entries)).Msg("Scheduler started")
	return nil
}

// Stop halts the schedule, cancels running jobs and waits for them until
// ctx expires
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	s.cancel()

	idle := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.runs.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		s.logger.Debug().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Trigger runs a job immediately and waits for it
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.run(name)
	return nil
}

func (s *Service) run(name string) {
	s.mu.Lock()
	e := s.entries[name]
	if e.running {
		s.mu.Unlock()
		s.logger.Debug().Str("job", name).Msg("Previous run still going, skipping tick")
		return
	}
	e.running = true
	job := e.job
	s.runs.Add(1)
	s.mu.Unlock()
	defer s.runs.Done()

	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	start := time.Now()
	err := runJob(ctx, s.logger, job)
	cancel()
	elapsed := time.Since(start)

	s.mu.Lock()
	e.running = false
	e.status.Runs++
	e.status.LastRun = &start
	e.status.LastDuration = elapsed.Round(time.Millisecond).String()
	e.status.LastError = ""
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", name).Dur("elapsed", elapsed).Msg("Maintenance job failed")
		return
	}
	s.logger.Debug().Str("job", name).Dur("elapsed", elapsed).Msg("Maintenance job finished")
}

func runJob(ctx context.Context, logger arbor.ILogger, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.RecoverPanic(logger, "maintenance:"+job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// Status returns one job's status
func (s *Service) Status(name string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.snapshot(e), nil
}

// Statuses returns every job sorted by name
func (s *Service) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// snapshot must be called with s.mu held
func (s *Service) snapshot(e *entry) JobStatus {
	status := e.status
	status.Running = e.running
	if e.status.LastRun != nil {
		last := *e.status.LastRun
		status.LastRun = &last
	}
	if s.started {
		if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}
