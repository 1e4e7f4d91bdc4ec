// -----------------------------------------------------------------------
// Job Store - owned, in-memory job records with per-job atomic updates
// -----------------------------------------------------------------------

package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

var (
	// ErrJobNotFound is returned for ids the store does not hold
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when an update would regress a job
	ErrInvalidTransition = errors.New("invalid job transition")
)

type jobEntry struct {
	mu  sync.Mutex
	job *models.Job
}

// JobStore holds every live job. The index lock is only held for lookups;
// each job has its own lock so updates to different jobs never contend.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*jobEntry
	now   func() time.Time
	newID func() string
}

// NewJobStore creates an empty job store
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]*jobEntry),
		now:   time.Now,
		newID: common.NewJobID,
	}
}

// Create registers a new job in the Detected stage and returns its id
func (s *JobStore) Create(link models.SourceLink, correlation models.Correlation) (string, error) {
	if link.URL == "" {
		return "", fmt.Errorf("link url is required")
	}
	if !link.Platform.IsValid() {
		return "", fmt.Errorf("unsupported platform %q", link.Platform)
	}
	if correlation.SenderID == "" {
		return "", fmt.Errorf("correlation sender is required")
	}

	id := s.newID()
	job := models.NewJob(id, link, correlation, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return "", fmt.Errorf("job %s already exists", id)
	}
	s.jobs[id] = &jobEntry{job: job}
	return id, nil
}

func (s *JobStore) entry(id string) (*jobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the job
func (s *JobStore) Get(id string) (*models.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies mutate to a copy of the job and stores the copy if
// mutate succeeds and the result is a legal transition. Readers never
// observe a partially applied mutation.
func (s *JobStore) Update(id string, mutate func(job *models.Job) error) (*models.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.job.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkTransition(e.job, next); err != nil {
		return nil, err
	}

	next.UpdatedAt = s.now()
	e.job = next
	return next.Clone(), nil
}

// checkTransition enforces the job invariants between two versions
func checkTransition(prev, next *models.Job) error {
	if next.ID != prev.ID {
		return fmt.Errorf("%w: id changed", ErrInvalidTransition)
	}
	if next.Correlation != prev.Correlation {
		return fmt.Errorf("%w: correlation is immutable", ErrInvalidTransition)
	}
	if next.Link != prev.Link {
		return fmt.Errorf("%w: link is immutable", ErrInvalidTransition)
	}
	if !prev.Stage.CanTransition(next.Stage) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Stage, next.Stage)
	}
	for _, step := range prev.Artifacts.Steps() {
		if !next.Artifacts.Has(step) {
			return fmt.Errorf("%w: artifact for %s removed", ErrInvalidTransition, step)
		}
	}
	if prev.Artifacts.Media != nil && next.Artifacts.Media != prev.Artifacts.Media ||
		prev.Artifacts.Extraction != nil && next.Artifacts.Extraction != prev.Artifacts.Extraction ||
		prev.Artifacts.Transcript != nil && next.Artifacts.Transcript != prev.Artifacts.Transcript ||
		prev.Artifacts.Summary != nil && next.Artifacts.Summary != prev.Artifacts.Summary ||
		prev.Artifacts.Delivery != nil && next.Artifacts.Delivery != prev.Artifacts.Delivery {
		return fmt.Errorf("%w: artifacts are write-once", ErrInvalidTransition)
	}
	if next.Stage.IsTerminal() && next.Result == nil {
		return fmt.Errorf("%w: terminal job without result", ErrInvalidTransition)
	}
	return nil
}

// Remove deletes a job from the store
func (s *JobStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

// List returns copies of all jobs, oldest first
func (s *JobStore) List() []*models.Job {
	s.mu.RLock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Len returns the number of jobs held
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
