package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
)

// ErrJobNotArchived is returned by Get for unknown ids
var ErrJobNotArchived = errors.New("job not found in archive")

const defaultListLimit = 50

// archivedJob is the stored form. Query fields are lifted out of the job;
// the job itself is kept as JSON so the archive survives model changes.
type archivedJob struct {
	ID         string
	SenderID   string `badgerholdIndex:"SenderID"`
	Platform   string
	Stage      string
	FinishedAt time.Time
	Data       []byte
}

// JobArchive implements interfaces.JobArchive on badgerhold
type JobArchive struct {
	db     *BadgerDB
	logger arbor.ILogger
}

var _ interfaces.JobArchive = (*JobArchive)(nil)

// NewJobArchive creates an archive on an open database
func NewJobArchive(db *BadgerDB, logger arbor.ILogger) *JobArchive {
	return &JobArchive{
		db:     db,
		logger: logger,
	}
}

func (a *JobArchive) Save(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	finished := job.UpdatedAt
	if job.Result != nil && !job.Result.FinishedAt.IsZero() {
		finished = job.Result.FinishedAt
	}

	record := &archivedJob{
		ID:         job.ID,
		SenderID:   job.Correlation.SenderID,
		Platform:   string(job.Link.Platform),
		Stage:      string(job.Stage),
		FinishedAt: finished,
		Data:       data,
	}
	if err := a.db.Store().Upsert(job.ID, record); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	a.logger.Debug().Str("job_id", job.ID).Str("stage", record.Stage).Msg("Job archived")
	return nil
}

func (a *JobArchive) Get(ctx context.Context, id string) (*models.Job, error) {
	var record archivedJob
	if err := a.db.Store().Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotArchived, id)
		}
		return nil, fmt.Errorf("failed to get archived job: %w", err)
	}
	return record.job()
}

func (a *JobArchive) ListRecent(ctx context.Context, limit int) ([]*models.Job, error) {
	return a.find(badgerhold.Where("ID").Ne(""), limit)
}

func (a *JobArchive) ListBySender(ctx context.Context, senderID string, limit int) ([]*models.Job, error) {
	return a.find(badgerhold.Where("SenderID").Eq(senderID).Index("SenderID"), limit)
}

// find returns matches newest first
func (a *JobArchive) find(query *badgerhold.Query, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var records []archivedJob
	if err := a.db.Store().Find(&records, query.SortBy("FinishedAt").Reverse().Limit(limit)); err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(records))
	for i := range records {
		job, err := records[i].job()
		if err != nil {
			a.logger.Warn().Err(err).Str("job_id", records[i].ID).Msg("Skipping unreadable archive record")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Prune deletes records that finished before the cutoff
func (a *JobArchive) Prune(ctx context.Context, before time.Time) (int, error) {
	query := badgerhold.Where("FinishedAt").Lt(before)

	count, err := a.db.Store().Count(&archivedJob{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired jobs: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := a.db.Store().DeleteMatching(&archivedJob{}, badgerhold.Where("FinishedAt").Lt(before)); err != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", err)
	}

	rewritten, err := a.db.CollectGarbage()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Archive value log GC failed")
	}

	a.logger.Info().
		Int("removed", int(count)).
		Int("vlog_rewritten", rewritten).
		Str("before", before.Format(time.RFC3339)).
		Msg("Archive pruned")
	return int(count), nil
}

// Close closes the underlying database
func (a *JobArchive) Close() error {
	return a.db.Close()
}

func (r *archivedJob) job() (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(r.Data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode archived job %s: %w", r.ID, err)
	}
	return &job, nil
}
