package events

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/interfaces"
)

// SubscribeJobLogger logs every job lifecycle event
func SubscribeJobLogger(svc interfaces.EventService, logger arbor.ILogger) error {
	_, err := svc.Subscribe(func(ctx context.Context, event interfaces.Event) error {
		job := event.Job

		switch event.Type {
		case interfaces.EventJobFailed:
			logger.Warn().
				Str("job_id", job.JobID).
				Str("step", string(job.Step)).
				Str("kind", string(job.Kind)).
				Str("error", job.Error).
				Msg("Job failed")
		case interfaces.EventJobRetry:
			logger.Info().
				Str("job_id", job.JobID).
				Str("step", string(job.Step)).
				Int("attempt", job.Attempt).
				Dur("retry_in", job.RetryIn).
				Str("kind", string(job.Kind)).
				Msg("Step retry scheduled")
		case interfaces.EventJobCompleted:
			logger.Info().
				Str("job_id", job.JobID).
				Str("platform", string(job.Platform)).
				Msg("Job completed")
		default:
			logger.Debug().
				Str("event_type", string(event.Type)).
				Str("job_id", job.JobID).
				Str("from", string(job.From)).
				Str("stage", string(job.Stage)).
				Msg("Job event")
		}
		return nil
	})
	return err
}
