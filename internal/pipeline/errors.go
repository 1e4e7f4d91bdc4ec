package pipeline

import (
	"context"
	"errors"
	"os/exec"

	"github.com/ternarybob/brainrot/internal/models"
)

var (
	// ErrDuplicateLink is returned by Intake when the link was seen inside the dedup window
	ErrDuplicateLink = errors.New("duplicate link")
	// ErrStopped is returned by Intake after the coordinator has stopped
	ErrStopped = errors.New("coordinator stopped")
	// errBudgetExceeded is the cancellation cause for jobs past their wall-clock budget
	errBudgetExceeded = errors.New("job wall-clock budget exceeded")
)

// Classify converts any error returned by a step into a *models.StageError.
// It is the only place raw errors are interpreted.
func Classify(step models.Step, err error) *models.StageError {
	if err == nil {
		return nil
	}

	var se *models.StageError
	switch {
	case errors.Is(err, errBudgetExceeded):
		se = models.NewPermanent(models.FailureAborted, err)

	case errors.As(err, &se):
		classified := *se
		if classified.Step == "" {
			classified.Step = step
		}
		return &classified

	case errors.Is(err, context.DeadlineExceeded):
		se = models.NewTransient(models.FailureTimeout, err)

	case errors.Is(err, context.Canceled):
		se = models.NewPermanent(models.FailureAborted, err)

	case errors.Is(err, exec.ErrNotFound):
		se = models.NewPermanent(models.FailureToolUnavailable, err)

	default:
		var de *models.DeliveryError
		if errors.As(err, &de) {
			if de.Permanent() {
				se = models.NewPermanent(models.FailureDeliveryFailed, err)
			} else {
				se = models.NewTransient(models.FailureDeliveryFailed, err)
			}
		} else {
			// Unknown failures are retried within the step's bound
			se = models.NewTransient(models.FailureInternal, err)
		}
	}

	se.Step = step
	return se
}
