package interfaces

import (
	"context"

	"github.com/ternarybob/brainrot/internal/models"
)

// EventType names a point in a job's lifecycle
type EventType string

const (
	EventJobCreated       EventType = "job_created"
	EventJobStageChanged  EventType = "job_stage_changed"
	EventJobRetry         EventType = "job_retry_scheduled"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventLinkDeduplicated EventType = "link_deduplicated"
)

// Event is one lifecycle notification for a job
type Event struct {
	Type EventType
	Job  models.JobEvent
}

// EventHandler receives events it subscribed to
type EventHandler func(ctx context.Context, event Event) error

// EventService fans job events out to in-process subscribers
type EventService interface {
	// Subscribe registers handler for the listed types, or for every type
	// when none are listed. Calling the returned func removes it again.
	Subscribe(handler EventHandler, types ...EventType) (func(), error)

	// Publish delivers event to every matching handler, in subscription
	// order, and returns once all of them have run
	Publish(ctx context.Context, event Event) error

	Close() error
}
