package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/brainrot/internal/models"
)

// Messenger is the messaging transport the bot listens and replies on
type Messenger interface {
	// Receive starts the inbound stream. The channel is closed when ctx is
	// cancelled or the transport stops.
	Receive(ctx context.Context) (<-chan models.InboundMessage, error)

	// Send delivers one message. Failures are returned as *models.DeliveryError.
	Send(ctx context.Context, msg models.OutboundMessage) (models.DeliveryReceipt, error)

	// Close releases the transport
	Close() error
}

// Downloader fetches the video behind a link into dir
type Downloader interface {
	Download(ctx context.Context, link models.SourceLink, dir string) (*models.MediaArtifact, error)
}

// Extractor samples frames and flattens subtitles from downloaded media
type Extractor interface {
	Extract(ctx context.Context, media *models.MediaArtifact, dir string) (*models.ExtractionArtifact, error)
}

// Transcriber turns the audio track of downloaded media into text
type Transcriber interface {
	Transcribe(ctx context.Context, media *models.MediaArtifact, dir string) (*models.TranscriptArtifact, error)
}

// SummaryInput is everything the summarizer sees about one video
type SummaryInput struct {
	Link       models.SourceLink
	Media      *models.MediaArtifact
	Extraction *models.ExtractionArtifact
	Transcript *models.TranscriptArtifact
}

// Summarizer produces the narrative, sentiment and brainrot rating
type Summarizer interface {
	Summarize(ctx context.Context, input SummaryInput) (*models.SummaryArtifact, error)
}

// JobArchive keeps terminal job records for inspection after they leave the job store
type JobArchive interface {
	Save(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Job, error)
	ListBySender(ctx context.Context, senderID string, limit int) ([]*models.Job, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
