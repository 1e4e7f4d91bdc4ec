package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
)

// DownloadStage fetches the video into the job's working directory
type DownloadStage struct {
	downloader interfaces.Downloader
}

func NewDownloadStage(downloader interfaces.Downloader) *DownloadStage {
	return &DownloadStage{downloader: downloader}
}

func (s *DownloadStage) Step() models.Step { return models.StepDownload }

func (s *DownloadStage) Run(ctx context.Context, job *models.Job) (models.Artifact, error) {
	if job.Workdir != "" {
		if err := os.MkdirAll(job.Workdir, 0755); err != nil {
			return nil, models.NewTransient(models.FailureInternal, fmt.Errorf("failed to create workdir: %w", err))
		}
	}
	media, err := s.downloader.Download(ctx, job.Link, job.Workdir)
	if err != nil {
		return nil, err
	}
	if media == nil {
		return nil, errNoOutput("downloader")
	}
	return media, nil
}

// ExtractStage samples frames and reads subtitles from the downloaded media
type ExtractStage struct {
	extractor interfaces.Extractor
}

func NewExtractStage(extractor interfaces.Extractor) *ExtractStage {
	return &ExtractStage{extractor: extractor}
}

func (s *ExtractStage) Step() models.Step { return models.StepExtract }

func (s *ExtractStage) Run(ctx context.Context, job *models.Job) (models.Artifact, error) {
	if job.Artifacts.Media == nil {
		return nil, models.NewPermanent(models.FailureInternal, fmt.Errorf("extract requires downloaded media"))
	}
	extraction, err := s.extractor.Extract(ctx, job.Artifacts.Media, job.Workdir)
	if err != nil {
		return nil, err
	}
	if extraction == nil {
		return nil, errNoOutput("extractor")
	}
	return extraction, nil
}

// TranscribeStage converts the audio track to text
type TranscribeStage struct {
	transcriber interfaces.Transcriber
}

func NewTranscribeStage(transcriber interfaces.Transcriber) *TranscribeStage {
	return &TranscribeStage{transcriber: transcriber}
}

func (s *TranscribeStage) Step() models.Step { return models.StepTranscribe }

func (s *TranscribeStage) Run(ctx context.Context, job *models.Job) (models.Artifact, error) {
	if job.Artifacts.Media == nil {
		return nil, models.NewPermanent(models.FailureInternal, fmt.Errorf("transcribe requires downloaded media"))
	}
	transcript, err := s.transcriber.Transcribe(ctx, job.Artifacts.Media, job.Workdir)
	if err != nil {
		return nil, err
	}
	if transcript == nil {
		return nil, errNoOutput("transcriber")
	}
	return transcript, nil
}

// SummarizeStage asks the model for the narrative and brainrot rating
type SummarizeStage struct {
	summarizer interfaces.Summarizer
}

func NewSummarizeStage(summarizer interfaces.Summarizer) *SummarizeStage {
	return &SummarizeStage{summarizer: summarizer}
}

func (s *SummarizeStage) Step() models.Step { return models.StepSummarize }

func (s *SummarizeStage) Run(ctx context.Context, job *models.Job) (models.Artifact, error) {
	summary, err := s.summarizer.Summarize(ctx, interfaces.SummaryInput{
		Link:       job.Link,
		Media:      job.Artifacts.Media,
		Extraction: job.Artifacts.Extraction,
		Transcript: job.Artifacts.Transcript,
	})
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, errNoOutput("summarizer")
	}
	if err := summary.Validate(); err != nil {
		return nil, models.NewTransient(models.FailureMalformedOutput, fmt.Errorf("summary failed validation: %w", err))
	}
	return summary, nil
}

// ReplyStage delivers the summary to the sender
type ReplyStage struct {
	dispatcher *Dispatcher
}

func NewReplyStage(dispatcher *Dispatcher) *ReplyStage {
	return &ReplyStage{dispatcher: dispatcher}
}

func (s *ReplyStage) Step() models.Step { return models.StepReply }

func (s *ReplyStage) Run(ctx context.Context, job *models.Job) (models.Artifact, error) {
	delivery, err := s.dispatcher.Deliver(ctx, job)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, errNoOutput("dispatcher")
	}
	return delivery, nil
}

func errNoOutput(collaborator string) error {
	return models.NewTransient(models.FailureInternal, fmt.Errorf("%s returned no output", collaborator))
}
