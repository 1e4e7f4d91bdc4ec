package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate caches struct metadata, so one instance is shared
var validate = validator.New()

// Artifact is the output of one step
type Artifact interface {
	Step() Step
}

// MediaArtifact is the Download output
type MediaArtifact struct {
	VideoPath       string   `json:"video_path"`
	SubtitlePaths   []string `json:"subtitle_paths,omitempty"` // VTT tracks written by the downloader
	InfoPath        string   `json:"info_path,omitempty"`      // yt-dlp info json
	Title           string   `json:"title,omitempty"`
	Uploader        string   `json:"uploader,omitempty"`
	Description     string   `json:"description,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
}

func (MediaArtifact) Step() Step { return StepDownload }

// ExtractionArtifact is the Extract output
type ExtractionArtifact struct {
	FramePaths   []string `json:"frame_paths"`
	SubtitleText string   `json:"subtitle_text,omitempty"`
}

func (ExtractionArtifact) Step() Step { return StepExtract }

// TranscriptSegment is one timed span of speech
type TranscriptSegment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// TranscriptArtifact is the Transcribe output. Text is empty for videos
// without speech.
type TranscriptArtifact struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
	Language string              `json:"language,omitempty"`
}

func (TranscriptArtifact) Step() Step { return StepTranscribe }

// SummaryArtifact is the Summarize output
type SummaryArtifact struct {
	Narrative     string `json:"narrative" validate:"required"`
	VisibleText   string `json:"visible_text,omitempty"`
	Sentiment     string `json:"sentiment" validate:"required"`
	BrainrotLevel int    `json:"brainrot_level" validate:"min=1,max=10"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
}

func (SummaryArtifact) Step() Step { return StepSummarize }

// Validate checks the summary using go-playground/validator tags.
// A brainrot level outside 1..10 or an empty narrative is rejected.
func (s *SummaryArtifact) Validate() error {
	return validate.Struct(s)
}

// DeliveryArtifact is the Reply output
type DeliveryArtifact struct {
	ReceiptID   string    `json:"receipt_id,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

func (DeliveryArtifact) Step() Step { return StepReply }

// Artifacts holds the per-step outputs of a job. A field is set iff that
// step completed successfully and it is never overwritten.
type Artifacts struct {
	Media      *MediaArtifact      `json:"media,omitempty"`
	Extraction *ExtractionArtifact `json:"extraction,omitempty"`
	Transcript *TranscriptArtifact `json:"transcript,omitempty"`
	Summary    *SummaryArtifact    `json:"summary,omitempty"`
	Delivery   *DeliveryArtifact   `json:"delivery,omitempty"`
}

// Has reports whether the artifact for step has been recorded
func (a *Artifacts) Has(step Step) bool {
	switch step {
	case StepDownload:
		return a.Media != nil
	case StepExtract:
		return a.Extraction != nil
	case StepTranscribe:
		return a.Transcript != nil
	case StepSummarize:
		return a.Summary != nil
	case StepReply:
		return a.Delivery != nil
	}
	return false
}

// Set records an artifact. Recording a step twice is an error.
func (a *Artifacts) Set(artifact Artifact) error {
	if artifact == nil {
		return fmt.Errorf("nil artifact")
	}
	step := artifact.Step()
	if a.Has(step) {
		return fmt.Errorf("artifact for step %s already recorded", step)
	}

	switch v := artifact.(type) {
	case *MediaArtifact:
		a.Media = v
	case MediaArtifact:
		a.Media = &v
	case *ExtractionArtifact:
		a.Extraction = v
	case ExtractionArtifact:
		a.Extraction = &v
	case *TranscriptArtifact:
		a.Transcript = v
	case TranscriptArtifact:
		a.Transcript = &v
	case *SummaryArtifact:
		a.Summary = v
	case SummaryArtifact:
		a.Summary = &v
	case *DeliveryArtifact:
		a.Delivery = v
	case DeliveryArtifact:
		a.Delivery = &v
	default:
		return fmt.Errorf("unknown artifact type %T", artifact)
	}
	return nil
}

// Steps returns the steps with recorded artifacts, in execution order
func (a *Artifacts) Steps() []Step {
	var steps []Step
	for _, s := range AllSteps() {
		if a.Has(s) {
			steps = append(steps, s)
		}
	}
	return steps
}
