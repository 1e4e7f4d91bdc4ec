// -----------------------------------------------------------------------
// Job - one link travelling through the summarization pipeline
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// Platform identifies the short-video service a link belongs to.
// The set is closed: adding a platform means adding a detector pattern
// and (optionally) platform specific executors.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
)

// IsValid checks if the Platform is a supported platform
func (p Platform) IsValid() bool {
	switch p {
	case PlatformTikTok, PlatformInstagram:
		return true
	}
	return false
}

func (p Platform) String() string {
	return string(p)
}

// SourceLink is a detected video link
type SourceLink struct {
	URL      string   `json:"url"`
	Platform Platform `json:"platform"`
}

// Correlation ties a job back to the inbound message that created it.
// It is set once at creation and never changes.
type Correlation struct {
	SenderID  string `json:"sender_id"`             // Address replies are delivered to
	MessageID string `json:"message_id"`            // Transport id of the inbound message (signal uses the send timestamp)
	Text      string `json:"text,omitempty"`        // Original message text, used when quoting
	GroupID   string `json:"group_id,omitempty"`    // Group the message arrived in, empty for direct messages
	Received  int64  `json:"received_ms,omitempty"` // Unix millis the listener saw the message
}

// Job is the unit of work: one link, one reply.
type Job struct {
	ID          string       `json:"id"`
	Link        SourceLink   `json:"link"`
	Correlation Correlation  `json:"correlation"`
	Stage       Stage        `json:"stage"`
	Attempts    map[Step]int `json:"attempts"`
	Artifacts   Artifacts    `json:"artifacts"`
	Workdir     string       `json:"workdir,omitempty"` // Per-job scratch directory for media files

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Result *TerminalResult `json:"result,omitempty"` // nil until the job reaches Completed or Failed
}

// NewJob creates a job in the Detected stage
func NewJob(id string, link SourceLink, correlation Correlation, now time.Time) *Job {
	return &Job{
		ID:          id,
		Link:        link,
		Correlation: correlation,
		Stage:       StageDetected,
		Attempts:    make(map[Step]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy that shares no mutable state with j.
// Artifacts are immutable once recorded so their pointers are shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Attempts = make(map[Step]int, len(j.Attempts))
	for k, v := range j.Attempts {
		c.Attempts[k] = v
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

// IsTerminal reports whether the job has reached Completed or Failed
func (j *Job) IsTerminal() bool {
	return j.Stage.IsTerminal()
}

// Age returns how long the job has existed
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// ResultStatus is the outcome recorded on a terminal job
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// TerminalResult is either the summary payload or an error description
type TerminalResult struct {
	Status  ResultStatus     `json:"status"`
	Summary *SummaryArtifact `json:"summary,omitempty"`

	FailedStep   Step        `json:"failed_step,omitempty"`
	ErrorKind    FailureKind `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`

	// ErrorReplySent records whether the best-effort error reply reached the sender.
	// Only meaningful for failures before the Reply step.
	ErrorReplySent bool `json:"error_reply_sent,omitempty"`

	FinishedAt time.Time `json:"finished_at"`
}

// FailureKind names why a step failed
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureRateLimited     FailureKind = "rate_limited"
	FailureToolUnavailable FailureKind = "tool_unavailable"
	FailureTransport       FailureKind = "transport"
	FailureNotFound        FailureKind = "not_found"
	FailureUnsupported     FailureKind = "unsupported"
	FailureModelError      FailureKind = "model_error"
	FailureMalformedOutput FailureKind = "malformed_output"
	FailureDeliveryFailed  FailureKind = "delivery_failed"
	FailureAborted         FailureKind = "aborted"
	FailureInternal        FailureKind = "internal"
)

func (k FailureKind) String() string {
	return string(k)
}
