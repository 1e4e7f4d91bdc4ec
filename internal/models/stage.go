package models

// Step is one unit of work in the pipeline. Steps always run in the
// order returned by AllSteps.
type Step string

const (
	StepDownload   Step = "download"
	StepExtract    Step = "extract"
	StepTranscribe Step = "transcribe"
	StepSummarize  Step = "summarize"
	StepReply      Step = "reply"
)

// AllSteps returns the steps in execution order
func AllSteps() []Step {
	return []Step{
		StepDownload,
		StepExtract,
		StepTranscribe,
		StepSummarize,
		StepReply,
	}
}

// IsValid checks if the Step is a known step
func (s Step) IsValid() bool {
	switch s {
	case StepDownload, StepExtract, StepTranscribe, StepSummarize, StepReply:
		return true
	}
	return false
}

func (s Step) String() string {
	return string(s)
}

// Next returns the step that follows s, or false if s is the last step
func (s Step) Next() (Step, bool) {
	switch s {
	case StepDownload:
		return StepExtract, true
	case StepExtract:
		return StepTranscribe, true
	case StepTranscribe:
		return StepSummarize, true
	case StepSummarize:
		return StepReply, true
	}
	return "", false
}

// Stage returns the stage a job is in while s is running
func (s Step) Stage() Stage {
	switch s {
	case StepDownload:
		return StageDownloading
	case StepExtract:
		return StageExtracting
	case StepTranscribe:
		return StageTranscribing
	case StepSummarize:
		return StageSummarizing
	case StepReply:
		return StageReplying
	}
	return ""
}

// IsHeavy reports whether s counts against the global heavy-step cap.
// Every step except Reply shells out to media tooling or a model.
func (s Step) IsHeavy() bool {
	return s != StepReply && s.IsValid()
}

// Stage is the position of a job in the pipeline state machine
type Stage string

const (
	StageDetected     Stage = "detected"
	StageDownloading  Stage = "downloading"
	StageExtracting   Stage = "extracting"
	StageTranscribing Stage = "transcribing"
	StageSummarizing  Stage = "summarizing"
	StageReplying     Stage = "replying"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageDetected:     0,
	StageDownloading:  1,
	StageExtracting:   2,
	StageTranscribing: 3,
	StageSummarizing:  4,
	StageReplying:     5,
	StageCompleted:    6,
	StageFailed:       6,
}

// IsValid checks if the Stage is a known stage
func (s Stage) IsValid() bool {
	_, ok := stageOrder[s]
	return ok
}

func (s Stage) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Step returns the step running while a job is in s
func (s Stage) Step() (Step, bool) {
	for _, step := range AllSteps() {
		if step.Stage() == s {
			return step, true
		}
	}
	return "", false
}

// CanTransition reports whether a job may move from s to next.
// Stages only move forward; any non-terminal stage may fail; terminal stages are final.
func (s Stage) CanTransition(next Stage) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	if !ok {
		return false
	}
	return to > from
}
