package models

import "time"

// JobEvent is the payload published for job lifecycle events
type JobEvent struct {
	JobID     string        `json:"job_id"`
	SenderID  string        `json:"sender_id"`
	URL       string        `json:"url"`
	Platform  Platform      `json:"platform"`
	From      Stage         `json:"from,omitempty"`
	Stage     Stage         `json:"stage"`
	Step      Step          `json:"step,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Kind      FailureKind   `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	RetryIn   time.Duration `json:"retry_in,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
