package models

import (
	"errors"
	"fmt"
	"time"
)

// FailureClass decides whether a failed step may be retried
type FailureClass int

const (
	ClassTransient FailureClass = iota
	ClassPermanent
)

func (c FailureClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// StageError is the typed failure every step reports. Collaborator
// adapters return it directly; anything else is classified by the pipeline.
type StageError struct {
	Step       Step
	Kind       FailureKind
	Class      FailureClass
	Err        error
	RetryAfter time.Duration // Collaborator supplied hint, zero when unknown
}

func (e *StageError) Error() string {
	prefix := string(e.Kind)
	if e.Step != "" {
		prefix = string(e.Step) + ": " + prefix
	}
	if e.Err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class permits another attempt
func (e *StageError) Retryable() bool {
	return e.Class == ClassTransient
}

// NewTransient builds a retryable failure
func NewTransient(kind FailureKind, err error) *StageError {
	return &StageError{Kind: kind, Class: ClassTransient, Err: err}
}

// NewPermanent builds a non-retryable failure
func NewPermanent(kind FailureKind, err error) *StageError {
	return &StageError{Kind: kind, Class: ClassPermanent, Err: err}
}

// WithRetryAfter attaches a retry delay hint
func (e *StageError) WithRetryAfter(d time.Duration) *StageError {
	e.RetryAfter = d
	return e
}

// AsStageError extracts a *StageError from err's chain
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
