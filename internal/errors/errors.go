package errors

import (
	"errors"
	"fmt"
)

// ===== COMMON PIPELINE ERRORS =====

var (
	// Generic errors
	ErrConflict = errors.New("resource conflict")

	// Batch errors
	ErrEmptyBatch = errors.New("batch contains no questions")

	// Engine errors
	ErrEngineUnavailable = errors.New("grading engine unavailable")
	ErrMalformedResponse = errors.New("malformed grading response")
	ErrChunkTimeout      = errors.New("grading chunk timed out")

	// Cache errors
	ErrCacheCorrupt = errors.New("cache entry corrupt")

	// Job errors
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrNoPendingJobs     = errors.New("no pending jobs")
	ErrQueueClosed       = errors.New("queue is closed")
	ErrJobNotCompleted   = errors.New("job has no results yet")
	ErrNoSubscriptions   = errors.New("job subscriptions are not enabled")
)

// ===== CUSTOM ERROR TYPES =====

// EngineError wraps a failure raised by a grading engine for one chunk.
type EngineError struct {
	Engine string `json:"engine"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s engine failed (%s): %v", e.Engine, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s engine failed (%s)", e.Engine, e.Reason)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new engine error
func NewEngineError(engine, reason string, err error) *EngineError {
	return &EngineError{Engine: engine, Reason: reason, Err: err}
}

// TransitionError records a rejected job state change.
type TransitionError struct {
	JobID  string `json:"job_id"`
	From   string `json:"from"`
	Action string `json:"action"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Action, e.JobID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewTransitionError creates a new transition error
func NewTransitionError(jobID, from, action string) *TransitionError {
	return &TransitionError{JobID: jobID, From: from, Action: action}
}

// ===== ERROR HELPERS =====

// IsNotFound checks if error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsValidation checks if error represents a validation failure
func IsValidation(err error) bool {
	if errors.Is(err, ErrEmptyBatch) {
		return true
	}
	var ve ValidationErrors
	return errors.As(err, &ve)
}

// IsConflict checks if error represents a resource conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrJobNotCompleted)
}

// IsEngineFailure checks if error came from a grading engine
func IsEngineFailure(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) ||
		errors.Is(err, ErrEngineUnavailable) ||
		errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrChunkTimeout)
}
