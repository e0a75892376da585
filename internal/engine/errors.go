package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a failure detected while running a plan.
//
// Runtime errors include:
//   - Step failure: a step exited non-zero
//   - Unknown task: a task reference has no registered implementation
//   - Timeout: a step or job exceeded timeoutInMinutes
//   - Invalid input: a task input is missing or malformed
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// JobRun identifies the affected matrix entry ("Job/Entry").
	JobRun string

	// Step is the label of the failing step.
	Step string

	// ExitCode is the process exit code for STEP_FAILED.
	ExitCode int
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeStepFailed indicates a step exited non-zero.
	ErrCodeStepFailed RuntimeErrorCode = "STEP_FAILED"

	// ErrCodeDependencyFailed indicates a dependsOn job did not succeed.
	ErrCodeDependencyFailed RuntimeErrorCode = "DEPENDENCY_FAILED"

	// ErrCodeUnknownTask indicates a task with no implementation.
	ErrCodeUnknownTask RuntimeErrorCode = "UNKNOWN_TASK"

	// ErrCodeTimeout indicates a step or job ran out of time.
	ErrCodeTimeout RuntimeErrorCode = "TIMEOUT"

	// ErrCodeCanceled indicates the run was canceled.
	ErrCodeCanceled RuntimeErrorCode = "CANCELED"

	// ErrCodeInvalidInput indicates a malformed or missing task input.
	ErrCodeInvalidInput RuntimeErrorCode = "INVALID_INPUT"

	// ErrCodeArtifact indicates publishing an artifact failed.
	ErrCodeArtifact RuntimeErrorCode = "ARTIFACT_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.JobRun != "" && e.Step != "" {
		return fmt.Sprintf("%s: %s (job=%s, step=%s)", e.Code, e.Message, e.JobRun, e.Step)
	}
	if e.JobRun != "" {
		return fmt.Sprintf("%s: %s (job=%s)", e.Code, e.Message, e.JobRun)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the RuntimeErrorCode of err, or "" when err is not a
// RuntimeError. Uses errors.As to handle wrapped errors.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsStepFailure returns true if err is a non-zero step exit.
func IsStepFailure(err error) bool {
	return CodeOf(err) == ErrCodeStepFailed
}

// IsUnknownTask returns true if err reports a task with no implementation.
func IsUnknownTask(err error) bool {
	return CodeOf(err) == ErrCodeUnknownTask
}

// IsTimeout returns true if err reports a timeout.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}

// NewStepFailedError creates a RuntimeError for a non-zero exit.
func NewStepFailedError(jobRun, step string, exitCode int) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeStepFailed,
		Message:  fmt.Sprintf("step exited with code %d", exitCode),
		JobRun:   jobRun,
		Step:     step,
		ExitCode: exitCode,
	}
}

// NewUnknownTaskError creates a RuntimeError for an unregistered task.
func NewUnknownTaskError(task string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownTask,
		Message: fmt.Sprintf("no implementation for task %q", task),
	}
}

// NewInputError creates a RuntimeError for a bad task input.
func NewInputError(format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf(format, args...),
	}
}
