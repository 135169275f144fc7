package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/taskstore"
)

// Common errors
var (
	ErrUnknownStage  = errors.New("unknown stage")
	ErrForbidden     = errors.New("task belongs to another user")
	ErrMissingInput  = errors.New("missing stage input")
	ErrInvalidInput  = errors.New("invalid stage input")
	ErrNoSolutions   = errors.New("final solution has no solutions")
	ErrUnknownSource = errors.New("inspiration not found")
)

// ErrorClass groups stage failures by how a caller should react
type ErrorClass string

const (
	ClassValidation   ErrorClass = "validation"
	ClassForbidden    ErrorClass = "forbidden"
	ClassState        ErrorClass = "state"
	ClassPrecondition ErrorClass = "precondition"
	ClassConflict     ErrorClass = "conflict"
	ClassUpstream     ErrorClass = "upstream"
	ClassTimeout      ErrorClass = "timeout"

	// The caller went away before the stage finished
	ClassCanceled ErrorClass = "canceled"
)

// StageError is a failure at the pipeline boundary
type StageError struct {
	Stage  Stage
	TaskID string
	Class  ErrorClass
	Err    error
}

func (e *StageError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage for %s: %v", e.Stage, e.TaskID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later
func (e *StageError) Retryable() bool {
	switch e.Class {
	case ClassUpstream, ClassTimeout, ClassConflict, ClassCanceled:
		return true
	}
	return false
}

// failsTask reports whether the error runs the failure-cleanup sequence.
// Caller mistakes and abandoned calls leave the task as it was.
func (e *StageError) failsTask() bool {
	return e.Class == ClassUpstream || e.Class == ClassTimeout
}

func newStageError(stage Stage, taskID string, class ErrorClass, err error) *StageError {
	return &StageError{Stage: stage, TaskID: taskID, Class: class, Err: err}
}

// classify maps an error raised while running a stage to its class
func classify(stageCtx context.Context, err error) ErrorClass {
	switch {
	case errors.Is(err, ErrMissingInput), errors.Is(err, ErrNoSolutions):
		return ClassPrecondition
	case errors.Is(err, ErrInvalidInput):
		return ClassValidation
	case errors.Is(err, ErrForbidden):
		return ClassForbidden
	case errors.Is(err, taskstore.ErrNotFound), errors.Is(err, ErrUnknownSource):
		return ClassState
	case errors.Is(err, taskstore.ErrConflict):
		return ClassConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled), errors.Is(stageCtx.Err(), context.Canceled):
		return ClassCanceled
	case errors.Is(err, capability.ErrNotFound):
		return ClassState
	}
	return ClassUpstream
}
