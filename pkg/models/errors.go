package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice       = errors.New("unknown device")
	ErrInvalidParams       = errors.New("invalid params")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUnknownTask         = errors.New("unknown task")
	ErrInvalidChunkIndex   = errors.New("invalid chunk index")
	ErrHashMismatch        = errors.New("hash mismatch")
	ErrChunksIncomplete    = errors.New("not all chunks acknowledged")
	ErrFileHashMissing     = errors.New("whole-file hash not reported")
	ErrCyclicDependency    = errors.New("cyclic dependency")
	ErrUnknownDependency   = errors.New("unknown dependency")
	ErrUnknownWorkflow     = errors.New("unknown workflow")
	ErrUnknownExecution    = errors.New("unknown workflow execution")
	ErrNotCancellable      = errors.New("not cancellable")
	ErrInvalidSchedule     = errors.New("invalid schedule configuration")
	ErrTransferNotDeclared = errors.New("transfer file not declared")
)

// ParamsError describes why a kind-specific payload was rejected.
type ParamsError struct {
	Kind   TaskKind
	Field  string
	Reason string
}

func (e *ParamsError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid params for %s: %s", e.Kind, e.Reason)
	}

	return fmt.Sprintf("invalid params for %s: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *ParamsError) Unwrap() error {
	return ErrInvalidParams
}

// NewParamsError creates a ParamsError.
func NewParamsError(kind TaskKind, field, reason string) *ParamsError {
	return &ParamsError{Kind: kind, Field: field, Reason: reason}
}

// TransitionError records a rejected state machine move.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// CycleError names one step that participates in a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %v", e.Path)
}

func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}
