// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDeviceNotFound indicates no device has registered under the identifier.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTaskNotFound indicates a task was not found by the given identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrChunkNotFound indicates the task has no chunk at the requested index.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates a workflow execution was not found.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrVersionConflict indicates the row changed since it was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a row with the same identifier already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// RepositoryError wraps repository errors with the operation and entity involved.
type RepositoryError struct {
	Op     string // Operation being performed (e.g., "Get", "Update", "Acknowledge")
	Entity string // Entity kind (device, task, chunk, workflow, execution)
	ID     string // Entity identifier if applicable
	Err    error  // Underlying error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for repository errors.
func (e *RepositoryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDeviceError creates a device repository error.
func NewDeviceError(op, deviceID string, err error) *RepositoryError {
	return &RepositoryError{Op: op, Entity: "device", ID: deviceID, Err: err}
}

// NewTaskError creates a task repository error.
func NewTaskError(op, taskID string, err error) *RepositoryError {
	return &RepositoryError{Op: op, Entity: "task", ID: taskID, Err: err}
}

// NewChunkError creates a chunk repository error.
func NewChunkError(op, taskID string, index int, err error) *RepositoryError {
	return &RepositoryError{Op: op, Entity: "chunk", ID: fmt.Sprintf("%s#%d", taskID, index), Err: err}
}

// NewWorkflowError creates a workflow repository error.
func NewWorkflowError(op, workflowID string, err error) *RepositoryError {
	return &RepositoryError{Op: op, Entity: "workflow", ID: workflowID, Err: err}
}

// NewExecutionError creates a workflow execution repository error.
func NewExecutionError(op, executionID string, err error) *RepositoryError {
	return &RepositoryError{Op: op, Entity: "execution", ID: executionID, Err: err}
}

// IsDeviceNotFound checks if an error indicates a device was not found.
func IsDeviceNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}

// IsTaskNotFound checks if an error indicates a task was not found.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsChunkNotFound checks if an error indicates a chunk was not found.
func IsChunkNotFound(err error) bool {
	return errors.Is(err, ErrChunkNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsVersionConflict checks if an error indicates a lost optimistic update.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
