// Package persistence provides the storage abstraction for devices, tasks,
// chunks, workflows and workflow executions.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/devicehub/pkg/models"
)

type Persistence interface {
	Devices() DeviceRepository
	Tasks() TaskRepository
	Chunks() ChunkRepository
	Workflows() WorkflowRepository
	Executions() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DeviceRepository stores device rows. Rows are never hard-deleted.
type DeviceRepository interface {
	// Upsert inserts or overwrites the device row; the last writer wins.
	Upsert(ctx context.Context, device *models.Device) error

	GetByID(ctx context.Context, id string) (*models.Device, error)

	List(ctx context.Context, opts ListDevicesOptions) ([]*models.Device, error)

	// SetActive flips the administrative active flag.
	SetActive(ctx context.Context, id string, active bool) error

	// SetStatus materializes derived status for one device, but only while its
	// heartbeat is still the one the caller observed.
	SetStatus(ctx context.Context, id string, status models.DeviceStatus, lastHeartbeat time.Time) error

	// MarkOffline flips every online device whose last heartbeat is at or
	// before cutoff and returns their identifiers.
	MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// TaskRepository stores task rows and their audit trail.
type TaskRepository interface {
	// Create persists a new task, its chunk plan and its creation audit entry atomically.
	Create(ctx context.Context, task *models.Task, chunks []*models.Chunk) error

	GetByID(ctx context.Context, id string) (*models.Task, error)

	// Update writes the task if its version still matches task.Version,
	// appending transition when non-nil. On success task.Version is incremented.
	// A lost race returns ErrVersionConflict.
	Update(ctx context.Context, task *models.Task, transition *models.TaskTransition) error

	ListByDevice(ctx context.Context, deviceID string, opts ListTasksOptions) (*TaskListResult, error)

	ListByExecution(ctx context.Context, executionID string) ([]*models.Task, error)

	// ListExpired returns non-terminal tasks whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Task, error)

	Transitions(ctx context.Context, taskID string) ([]*models.TaskTransition, error)

	CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error)

	// DeleteTerminalBefore removes terminal tasks completed before cutoff,
	// along with their chunks and transitions.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChunkRepository stores the per-chunk state of file transfers.
type ChunkRepository interface {
	List(ctx context.Context, taskID string) ([]*models.Chunk, error)

	// Acknowledge marks a chunk as received. changed is false when it was
	// already acknowledged, which leaves the row untouched.
	Acknowledge(ctx context.Context, taskID string, index int, hash string, at time.Time) (changed bool, err error)

	// Replace swaps the chunk plan of a task that has no acknowledged chunks.
	Replace(ctx context.Context, taskID string, chunks []*models.Chunk) error
}

// WorkflowRepository stores workflow definitions with their steps.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error

	GetByID(ctx context.Context, id string) (*models.Workflow, error)

	List(ctx context.Context) ([]*models.Workflow, error)

	// ListDue returns scheduled workflows whose next run is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*models.Workflow, error)

	UpdateSchedule(ctx context.Context, id string, nextRunAt *time.Time) error

	UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus) error

	// UpdateStep mirrors the latest execution outcome onto the step row.
	UpdateStep(ctx context.Context, step *models.WorkflowStep) error
}

// ExecutionRepository stores one row per workflow trigger.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error

	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)

	// Update writes the execution if its version still matches, incrementing it.
	Update(ctx context.Context, execution *models.WorkflowExecution) error

	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)

	ListActive(ctx context.Context) ([]*models.WorkflowExecution, error)
}

// ListDevicesOptions filters device listings.
type ListDevicesOptions struct {
	Status     models.DeviceStatus
	ActiveOnly bool
}

// ListTasksOptions allows pagination and filtering of a device's tasks.
type ListTasksOptions struct {
	Status models.TaskStatus
	Kind   models.TaskKind
	Limit  int
	Offset int
}

// TaskListResult contains paginated tasks plus metadata.
type TaskListResult struct {
	Tasks       []*models.Task `json:"tasks"`
	TotalCount  int64          `json:"total_count"`
	HasNextPage bool           `json:"has_next_page"`
}

// Normalize applies listing defaults.
func (o *ListTasksOptions) Normalize() {
	if o.Limit <= 0 || o.Limit > 100 {
		o.Limit = 20
	}

	if o.Offset < 0 {
		o.Offset = 0
	}
}
