// Package models defines the domain entities of the device control plane: devices,
// tasks and their state machine, file transfers and workflows.
package models

import (
	"encoding/json"
	"time"
)

// TaskKind discriminates the parameter and result payloads carried by a task.
type TaskKind string

const (
	TaskKindShell             TaskKind = "shell"
	TaskKindScreenshot        TaskKind = "screenshot"
	TaskKindInputAction       TaskKind = "input-action"
	TaskKindPowerAction       TaskKind = "power-action"
	TaskKindServiceAction     TaskKind = "service-action"
	TaskKindRegistryAction    TaskKind = "registry-action"
	TaskKindEnvironmentAction TaskKind = "environment-action"
	TaskKindBenchmark         TaskKind = "benchmark"
	TaskKindFileList          TaskKind = "file-list"
	TaskKindFileUpload        TaskKind = "file-upload"
	TaskKindFileDownload      TaskKind = "file-download"
	TaskKindFileOperation     TaskKind = "file-operation"
	TaskKindProcessList       TaskKind = "process-list"
	TaskKindProcessAction     TaskKind = "process-action"
)

// TaskKinds lists every kind the control plane knows how to dispatch.
var TaskKinds = []TaskKind{
	TaskKindShell,
	TaskKindScreenshot,
	TaskKindInputAction,
	TaskKindPowerAction,
	TaskKindServiceAction,
	TaskKindRegistryAction,
	TaskKindEnvironmentAction,
	TaskKindBenchmark,
	TaskKindFileList,
	TaskKindFileUpload,
	TaskKindFileDownload,
	TaskKindFileOperation,
	TaskKindProcessList,
	TaskKindProcessAction,
}

// IsTransfer reports whether the kind is driven by the file transfer coordinator.
func (k TaskKind) IsTransfer() bool {
	return k == TaskKindFileUpload || k == TaskKindFileDownload
}

// TaskSource names the actor that caused a transition.
type TaskSource string

const (
	SourceAPI      TaskSource = "api"
	SourceAgent    TaskSource = "agent"
	SourceSweep    TaskSource = "sweep"
	SourceTransfer TaskSource = "transfer"
	SourceWorkflow TaskSource = "workflow"
)

// Task is one dispatched unit of work addressed to exactly one device.
type Task struct {
	ID              string          `json:"id"`
	DeviceID        string          `json:"device_id"                 validate:"required"`
	Kind            TaskKind        `json:"kind"                      validate:"required"`
	Params          json.RawMessage `json:"params"`
	Status          TaskStatus      `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	CorrelationKey  string          `json:"correlation_key,omitempty"`
	ExecutionID     string          `json:"execution_id,omitempty"`
	StepID          string          `json:"step_id,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Transfer        *FileTransfer   `json:"transfer,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DeadlineAt      time.Time       `json:"deadline_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Timeout returns the configured timeout as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Expired reports whether a non-terminal task has outlived its deadline.
func (t *Task) Expired(now time.Time) bool {
	return !t.Status.IsTerminal() && now.After(t.DeadlineAt)
}

// CreationSource names the actor recorded on the task's first audit entry.
func (t *Task) CreationSource() TaskSource {
	if t.ExecutionID != "" {
		return SourceWorkflow
	}

	return SourceAPI
}

// Apply moves the task to the requested status, stamping timestamps and
// payloads. The returned bool is false when the report was an idempotent no-op.
func (t *Task) Apply(to TaskStatus, result json.RawMessage, detail string, now time.Time) (bool, error) {
	changed, err := CheckTransition(t.Kind, t.Status, to)
	if err != nil {
		return false, &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}

	if !changed {
		return false, nil
	}

	t.Status = to
	t.UpdatedAt = now

	switch to {
	case TaskStatusRunning:
		t.StartedAt = &now
	case TaskStatusCompleted:
		t.Result = result
		t.Error = ""
	case TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		if detail == "" {
			detail = "task " + string(to) + " without error detail"
		}

		t.Result = nil
		t.Error = detail
	}

	if to.IsTerminal() {
		t.CompletedAt = &now
	}

	return true, nil
}

// TaskTransition is an append-only audit entry for one accepted status change.
type TaskTransition struct {
	ID     int64      `json:"id"`
	TaskID string     `json:"task_id"`
	From   TaskStatus `json:"from"`
	To     TaskStatus `json:"to"`
	Source TaskSource `json:"source"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

// TaskReport is a status report about a task, usually sent by its device agent.
type TaskReport struct {
	TaskID string          `json:"task_id" validate:"required"`
	Status TaskStatus      `json:"status"  validate:"required"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Source TaskSource      `json:"source,omitempty"`
}
