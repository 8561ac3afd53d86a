package models

import (
	"encoding/json"
	"time"
)

// WorkflowKind selects the template a workflow was built from.
type WorkflowKind string

const (
	WorkflowKindBackup       WorkflowKind = "backup"
	WorkflowKindBatchCommand WorkflowKind = "batch-command"
	WorkflowKindHealthCheck  WorkflowKind = "health-check"
	WorkflowKindCustom       WorkflowKind = "custom"
)

// WorkflowStatus is shared by workflows and their executions.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether an execution in this status is finished.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus is the state of one step inside an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped" // Never released: halted or cancelled
)

// IsTerminal reports whether the step will not change again in this execution.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// FailurePolicy decides what happens to the rest of the graph when a step fails.
type FailurePolicy string

const (
	FailurePolicyHalt     FailurePolicy = "halt"     // Release nothing new once a step fails
	FailurePolicyContinue FailurePolicy = "continue" // Release a step once all predecessors are terminal
)

// Workflow is a named, dependency-ordered collection of steps.
type Workflow struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"                  validate:"required,min=3"`
	Kind          WorkflowKind    `json:"kind"                  validate:"required,oneof=backup batch-command health-check custom"`
	Schedule      string          `json:"schedule,omitempty"`
	FailurePolicy FailurePolicy   `json:"failure_policy"        validate:"oneof=halt continue"`
	Status        WorkflowStatus  `json:"status"`
	Config        json.RawMessage `json:"config,omitempty"`
	Steps         []*WorkflowStep `json:"steps"                 validate:"required,min=1,dive"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (*WorkflowStep, bool) {
	for _, step := range w.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// StepAction is the task a step instantiates when released.
type StepAction struct {
	DeviceID       string          `json:"device_id"       validate:"required"`
	Kind           TaskKind        `json:"kind"            validate:"required"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// WorkflowStep is one node of a workflow graph.
type WorkflowStep struct {
	ID          string          `json:"id"                 validate:"required"`
	WorkflowID  string          `json:"workflow_id"`
	Name        string          `json:"name"               validate:"required"`
	Order       int             `json:"order"`
	Action      StepAction      `json:"action"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	MaxRestarts int             `json:"max_restarts"       validate:"min=0,max=10"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// WorkflowExecution is one triggered run of a workflow.
type WorkflowExecution struct {
	ID          string              `json:"id"`
	WorkflowID  string              `json:"workflow_id"`
	Status      WorkflowStatus      `json:"status"`
	TriggeredBy string              `json:"triggered_by"`
	Steps       map[string]*StepRun `json:"steps"`
	Error       string              `json:"error,omitempty"`
	Version     int                 `json:"version"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// StepRun is the per-execution state of a step. Remaining counts the
// predecessors that have not yet released it.
type StepRun struct {
	StepID      string          `json:"step_id"`
	Status      StepStatus      `json:"status"`
	TaskID      string          `json:"task_id,omitempty"`
	TaskIDs     []string        `json:"task_ids,omitempty"`
	Attempts    int             `json:"attempts"`
	Remaining   int             `json:"remaining"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionProgress counts step runs by status.
type ExecutionProgress struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Percent   float64 `json:"percent"`
}

// Progress summarises the execution's step runs.
func (e *WorkflowExecution) Progress() ExecutionProgress {
	progress := ExecutionProgress{Total: len(e.Steps)}

	for _, run := range e.Steps {
		switch run.Status {
		case StepStatusPending:
			progress.Pending++
		case StepStatusRunning:
			progress.Running++
		case StepStatusCompleted:
			progress.Completed++
		case StepStatusFailed:
			progress.Failed++
		case StepStatusSkipped:
			progress.Skipped++
		}
	}

	if progress.Total > 0 {
		done := progress.Completed + progress.Failed + progress.Skipped
		progress.Percent = float64(done*100) / float64(progress.Total)
	}

	return progress
}
