// Package events defines the messages exchanged between the control plane,
// its workers and device agents.
package events

import (
	"encoding/json"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const (
	Topic        = "devicehub.events"          // Lifecycle notifications for callers and the workflow engine
	CommandTopic = "devicehub.device.commands" // Task assignments and cancel notices, keyed by device
	ReportTopic  = "devicehub.agent.reports"   // Agent reports and heartbeats
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Control plane to device.
	TaskAssignedEvent        EventType = "task.assigned"
	TaskCancelRequestedEvent EventType = "task.cancel_requested"

	// Device to control plane.
	AgentReportEvent     EventType = "agent.report"
	DeviceHeartbeatEvent EventType = "device.heartbeat"

	// Notifications.
	TaskFinishedEvent              EventType = "task.finished"
	WorkflowExecutionFinishedEvent EventType = "workflow.execution.finished"
)

// Topic returns the topic events of this type are published on.
func (t EventType) Topic() string {
	switch t {
	case TaskAssignedEvent, TaskCancelRequestedEvent:
		return CommandTopic
	case AgentReportEvent, DeviceHeartbeatEvent:
		return ReportTopic
	default:
		return Topic
	}
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// TaskAssigned hands a pending task to its device.
type TaskAssigned struct {
	BaseEvent

	Task *models.Task `json:"task"`
}

func (e TaskAssigned) GetType() EventType {
	return TaskAssignedEvent
}

// TaskCancelRequested forwards a cancellation request to the device. The task
// outcome still comes from the device report or the timeout sweep.
type TaskCancelRequested struct {
	BaseEvent

	TaskID   string            `json:"task_id"`
	DeviceID string            `json:"device_id"`
	Kind     models.TaskKind   `json:"kind"`
	Status   models.TaskStatus `json:"status"`
	Reason   string            `json:"reason,omitempty"`
}

func (e TaskCancelRequested) GetType() EventType {
	return TaskCancelRequestedEvent
}

// AgentReport carries one status report from a device agent.
type AgentReport struct {
	BaseEvent

	DeviceID string            `json:"device_id"`
	Report   models.TaskReport `json:"report"`
}

func (e AgentReport) GetType() EventType {
	return AgentReportEvent
}

type DeviceHeartbeat struct {
	BaseEvent

	Heartbeat models.Heartbeat `json:"heartbeat"`
}

func (e DeviceHeartbeat) GetType() EventType {
	return DeviceHeartbeatEvent
}

// TaskFinished is published once per task when it reaches a terminal status.
type TaskFinished struct {
	BaseEvent

	TaskID      string            `json:"task_id"`
	DeviceID    string            `json:"device_id"`
	Kind        models.TaskKind   `json:"kind"`
	Status      models.TaskStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	StepID      string            `json:"step_id,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

func (e TaskFinished) GetType() EventType {
	return TaskFinishedEvent
}

// NewTaskFinished builds the notification for a terminal task.
func NewTaskFinished(task *models.Task) TaskFinished {
	event := TaskFinished{
		BaseEvent:   NewBaseEvent(TaskFinishedEvent),
		TaskID:      task.ID,
		DeviceID:    task.DeviceID,
		Kind:        task.Kind,
		Status:      task.Status,
		Result:      task.Result,
		Error:       task.Error,
		ExecutionID: task.ExecutionID,
		StepID:      task.StepID,
	}

	if task.CompletedAt != nil {
		event.CompletedAt = *task.CompletedAt
	}

	return event
}

// Key returns the partition key: an execution keeps its step outcomes in order.
func (e TaskFinished) Key() string {
	if e.ExecutionID != "" {
		return e.ExecutionID
	}

	return e.TaskID
}

type WorkflowExecutionFinished struct {
	BaseEvent

	WorkflowID  string                   `json:"workflow_id"`
	ExecutionID string                   `json:"execution_id"`
	Status      models.WorkflowStatus    `json:"status"`
	Error       string                   `json:"error,omitempty"`
	Progress    models.ExecutionProgress `json:"progress"`
	DurationMs  int64                    `json:"duration_ms"`
}

func (e WorkflowExecutionFinished) GetType() EventType {
	return WorkflowExecutionFinishedEvent
}

// NewWorkflowExecutionFinished builds the notification for a terminal execution.
func NewWorkflowExecutionFinished(execution *models.WorkflowExecution) WorkflowExecutionFinished {
	event := WorkflowExecutionFinished{
		BaseEvent:   NewBaseEvent(WorkflowExecutionFinishedEvent),
		WorkflowID:  execution.WorkflowID,
		ExecutionID: execution.ID,
		Status:      execution.Status,
		Error:       execution.Error,
		Progress:    execution.Progress(),
	}

	if execution.CompletedAt != nil {
		event.DurationMs = execution.CompletedAt.Sub(execution.StartedAt).Milliseconds()
	}

	return event
}
