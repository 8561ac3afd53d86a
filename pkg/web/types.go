// Package web provides HTTP request and response types for the device hub API.
package web

import (
	"encoding/json"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
)

// ReportTaskRequest is a status report sent by an agent over HTTP.
type ReportTaskRequest struct {
	Status models.TaskStatus `json:"status" validate:"required"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// CancelRequest carries an optional operator reason.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type AckChunkRequest struct {
	Hash string `json:"hash"`
}

type FinalizeRequest struct {
	FileHash string `json:"file_hash,omitempty"`
}

type TriggerRequest struct {
	TriggeredBy string `json:"triggered_by,omitempty" validate:"max=100"`
}

// DeviceStatusResponse reports the derived status of one device.
type DeviceStatusResponse struct {
	DeviceID string              `json:"device_id"`
	Status   models.DeviceStatus `json:"status"`
}

// TaskListResponse wraps a page of device tasks with pagination metadata.
type TaskListResponse struct {
	*persistence.TaskListResult

	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type PendingChunksResponse struct {
	TaskID        string `json:"task_id"`
	PendingChunks []int  `json:"pending_chunks"`
}

type RedeliverResponse struct {
	DeviceID    string `json:"device_id"`
	Redelivered int    `json:"redelivered"`
}

// ExecutionResponse is an execution plus its step progress summary.
type ExecutionResponse struct {
	*models.WorkflowExecution

	Progress models.ExecutionProgress `json:"progress"`
}

func newExecutionResponse(execution *models.WorkflowExecution) ExecutionResponse {
	return ExecutionResponse{
		WorkflowExecution: execution,
		Progress:          execution.Progress(),
	}
}
