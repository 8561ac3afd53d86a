package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_Topic(t *testing.T) {
	tests := []struct {
		eventType EventType
		topic     string
	}{
		{TaskAssignedEvent, CommandTopic},
		{TaskCancelRequestedEvent, CommandTopic},
		{AgentReportEvent, ReportTopic},
		{DeviceHeartbeatEvent, ReportTopic},
		{TaskFinishedEvent, Topic},
		{WorkflowExecutionFinishedEvent, Topic},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.topic, tt.eventType.Topic())
		})
	}
}

func TestGetType(t *testing.T) {
	assert.Equal(t, TaskAssignedEvent, TaskAssigned{}.GetType())
	assert.Equal(t, TaskCancelRequestedEvent, TaskCancelRequested{}.GetType())
	assert.Equal(t, AgentReportEvent, AgentReport{}.GetType())
	assert.Equal(t, DeviceHeartbeatEvent, DeviceHeartbeat{}.GetType())
	assert.Equal(t, TaskFinishedEvent, TaskFinished{}.GetType())
	assert.Equal(t, WorkflowExecutionFinishedEvent, WorkflowExecutionFinished{}.GetType())
}

func TestNewTaskFinished(t *testing.T) {
	completed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := &models.Task{
		ID:          "task-1",
		DeviceID:    "10.0.0.5",
		Kind:        models.TaskKindShell,
		Status:      models.TaskStatusFailed,
		Error:       "exit status 2",
		ExecutionID: "exec-1",
		StepID:      "backup",
		CompletedAt: &completed,
	}

	event := NewTaskFinished(task)

	assert.Equal(t, TaskFinishedEvent, event.Type)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "task-1", event.TaskID)
	assert.Equal(t, models.TaskStatusFailed, event.Status)
	assert.Equal(t, "exit status 2", event.Error)
	assert.Equal(t, completed, event.CompletedAt)
	assert.Equal(t, "exec-1", event.Key())

	task.ExecutionID = ""
	assert.Equal(t, "task-1", NewTaskFinished(task).Key())
}

func TestNewWorkflowExecutionFinished(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	execution := &models.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     models.WorkflowStatusCompleted,
		Steps: map[string]*models.StepRun{
			"a": {StepID: "a", Status: models.StepStatusCompleted},
			"b": {StepID: "b", Status: models.StepStatusCompleted},
		},
		StartedAt:   started,
		CompletedAt: &completed,
	}

	event := NewWorkflowExecutionFinished(execution)

	assert.Equal(t, "wf-1", event.WorkflowID)
	assert.Equal(t, int64(90000), event.DurationMs)
	assert.Equal(t, 2, event.Progress.Completed)
	assert.InDelta(t, 100.0, event.Progress.Percent, 0.001)
}

func TestAgentReport_JSONSerialization(t *testing.T) {
	original := &AgentReport{
		BaseEvent: NewBaseEvent(AgentReportEvent),
		DeviceID:  "10.0.0.5",
		Report: models.TaskReport{
			TaskID: "task-1",
			Status: models.TaskStatusCompleted,
			Result: json.RawMessage(`{"stdout":"ok","exit_code":0}`),
		},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"agent.report"`)
	assert.Contains(t, string(data), `"task_id":"task-1"`)

	var decoded AgentReport

	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Report.Status, decoded.Report.Status)
	assert.JSONEq(t, string(original.Report.Result), string(decoded.Report.Result))
}
