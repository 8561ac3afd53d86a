// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/google/uuid"
)

// CreateTestDevice creates an online device with default values that can be overridden.
func CreateTestDevice(overrides ...func(*models.Device)) *models.Device {
	now := time.Now().UTC()
	device := &models.Device{
		ID:            "10.0.0." + uuid.NewString()[:4],
		Name:          "Test Device",
		Type:          "windows",
		Status:        models.DeviceStatusOnline,
		LastHeartbeat: now,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, override := range overrides {
		override(device)
	}

	return device
}

// CreateTestTask creates a pending shell task with default values that can be overridden.
func CreateTestTask(deviceID string, overrides ...func(*models.Task)) *models.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &models.Task{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		Kind:           models.TaskKindShell,
		Params:         json.RawMessage(`{"command":"hostname","timeout":300}`),
		Status:         models.TaskStatusPending,
		TimeoutSeconds: 300,
		CreatedAt:      now,
		DeadlineAt:     now.Add(300 * time.Second),
		UpdatedAt:      now,
	}

	for _, override := range overrides {
		override(task)
	}

	return task
}

// WithStatus sets the task status.
func WithStatus(status models.TaskStatus) func(*models.Task) {
	return func(t *models.Task) {
		t.Status = status
	}
}

// WithKind sets the task kind and params.
func WithKind(kind models.TaskKind, params string) func(*models.Task) {
	return func(t *models.Task) {
		t.Kind = kind
		t.Params = json.RawMessage(params)
	}
}

// WithDeadline sets the task deadline.
func WithDeadline(deadline time.Time) func(*models.Task) {
	return func(t *models.Task) {
		t.DeadlineAt = deadline
	}
}

// ShellStep creates a custom workflow step running command on deviceID.
func ShellStep(id, deviceID, command string, dependsOn ...string) *models.WorkflowStep {
	params, _ := json.Marshal(map[string]any{"command": command})

	return &models.WorkflowStep{
		ID:        id,
		Name:      "Step " + id,
		DependsOn: dependsOn,
		Action: models.StepAction{
			DeviceID: deviceID,
			Kind:     models.TaskKindShell,
			Params:   params,
		},
		Status: models.StepStatusPending,
	}
}

// CreateTestWorkflow creates a custom workflow with default values that can be overridden.
func CreateTestWorkflow(steps []*models.WorkflowStep, overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		Name:          "Test Workflow",
		Kind:          models.WorkflowKindCustom,
		FailurePolicy: models.FailurePolicyHalt,
		Steps:         steps,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithFailurePolicy sets the workflow failure policy.
func WithFailurePolicy(policy models.FailurePolicy) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.FailurePolicy = policy
	}
}
