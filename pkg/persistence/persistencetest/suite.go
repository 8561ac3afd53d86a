// Package persistencetest holds behaviour tests shared by every persistence
// implementation.
package persistencetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) persistence.Persistence

// Run exercises the repository contract against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("devices", func(t *testing.T) { testDevices(t, factory(t)) })
	t.Run("task lifecycle", func(t *testing.T) { testTaskLifecycle(t, factory(t)) })
	t.Run("task version conflict", func(t *testing.T) { testTaskVersionConflict(t, factory(t)) })
	t.Run("task listing", func(t *testing.T) { testTaskListing(t, factory(t)) })
	t.Run("expired tasks", func(t *testing.T) { testExpired(t, factory(t)) })
	t.Run("retention", func(t *testing.T) { testRetention(t, factory(t)) })
	t.Run("chunks", func(t *testing.T) { testChunks(t, factory(t)) })
	t.Run("workflows", func(t *testing.T) { testWorkflows(t, factory(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, factory(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newTask(deviceID string, created time.Time) *models.Task {
	return &models.Task{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		Kind:           models.TaskKindShell,
		Params:         json.RawMessage(`{"command":"uptime"}`),
		Status:         models.TaskStatusPending,
		TimeoutSeconds: 300,
		CreatedAt:      created,
		UpdatedAt:      created,
		DeadlineAt:     created.Add(300 * time.Second),
	}
}

func seedDevice(t *testing.T, p persistence.Persistence, id string) {
	t.Helper()

	ts := now()
	require.NoError(t, p.Devices().Upsert(context.Background(), &models.Device{
		ID:            id,
		Name:          "host-" + id,
		Type:          "windows",
		Status:        models.DeviceStatusOnline,
		LastHeartbeat: ts,
		Active:        true,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}))
}

func testDevices(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	ts := now()

	device := &models.Device{
		ID:            "10.0.0.5",
		Name:          "kiosk",
		Type:          "windows",
		Status:        models.DeviceStatusOnline,
		LastHeartbeat: ts,
		Metadata:      map[string]any{"os": "win11"},
		Active:        true,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	require.NoError(t, p.Devices().Upsert(ctx, device))

	later := ts.Add(time.Minute)
	again := *device
	again.Name = "kiosk-2"
	again.LastHeartbeat = later
	again.CreatedAt = later
	require.NoError(t, p.Devices().Upsert(ctx, &again))

	got, err := p.Devices().GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-2", got.Name)
	assert.True(t, got.CreatedAt.Equal(ts), "created_at is preserved across upserts")
	assert.True(t, got.LastHeartbeat.Equal(later))
	assert.Equal(t, "win11", got.Metadata["os"])

	_, err = p.Devices().GetByID(ctx, "missing")
	assert.True(t, persistence.IsDeviceNotFound(err))

	require.NoError(t, p.Devices().SetActive(ctx, device.ID, false))

	active, err := p.Devices().List(ctx, persistence.ListDevicesOptions{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	// A stale heartbeat observation must not flip status.
	require.NoError(t, p.Devices().SetStatus(ctx, device.ID, models.DeviceStatusOffline, ts))
	got, err = p.Devices().GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, got.Status)

	require.NoError(t, p.Devices().SetStatus(ctx, device.ID, models.DeviceStatusOffline, later))
	got, err = p.Devices().GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, got.Status)

	seedDevice(t, p, "10.0.0.6")

	ids, err := p.Devices().MarkOffline(ctx, now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.6"}, ids)

	offline, err := p.Devices().List(ctx, persistence.ListDevicesOptions{Status: models.DeviceStatusOffline})
	require.NoError(t, err)
	assert.Len(t, offline, 2)
}

func testTaskLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	seedDevice(t, p, "dev-1")

	task := newTask("dev-1", now())
	require.NoError(t, p.Tasks().Create(ctx, task, nil))
	assert.Equal(t, 1, task.Version)

	err := p.Tasks().Create(ctx, task, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrAlreadyExists)

	started := now()
	changed, err := task.Apply(models.TaskStatusRunning, nil, "", started)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, p.Tasks().Update(ctx, task, &models.TaskTransition{
		TaskID: task.ID,
		From:   models.TaskStatusPending,
		To:     models.TaskStatusRunning,
		Source: models.SourceAgent,
		At:     started,
	}))
	assert.Equal(t, 2, task.Version)

	done := now()
	_, err = task.Apply(models.TaskStatusCompleted, json.RawMessage(`{"exit_code":0}`), "", done)
	require.NoError(t, err)
	require.NoError(t, p.Tasks().Update(ctx, task, &models.TaskTransition{
		TaskID: task.ID,
		From:   models.TaskStatusRunning,
		To:     models.TaskStatusCompleted,
		Source: models.SourceAgent,
		At:     done,
	}))

	got, err := p.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"exit_code":0}`, string(got.Result))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 3, got.Version)

	transitions, err := p.Tasks().Transitions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, models.TaskStatus(""), transitions[0].From)
	assert.Equal(t, models.TaskStatusPending, transitions[0].To)
	assert.Equal(t, models.TaskStatusRunning, transitions[1].To)
	assert.Equal(t, models.TaskStatusCompleted, transitions[2].To)
	assert.Less(t, transitions[0].ID, transitions[1].ID)

	_, err = p.Tasks().GetByID(ctx, "missing")
	assert.True(t, persistence.IsTaskNotFound(err))

	counts, err := p.Tasks().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskStatusCompleted])
}

func testTaskVersionConflict(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	seedDevice(t, p, "dev-1")

	task := newTask("dev-1", now())
	require.NoError(t, p.Tasks().Create(ctx, task, nil))

	first, err := p.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	second, err := p.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)

	first.CancelRequested = true
	require.NoError(t, p.Tasks().Update(ctx, first, nil))

	second.Error = "late"
	err = p.Tasks().Update(ctx, second, nil)
	require.Error(t, err)
	assert.True(t, persistence.IsVersionConflict(err))

	got, err := p.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Empty(t, got.Error)
}

func testTaskListing(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	seedDevice(t, p, "dev-1")
	seedDevice(t, p, "dev-2")

	base := now().Add(-time.Hour)
	for i := range 5 {
		require.NoError(t, p.Tasks().Create(ctx, newTask("dev-1", base.Add(time.Duration(i)*time.Minute)), nil))
	}

	other := newTask("dev-2", base)
	other.ExecutionID = "exec-1"
	require.NoError(t, p.Tasks().Create(ctx, other, nil))

	page, err := p.Tasks().ListByDevice(ctx, "dev-1", persistence.ListTasksOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalCount)
	assert.True(t, page.HasNextPage)
	require.Len(t, page.Tasks, 2)
	assert.True(t, page.Tasks[0].CreatedAt.After(page.Tasks[1].CreatedAt), "newest first")

	last, err := p.Tasks().ListByDevice(ctx, "dev-1", persistence.ListTasksOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, last.Tasks, 1)
	assert.False(t, last.HasNextPage)

	running, err := p.Tasks().ListByDevice(ctx, "dev-1", persistence.ListTasksOptions{Status: models.TaskStatusRunning})
	require.NoError(t, err)
	assert.Empty(t, running.Tasks)

	byExecution, err := p.Tasks().ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, byExecution, 1)
	assert.Equal(t, other.ID, byExecution[0].ID)

	transitions, err := p.Tasks().Transitions(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, models.SourceWorkflow, transitions[0].Source)
}

func testExpired(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	seedDevice(t, p, "dev-1")

	ts := now()
	old := newTask("dev-1", ts.Add(-10*time.Minute))
	old.DeadlineAt = ts.Add(-time.Minute)
	require.NoError(t, p.Tasks().Create(ctx, old, nil))

	fresh := newTask("dev-1", ts)
	require.NoError(t, p.Tasks().Create(ctx, fresh, nil))

	finished := newTask("dev-1", ts.Add(-10*time.Minute))
	finished.DeadlineAt = ts.Add(-time.Minute)
	require.NoError(t, p.Tasks().Create(ctx, finished, nil))
	_, err := finished.Apply(models.TaskStatusFailed, nil, "boom", ts)
	require.NoError(t, err)
	require.NoError(t, p.Tasks().Update(ctx, finished, nil))

	expired, err := p.Tasks().ListExpired(ctx, ts, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

func testRetention(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	seedDevice(t, p, "dev-1")

	ts := now()
	done := newTask("dev-1", ts.Add(-48*time.Hour))
	require.NoError(t, p.Tasks().Create(ctx, done, nil))
	_, err := done.Apply(models.TaskStatusFailed, nil, "boom", ts.Add(-47*time.Hour))
	require.NoError(t, err)
	require.NoError(t, p.Tasks().Update(ctx, done, nil))

	pending := newTask("dev-1", ts.Add(-48*time.Hour))
	require.NoError(t, p.Tasks().Create(ctx, pending, nil))

	deleted, err := p.Tasks().DeleteTerminalBefore(ctx, ts.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = p.Tasks().GetByID(ctx, done.ID)
	assert.True(t, persistence.IsTaskNotFound(err))

	_, err = p.Tasks().GetByID(ctx, pending.ID)
	assert.NoError(t, err)
}

func testChunks(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	seedDevice(t, p, "dev-1")

	task := newTask("dev-1", now())
	task.Kind = models.TaskKindFileUpload
	task.Transfer = &models.FileTransfer{
		Direction:       models.DirectionUpload,
		DestinationPath: `C:\tmp\a.bin`,
		Filename:        "a.bin",
		TotalSize:       25,
		ChunkSize:       10,
		ChunkCount:      3,
		VerifyHash:      true,
		Declared:        true,
	}
	require.NoError(t, p.Tasks().Create(ctx, task, models.PlanChunks(task.ID, 25, 10, nil)))

	got, err := p.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Transfer)
	assert.Equal(t, int64(25), got.Transfer.TotalSize)

	chunks, err := p.Chunks().List(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(5), chunks[2].Size)

	at := now()
	changed, err := p.Chunks().Acknowledge(ctx, task.ID, 1, "abc", at)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = p.Chunks().Acknowledge(ctx, task.ID, 1, "other", at)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = p.Chunks().Acknowledge(ctx, task.ID, 7, "", at)
	assert.True(t, persistence.IsChunkNotFound(err))

	chunks, err = p.Chunks().List(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, chunks[1].Acknowledged)
	assert.Equal(t, "abc", chunks[1].Hash)
	assert.False(t, chunks[0].Acknowledged)

	err = p.Chunks().Replace(ctx, task.ID, models.PlanChunks(task.ID, 40, 10, nil))
	assert.ErrorIs(t, err, persistence.ErrAlreadyExists)

	download := newTask("dev-1", now())
	download.Kind = models.TaskKindFileDownload
	require.NoError(t, p.Tasks().Create(ctx, download, nil))
	require.NoError(t, p.Chunks().Replace(ctx, download.ID, models.PlanChunks(download.ID, 40, 10, nil)))

	chunks, err = p.Chunks().List(ctx, download.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
}

func sampleWorkflow() *models.Workflow {
	ts := now()
	id := uuid.NewString()

	return &models.Workflow{
		ID:            id,
		Name:          "nightly backup",
		Kind:          models.WorkflowKindBackup,
		Schedule:      "0 2 * * *",
		FailurePolicy: models.FailurePolicyHalt,
		Status:        models.WorkflowStatusPending,
		Steps: []*models.WorkflowStep{
			{
				ID:         "list",
				WorkflowID: id,
				Name:       "list files",
				Order:      0,
				Action:     models.StepAction{DeviceID: "dev-1", Kind: models.TaskKindFileList, Params: json.RawMessage(`{"path":"C:\\data"}`)},
				Status:     models.StepStatusPending,
			},
			{
				ID:          "copy",
				WorkflowID:  id,
				Name:        "copy files",
				Order:       1,
				Action:      models.StepAction{DeviceID: "dev-1", Kind: models.TaskKindShell, Params: json.RawMessage(`{"command":"robocopy"}`)},
				DependsOn:   []string{"list"},
				MaxRestarts: 2,
				Status:      models.StepStatusPending,
			},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func testWorkflows(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()

	workflow := sampleWorkflow()
	require.NoError(t, p.Workflows().Save(ctx, workflow))

	got, err := p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, got.Name)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "list", got.Steps[0].ID)
	assert.Equal(t, []string{"list"}, got.Steps[1].DependsOn)
	assert.Equal(t, 2, got.Steps[1].MaxRestarts)

	_, err = p.Workflows().GetByID(ctx, "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))

	due, err := p.Workflows().ListDue(ctx, now())
	require.NoError(t, err)
	assert.Empty(t, due)

	past := now().Add(-time.Minute)
	require.NoError(t, p.Workflows().UpdateSchedule(ctx, workflow.ID, &past))

	due, err = p.Workflows().ListDue(ctx, now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, workflow.ID, due[0].ID)

	require.NoError(t, p.Workflows().UpdateStatus(ctx, workflow.ID, models.WorkflowStatusRunning))

	step := got.Steps[1]
	step.Status = models.StepStatusFailed
	step.Error = "exit code 3"
	require.NoError(t, p.Workflows().UpdateStep(ctx, step))

	got, err = p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, got.Status)
	assert.Equal(t, models.StepStatusFailed, got.Steps[1].Status)
	assert.Equal(t, "exit code 3", got.Steps[1].Error)

	all, err := p.Workflows().List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testExecutions(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()

	workflow := sampleWorkflow()
	require.NoError(t, p.Workflows().Save(ctx, workflow))

	execution := &models.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  workflow.ID,
		Status:      models.WorkflowStatusRunning,
		TriggeredBy: "api",
		Steps: map[string]*models.StepRun{
			"list": {StepID: "list", Status: models.StepStatusRunning, TaskID: "t-1", TaskIDs: []string{"t-1"}, Attempts: 1},
			"copy": {StepID: "copy", Status: models.StepStatusPending, Remaining: 1},
		},
		StartedAt: now(),
		UpdatedAt: now(),
	}
	require.NoError(t, p.Executions().Create(ctx, execution))
	assert.Equal(t, 1, execution.Version)

	stale, err := p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.Steps["copy"].Remaining)

	execution.Steps["list"].Status = models.StepStatusCompleted
	execution.Steps["copy"].Remaining = 0
	require.NoError(t, p.Executions().Update(ctx, execution))
	assert.Equal(t, 2, execution.Version)

	err = p.Executions().Update(ctx, stale)
	assert.True(t, persistence.IsVersionConflict(err))

	active, err := p.Executions().ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	completed := now()
	execution.Status = models.WorkflowStatusCompleted
	execution.CompletedAt = &completed
	require.NoError(t, p.Executions().Update(ctx, execution))

	active, err = p.Executions().ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err := p.Executions().ListByWorkflow(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StepStatusCompleted, history[0].Steps["list"].Status)

	_, err = p.Executions().GetByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}
