package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/mocks"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/testutil"
	"github.com/dukex/devicehub/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPool_AppliesReportsInOrderPerTask(t *testing.T) {
	f := setup(t)
	pool := tracker.NewPool(f.tracker, 4)
	assert.Equal(t, 4, pool.Workers())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- pool.Run(ctx)
	}()

	tasks := make([]*models.Task, 0, 5)

	for range 5 {
		task := f.createTask(t)
		tasks = append(tasks, task)

		require.NoError(t, pool.Submit(ctx, f.device.ID, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusRunning}))
		require.NoError(t, pool.Submit(ctx, f.device.ID, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusCompleted}))
	}

	for _, task := range tasks {
		assert.Eventually(t, func() bool {
			stored, err := f.store.Tasks().GetByID(context.Background(), task.ID)

			return err == nil && stored.Status == models.TaskStatusCompleted
		}, 5*time.Second, 10*time.Millisecond)

		transitions, err := f.store.Tasks().Transitions(context.Background(), task.ID)
		require.NoError(t, err)
		require.Len(t, transitions, 3)
		assert.Equal(t, models.TaskStatusRunning, transitions[1].To)
		assert.Equal(t, models.TaskStatusCompleted, transitions[2].To)
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_HandleAgentReportEvent(t *testing.T) {
	f := setup(t)
	pool := tracker.NewPool(f.tracker, 0)
	assert.Equal(t, tracker.DefaultReportWorkers, pool.Workers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = pool.Run(ctx)
	}()

	task := f.createTask(t)

	require.NoError(t, pool.HandleAgentReportEvent(ctx, &events.AgentReport{
		BaseEvent: events.NewBaseEvent(events.AgentReportEvent),
		DeviceID:  f.device.ID,
		Report:    models.TaskReport{TaskID: task.ID, Status: models.TaskStatusRunning},
	}))

	assert.Eventually(t, func() bool {
		stored, err := f.store.Tasks().GetByID(context.Background(), task.ID)

		return err == nil && stored.Status == models.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, pool.HandleAgentReportEvent(ctx, "nope"))
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	f := setup(t)
	pool := tracker.NewPool(f.tracker, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nobody runs the pool, so Submit gives up once ctx ends.
	err := pool.Submit(ctx, f.device.ID, models.TaskReport{TaskID: "task", Status: models.TaskStatusRunning})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReportBatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.createTask(t)
	second := f.createTask(t, testutil.WithStatus(models.TaskStatusRunning))

	results := f.tracker.ReportBatch(ctx, []models.TaskReport{
		{TaskID: first.ID, Status: models.TaskStatusRunning},
		{TaskID: second.ID, Status: models.TaskStatusFailed, Error: "exit status 2"},
		{TaskID: first.ID, Status: models.TaskStatusCompleted},
		{TaskID: "missing", Status: models.TaskStatusRunning},
		{TaskID: second.ID, Status: models.TaskStatusCompleted},
	}, 2)

	require.Len(t, results, 5)

	assert.Empty(t, results[0].Error)
	assert.Equal(t, models.TaskStatusRunning, results[0].Task.Status)
	assert.Empty(t, results[1].Error)
	assert.Empty(t, results[2].Error)
	assert.Equal(t, models.TaskStatusCompleted, results[2].Task.Status)
	assert.Contains(t, results[3].Error, "unknown task")
	assert.Nil(t, results[3].Task)
	assert.Contains(t, results[4].Error, "invalid transition")
	assert.Equal(t, second.ID, results[4].TaskID)
}

func TestPool_StorageFailureIsReturnedForRedelivery(t *testing.T) {
	repo := &mocks.MockTaskRepository{}
	repo.On("GetByID", mock.Anything, "task-1").Return(nil, errors.New("connection reset"))

	pool := tracker.NewPool(tracker.New(testLogger(), repo), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = pool.Run(ctx)
	}()

	err := pool.HandleAgentReportEvent(ctx, &events.AgentReport{
		BaseEvent: events.NewBaseEvent(events.AgentReportEvent),
		DeviceID:  "dev-1",
		Report:    models.TaskReport{TaskID: "task-1", Status: models.TaskStatusCompleted},
	})

	require.ErrorContains(t, err, "connection reset")
	repo.AssertExpectations(t)
}

func TestPool_RejectedReportIsAcknowledged(t *testing.T) {
	f := setup(t)
	pool := tracker.NewPool(f.tracker, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = pool.Run(ctx)
	}()

	task := f.createTask(t, testutil.WithStatus(models.TaskStatusCompleted))

	require.NoError(t, pool.Submit(ctx, f.device.ID, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusRunning}))
	require.NoError(t, pool.Submit(ctx, f.device.ID, models.TaskReport{TaskID: "missing", Status: models.TaskStatusRunning}))
}

func TestPool_DrainsBufferedReportsOnShutdown(t *testing.T) {
	f := setup(t)
	pool := tracker.NewPool(f.tracker, 2)

	const reports = 20

	tasks := make([]*models.Task, 0, reports)
	for range reports {
		tasks = append(tasks, f.createTask(t, testutil.WithStatus(models.TaskStatusRunning)))
	}

	results := make(chan error, reports)

	for _, task := range tasks {
		go func() {
			results <- pool.Submit(context.Background(), f.device.ID, models.TaskReport{
				TaskID: task.ID,
				Status: models.TaskStatusCompleted,
				Result: json.RawMessage(`{"exit_code":0}`),
			})
		}()
	}

	require.Eventually(t, func() bool { return pool.Pending() == reports }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pool.Run(ctx))

	for range reports {
		require.NoError(t, <-results)
	}

	assert.Equal(t, 0, pool.Pending())

	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusCompleted, f.get(t, task.ID).Status)
	}
}

func TestPool_RejectsReportsAfterStop(t *testing.T) {
	f := setup(t)
	pool := tracker.NewPool(f.tracker, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pool.Run(ctx))

	task := f.createTask(t)
	err := pool.Submit(context.Background(), f.device.ID, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusRunning})

	require.ErrorIs(t, err, tracker.ErrPoolStopped)
	assert.Equal(t, models.TaskStatusPending, f.get(t, task.ID).Status)
}
