package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/eventbus"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/mocks"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/persistence/memory"
	"github.com/dukex/devicehub/pkg/testutil"
	"github.com/dukex/devicehub/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	tracker *tracker.Tracker
	store   *memory.Persistence
	clock   *testutil.Clock
	device  *models.Device
}

func setup(t *testing.T, opts ...tracker.Option) *fixture {
	t.Helper()

	store := memory.NewPersistence()
	clock := testutil.NewClock(start)
	device := testutil.CreateTestDevice()

	require.NoError(t, store.Devices().Upsert(context.Background(), device))

	opts = append([]tracker.Option{tracker.WithClock(clock.Now)}, opts...)

	return &fixture{
		tracker: tracker.New(testLogger(), store.Tasks(), opts...),
		store:   store,
		clock:   clock,
		device:  device,
	}
}

func (f *fixture) createTask(t *testing.T, overrides ...func(*models.Task)) *models.Task {
	t.Helper()

	now := f.clock.Now()
	base := []func(*models.Task){func(task *models.Task) {
		task.CreatedAt = now
		task.UpdatedAt = now
		task.DeadlineAt = now.Add(task.Timeout())
	}}

	task := testutil.CreateTestTask(f.device.ID, append(base, overrides...)...)
	require.NoError(t, f.store.Tasks().Create(context.Background(), task, nil))

	return task
}

func (f *fixture) get(t *testing.T, id string) *models.Task {
	t.Helper()

	task, err := f.store.Tasks().GetByID(context.Background(), id)
	require.NoError(t, err)

	return task
}

func TestReportTransition_ForwardPath(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.createTask(t)

	f.clock.Advance(2 * time.Second)

	running, err := f.tracker.ReportTransition(ctx, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	assert.Equal(t, f.clock.Now(), *running.StartedAt)

	f.clock.Advance(3 * time.Second)

	completed, err := f.tracker.ReportTransition(ctx, models.TaskReport{
		TaskID: task.ID,
		Status: models.TaskStatusCompleted,
		Result: json.RawMessage(`{"stdout":"kiosk-01","exit_code":0}`),
	})
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.JSONEq(t, `{"stdout":"kiosk-01","exit_code":0}`, string(stored.Result))
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, f.clock.Now(), *stored.CompletedAt)
	assert.Equal(t, 3, stored.Version)
	assert.Equal(t, completed.Version, stored.Version)

	transitions, err := f.store.Tasks().Transitions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)

	assert.Equal(t, models.SourceAPI, transitions[0].Source)
	assert.Equal(t, models.TaskStatusPending, transitions[1].From)
	assert.Equal(t, models.TaskStatusRunning, transitions[1].To)
	assert.Equal(t, models.SourceAgent, transitions[1].Source)
	assert.Equal(t, models.TaskStatusCompleted, transitions[2].To)
}

func TestReportTransition_DuplicateRunningIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.createTask(t, testutil.WithStatus(models.TaskStatusRunning))

	result, err := f.tracker.ReportTransition(ctx, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, result.Status)

	stored := f.get(t, task.ID)
	assert.Equal(t, 1, stored.Version)

	transitions, err := f.store.Tasks().Transitions(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}

func TestReportTransition_RejectsBackwardAndPostTerminal(t *testing.T) {
	tests := []struct {
		name string
		kind models.TaskKind
		from models.TaskStatus
		to   models.TaskStatus
	}{
		{"running to pending", models.TaskKindShell, models.TaskStatusRunning, models.TaskStatusPending},
		{"completed to running", models.TaskKindShell, models.TaskStatusCompleted, models.TaskStatusRunning},
		{"failed to completed", models.TaskKindShell, models.TaskStatusFailed, models.TaskStatusCompleted},
		{"timeout to completed", models.TaskKindShell, models.TaskStatusTimeout, models.TaskStatusCompleted},
		{"cancel shell", models.TaskKindShell, models.TaskStatusRunning, models.TaskStatusCancelled},
		{"unknown status", models.TaskKindShell, models.TaskStatusRunning, models.TaskStatus("paused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			task := f.createTask(t, testutil.WithStatus(tt.from), func(task *models.Task) { task.Kind = tt.kind })

			_, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{TaskID: task.ID, Status: tt.to})
			require.ErrorIs(t, err, models.ErrInvalidTransition)

			var transitionErr *models.TransitionError
			require.ErrorAs(t, err, &transitionErr)
			assert.Equal(t, tt.from, transitionErr.From)

			stored := f.get(t, task.ID)
			assert.Equal(t, tt.from, stored.Status)
			assert.Equal(t, 1, stored.Version)
		})
	}
}

func TestReportTransition_CancelPowerAction(t *testing.T) {
	f := setup(t)
	task := f.createTask(t, testutil.WithKind(models.TaskKindPowerAction, `{"action":"restart"}`))

	cancelled, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{
		TaskID: task.ID,
		Status: models.TaskStatusCancelled,
		Source: models.SourceAPI,
	})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	assert.NotEmpty(t, cancelled.Error)
	assert.NotNil(t, cancelled.CompletedAt)
}

func TestReportTransition_FailureKeepsDetail(t *testing.T) {
	f := setup(t)
	task := f.createTask(t, testutil.WithStatus(models.TaskStatusRunning))

	failed, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{
		TaskID: task.ID,
		Status: models.TaskStatusFailed,
		Error:  "exit status 1",
	})
	require.NoError(t, err)

	assert.Equal(t, "exit status 1", failed.Error)
	assert.Nil(t, failed.Result)
}

func TestReportTransition_UnknownTask(t *testing.T) {
	f := setup(t)

	_, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{TaskID: "missing", Status: models.TaskStatusRunning})
	require.ErrorIs(t, err, models.ErrUnknownTask)
}

func TestReportTransition_ConcurrentTerminalReports(t *testing.T) {
	f := setup(t)
	task := f.createTask(t, testutil.WithStatus(models.TaskStatusRunning))

	const reporters = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)

	for i := range reporters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			status := models.TaskStatusCompleted
			if i%2 == 1 {
				status = models.TaskStatusFailed
			}

			_, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{
				TaskID: task.ID,
				Status: status,
				Error:  fmt.Sprintf("reporter %d", i),
			})

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, models.ErrInvalidTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, reporters-1, rejected)

	transitions, err := f.store.Tasks().Transitions(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 2, "exactly one terminal transition is recorded")
}

func TestReportTransition_RetriesVersionConflict(t *testing.T) {
	repo := &mocks.MockTaskRepository{}
	tr := tracker.New(testLogger(), repo)

	fresh := func() *models.Task {
		return testutil.CreateTestTask("dev-1", func(task *models.Task) { task.ID = "task-1" })
	}

	repo.On("GetByID", mock.Anything, "task-1").Return(fresh(), nil).Once()
	repo.On("GetByID", mock.Anything, "task-1").Return(fresh(), nil).Once()
	repo.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(persistence.ErrVersionConflict).Once()
	repo.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	task, err := tr.ReportTransition(context.Background(), models.TaskReport{TaskID: "task-1", Status: models.TaskStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, task.Status)

	repo.AssertNumberOfCalls(t, "GetByID", 2)
	repo.AssertExpectations(t)
}

func TestReportTransition_GivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := &mocks.MockTaskRepository{}
	tr := tracker.New(testLogger(), repo)

	for range tracker.MaxConflictRetries {
		repo.On("GetByID", mock.Anything, "task-1").
			Return(testutil.CreateTestTask("dev-1", func(task *models.Task) { task.ID = "task-1" }), nil).Once()
	}

	repo.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(persistence.ErrVersionConflict)

	_, err := tr.ReportTransition(context.Background(), models.TaskReport{TaskID: "task-1", Status: models.TaskStatusRunning})
	require.Error(t, err)
	assert.True(t, persistence.IsVersionConflict(err))

	repo.AssertNumberOfCalls(t, "Update", tracker.MaxConflictRetries)
}

func TestReportTransition_PublishesTaskFinished(t *testing.T) {
	bus := &mocks.MockEventBus{}
	f := setup(t, tracker.WithPublisher(bus))
	task := f.createTask(t, testutil.WithStatus(models.TaskStatusRunning), func(task *models.Task) {
		task.ExecutionID = "exec-1"
		task.StepID = "step-a"
	})

	bus.On("Publish", mock.Anything, "exec-1", mock.MatchedBy(func(event eventbus.Event) bool {
		finished, ok := event.(events.TaskFinished)

		return ok && finished.TaskID == task.ID && finished.Status == models.TaskStatusCompleted && finished.StepID == "step-a"
	})).Return(nil).Once()

	_, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{TaskID: task.ID, Status: models.TaskStatusCompleted})
	require.NoError(t, err)

	bus.AssertExpectations(t)
}

func TestReportTransition_PublishFailureDoesNotFailTransition(t *testing.T) {
	bus := &mocks.MockEventBus{}
	f := setup(t, tracker.WithPublisher(bus))
	task := f.createTask(t)

	bus.On("Publish", mock.Anything, task.ID, mock.Anything).Return(errors.New("broker down"))

	_, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{TaskID: task.ID, Status: models.TaskStatusFailed, Error: "boom"})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusFailed, f.get(t, task.ID).Status)
}

type verifierFunc func(ctx context.Context, task *models.Task, result json.RawMessage) error

func (fn verifierFunc) VerifyCompletion(ctx context.Context, task *models.Task, result json.RawMessage) error {
	return fn(ctx, task, result)
}

func TestReportTransition_TransferVerification(t *testing.T) {
	transfer := func(task *models.Task) {
		task.Kind = models.TaskKindFileUpload
		task.Status = models.TaskStatusRunning
		task.Transfer = &models.FileTransfer{Direction: models.DirectionUpload, TotalSize: 10, ChunkSize: 10, ChunkCount: 1}
	}

	t.Run("hash mismatch fails the task", func(t *testing.T) {
		f := setup(t)
		f.tracker.SetVerifier(verifierFunc(func(context.Context, *models.Task, json.RawMessage) error {
			return fmt.Errorf("%w: expected abc, got def", models.ErrHashMismatch)
		}))
		task := f.createTask(t, transfer)

		result, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{TaskID: task.ID, Status: models.TaskStatusCompleted})
		require.NoError(t, err)

		assert.Equal(t, models.TaskStatusFailed, result.Status)
		assert.Contains(t, result.Error, "hash mismatch")
	})

	t.Run("incomplete chunks reject the report", func(t *testing.T) {
		f := setup(t)
		f.tracker.SetVerifier(verifierFunc(func(context.Context, *models.Task, json.RawMessage) error {
			return models.ErrChunksIncomplete
		}))
		task := f.createTask(t, transfer)

		_, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{TaskID: task.ID, Status: models.TaskStatusCompleted})
		require.ErrorIs(t, err, models.ErrChunksIncomplete)

		assert.Equal(t, models.TaskStatusRunning, f.get(t, task.ID).Status)
	})

	t.Run("verified transfer completes", func(t *testing.T) {
		f := setup(t)
		f.tracker.SetVerifier(verifierFunc(func(_ context.Context, _ *models.Task, result json.RawMessage) error {
			assert.JSONEq(t, `{"file_hash":"abc"}`, string(result))

			return nil
		}))
		task := f.createTask(t, transfer)

		result, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{
			TaskID: task.ID,
			Status: models.TaskStatusCompleted,
			Result: json.RawMessage(`{"file_hash":"abc"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCompleted, result.Status)
	})

	t.Run("failure reports skip verification", func(t *testing.T) {
		f := setup(t)
		task := f.createTask(t, transfer)

		result, err := f.tracker.ReportTransition(context.Background(), models.TaskReport{TaskID: task.ID, Status: models.TaskStatusFailed, Error: "disk full"})
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusFailed, result.Status)
	})
}

func TestSweep_TimesOutStuckTask(t *testing.T) {
	bus := &mocks.MockEventBus{}
	f := setup(t, tracker.WithPublisher(bus))
	ctx := context.Background()

	task := f.createTask(t)
	_, err := f.tracker.ReportTransition(ctx, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusRunning})
	require.NoError(t, err)

	f.clock.Advance(299 * time.Second)

	count, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	bus.On("Publish", mock.Anything, task.ID, mock.MatchedBy(func(event eventbus.Event) bool {
		finished, ok := event.(events.TaskFinished)

		return ok && finished.Status == models.TaskStatusTimeout
	})).Return(nil).Once()

	f.clock.Advance(2 * time.Second)

	count, err = f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored := f.get(t, task.ID)
	assert.Equal(t, models.TaskStatusTimeout, stored.Status)
	assert.Contains(t, stored.Error, "no terminal report within 5m0s")
	assert.Contains(t, stored.Error, "last status running")

	transitions, err := f.store.Tasks().Transitions(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceSweep, transitions[len(transitions)-1].Source)

	// A late completion is rejected.
	_, err = f.tracker.ReportTransition(ctx, models.TaskReport{TaskID: task.ID, Status: models.TaskStatusCompleted})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	count, err = f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	bus.AssertExpectations(t)
}

func TestSweep_IgnoresFinishedTasks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	task := f.createTask(t, testutil.WithStatus(models.TaskStatusCompleted))

	f.clock.Advance(time.Hour)

	count, err := f.tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, models.TaskStatusCompleted, f.get(t, task.ID).Status)
}

func TestMutate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.createTask(t, testutil.WithStatus(models.TaskStatusRunning))

	updated, err := f.tracker.Mutate(ctx, task.ID, func(task *models.Task) (bool, error) {
		task.CancelRequested = true

		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, updated.CancelRequested)

	stored := f.get(t, task.ID)
	assert.True(t, stored.CancelRequested)
	assert.Equal(t, 2, stored.Version)

	_, err = f.tracker.Mutate(ctx, task.ID, func(task *models.Task) (bool, error) {
		task.Status = models.TaskStatusCompleted

		return true, nil
	})
	require.Error(t, err)

	unchanged, err := f.tracker.Mutate(ctx, task.ID, func(*models.Task) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, unchanged.Version)

	done := f.createTask(t, testutil.WithStatus(models.TaskStatusFailed))

	_, err = f.tracker.Mutate(ctx, done.ID, func(*models.Task) (bool, error) { return true, nil })
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCleanup(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	old := f.createTask(t)
	_, err := f.tracker.ReportTransition(ctx, models.TaskReport{TaskID: old.ID, Status: models.TaskStatusCompleted})
	require.NoError(t, err)

	f.clock.Advance(tracker.DefaultRetention + time.Hour)

	pending := f.createTask(t)
	recent := f.createTask(t)
	_, err = f.tracker.ReportTransition(ctx, models.TaskReport{TaskID: recent.ID, Status: models.TaskStatusFailed, Error: "x"})
	require.NoError(t, err)

	deleted, err := f.tracker.Cleanup(ctx, tracker.DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = f.store.Tasks().GetByID(ctx, old.ID)
	assert.True(t, persistence.IsTaskNotFound(err))

	f.get(t, pending.ID)
	f.get(t, recent.ID)

	_, err = f.tracker.Cleanup(ctx, 0)
	assert.Error(t, err)
}

func TestHandleAgentReportEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.createTask(t)

	event := func(deviceID string, status models.TaskStatus) *events.AgentReport {
		return &events.AgentReport{
			BaseEvent: events.NewBaseEvent(events.AgentReportEvent),
			DeviceID:  deviceID,
			Report:    models.TaskReport{TaskID: task.ID, Status: status},
		}
	}

	// Reports from another device are dropped.
	require.NoError(t, f.tracker.HandleAgentReportEvent(ctx, event("10.9.9.9", models.TaskStatusRunning)))
	assert.Equal(t, models.TaskStatusPending, f.get(t, task.ID).Status)

	require.NoError(t, f.tracker.HandleAgentReportEvent(ctx, event(f.device.ID, models.TaskStatusRunning)))
	assert.Equal(t, models.TaskStatusRunning, f.get(t, task.ID).Status)

	// Rejected reports are not redelivered.
	require.NoError(t, f.tracker.HandleAgentReportEvent(ctx, event(f.device.ID, models.TaskStatusPending)))

	unknown := event(f.device.ID, models.TaskStatusRunning)
	unknown.Report.TaskID = "missing"
	require.NoError(t, f.tracker.HandleAgentReportEvent(ctx, unknown))

	assert.Error(t, f.tracker.HandleAgentReportEvent(ctx, "not a report"))
}

func TestStartStop(t *testing.T) {
	f := setup(t, tracker.WithSweepInterval(10*time.Millisecond), tracker.WithCleanupInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, f.tracker.Start(ctx))
	require.NoError(t, f.tracker.Stop(ctx))
}
