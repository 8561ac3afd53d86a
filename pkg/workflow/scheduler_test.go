package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/testutil"
	"github.com/dukex/devicehub/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_TriggersDueWorkflows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	scheduled := f.define(t, []*models.WorkflowStep{testutil.ShellStep("a", "dev-1", "uptime")}, func(w *models.Workflow) {
		w.Schedule = "@hourly"
	})
	f.define(t, []*models.WorkflowStep{testutil.ShellStep("a", "dev-1", "uptime")})

	scheduler := workflow.NewScheduler(testLogger(), f.store.Workflows(), f.engine, workflow.WithSchedulerClock(f.clock.Now))

	assert.Equal(t, 0, scheduler.RunDue(ctx))

	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, scheduler.RunDue(ctx))
	assert.Equal(t, 0, scheduler.RunDue(ctx))

	executions, err := f.engine.Executions(ctx, scheduled.ID)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, workflow.TriggeredBySchedule, executions[0].TriggeredBy)
	assert.Equal(t, models.StepStatusRunning, executions[0].Steps["a"].Status)

	stored, err := f.engine.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(*stored.NextRunAt), "next run %s", stored.NextRunAt)
}

type failingTriggerer struct {
	calls int
}

func (t *failingTriggerer) Trigger(context.Context, string, string) (*models.WorkflowExecution, error) {
	t.calls++

	return nil, errors.New("store unavailable")
}

func TestScheduler_AdvancesEvenWhenTriggerFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	scheduled := f.define(t, []*models.WorkflowStep{testutil.ShellStep("a", "dev-1", "uptime")}, func(w *models.Workflow) {
		w.Schedule = "*/5 * * * *"
	})

	triggerer := &failingTriggerer{}
	scheduler := workflow.NewScheduler(testLogger(), f.store.Workflows(), triggerer, workflow.WithSchedulerClock(f.clock.Now))

	// Three windows pass while the worker is down; only one run is attempted.
	f.clock.Advance(15 * time.Minute)
	assert.Equal(t, 0, scheduler.RunDue(ctx))
	assert.Equal(t, 1, triggerer.calls)

	assert.Equal(t, 0, scheduler.RunDue(ctx))
	assert.Equal(t, 1, triggerer.calls)

	stored, err := f.engine.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Add(5*time.Minute).Equal(*stored.NextRunAt), "next run %s", stored.NextRunAt)
}

func TestSchedulerStartStop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	scheduled := f.define(t, []*models.WorkflowStep{testutil.ShellStep("a", "dev-1", "uptime")}, func(w *models.Workflow) {
		w.Schedule = "@hourly"
	})
	f.clock.Advance(time.Hour)

	scheduler := workflow.NewScheduler(testLogger(), f.store.Workflows(), f.engine,
		workflow.WithSchedulerClock(f.clock.Now), workflow.WithSchedulerInterval(10*time.Millisecond))

	require.NoError(t, scheduler.Start(ctx))

	assert.Eventually(t, func() bool {
		executions, err := f.engine.Executions(ctx, scheduled.ID)

		return err == nil && len(executions) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, scheduler.Stop(ctx))
}
