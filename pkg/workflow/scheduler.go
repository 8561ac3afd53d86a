package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/devicehub/pkg/loop"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
)

const DefaultSchedulerInterval = time.Minute

// Triggerer starts workflow executions.
type Triggerer interface {
	Trigger(ctx context.Context, workflowID, triggeredBy string) (*models.WorkflowExecution, error)
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithSchedulerInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// Scheduler triggers recurring workflows when their next run comes due.
type Scheduler struct {
	logger    *slog.Logger
	workflows persistence.WorkflowRepository
	triggerer Triggerer
	clock     func() time.Time
	interval  time.Duration
	poller    *loop.Loop
}

func NewScheduler(logger *slog.Logger, workflows persistence.WorkflowRepository, triggerer Triggerer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:    logger.With("module", "workflow_scheduler"),
		workflows: workflows,
		triggerer: triggerer,
		clock:     time.Now,
		interval:  DefaultSchedulerInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.poller = loop.New(s.logger, "workflow-scheduler", s.interval, func(ctx context.Context) {
		s.RunDue(ctx)
	})

	return s
}

// RunDue triggers every due workflow once and moves its next run past now.
// A missed window is not replayed. It returns how many executions started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.clock().UTC()

	due, err := s.workflows.ListDue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list due workflows", "error", err)

		return 0
	}

	if len(due) > 0 {
		s.logger.InfoContext(ctx, "Processing due workflows", "count", len(due))
	}

	triggered := 0

	for _, workflow := range due {
		execution, err := s.triggerer.Trigger(ctx, workflow.ID, TriggeredBySchedule)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to trigger scheduled workflow", "workflow_id", workflow.ID, "error", err)
		} else {
			triggered++
			s.logger.InfoContext(ctx, "Scheduled workflow triggered",
				"workflow_id", workflow.ID, "execution_id", execution.ID, "due_at", workflow.NextRunAt)
		}

		err = workflow.AdvanceSchedule(now)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to compute next run, unscheduling workflow",
				"workflow_id", workflow.ID, "schedule", workflow.Schedule, "error", err)

			workflow.NextRunAt = nil
		}

		err = s.workflows.UpdateSchedule(ctx, workflow.ID, workflow.NextRunAt)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to update next run", "workflow_id", workflow.ID, "error", err)

			continue
		}

		s.logger.DebugContext(ctx, "Schedule updated", "workflow_id", workflow.ID, "next_run_at", workflow.NextRunAt)
	}

	return triggered
}

func (s *Scheduler) Start(ctx context.Context) error {
	return s.poller.Start(ctx)
}

func (s *Scheduler) Stop(ctx context.Context) error {
	return s.poller.Stop(ctx)
}
