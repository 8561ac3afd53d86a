// Package tracker applies status reports to tasks, forces stuck tasks to
// timeout and removes expired terminal tasks.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicehub/pkg/eventbus"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/loop"
	"github.com/dukex/devicehub/pkg/metrics"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/otelhelper"
	"github.com/dukex/devicehub/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSweepInterval   = 15 * time.Second
	DefaultCleanupInterval = time.Hour
	DefaultRetention       = 720 * time.Hour

	// MaxConflictRetries bounds how often a write losing a version race is
	// replayed against a fresh read.
	MaxConflictRetries = 3

	sweepBatch = 500
)

// CompletionVerifier decides whether a file transfer task may complete. An
// error wrapping models.ErrHashMismatch fails the task; any other error
// rejects the report and leaves the task untouched.
type CompletionVerifier interface {
	VerifyCompletion(ctx context.Context, task *models.Task, result json.RawMessage) error
}

type Option func(*Tracker)

func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithPublisher enables task.finished notifications.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(t *Tracker) {
		t.publisher = publisher
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(t *Tracker) {
		t.metrics = collector
	}
}

func WithSweepInterval(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.sweepInterval = interval
		}
	}
}

// WithRetention sets how long terminal tasks are kept by the cleanup loop.
func WithRetention(retention time.Duration) Option {
	return func(t *Tracker) {
		if retention > 0 {
			t.retention = retention
		}
	}
}

func WithCleanupInterval(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.cleanupInterval = interval
		}
	}
}

type Tracker struct {
	logger          *slog.Logger
	tasks           persistence.TaskRepository
	verifier        CompletionVerifier
	publisher       eventbus.EventPublisher
	metrics         *metrics.Collector
	tracer          trace.Tracer
	clock           func() time.Time
	sweepInterval   time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	sweeper         *loop.Loop
	cleaner         *loop.Loop
}

func New(logger *slog.Logger, tasks persistence.TaskRepository, opts ...Option) *Tracker {
	t := &Tracker{
		logger:          logger.With("module", "tracker"),
		tasks:           tasks,
		tracer:          otelhelper.Tracer("devicehub/tracker"),
		clock:           time.Now,
		sweepInterval:   DefaultSweepInterval,
		cleanupInterval: DefaultCleanupInterval,
		retention:       DefaultRetention,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.sweeper = loop.New(t.logger, "timeout-sweep", t.sweepInterval, func(ctx context.Context) {
		_, err := t.Sweep(ctx)
		if err != nil {
			t.logger.ErrorContext(ctx, "Timeout sweep failed", "error", err)
		}
	})
	t.cleaner = loop.New(t.logger, "retention-cleanup", t.cleanupInterval, func(ctx context.Context) {
		_, err := t.Cleanup(ctx, t.retention)
		if err != nil {
			t.logger.ErrorContext(ctx, "Retention cleanup failed", "error", err)
		}
	})

	return t
}

// SetVerifier installs the transfer completion check. It must be called
// before reports for transfer kinds arrive.
func (t *Tracker) SetVerifier(verifier CompletionVerifier) {
	t.verifier = verifier
}

func (t *Tracker) now() time.Time {
	return t.clock().UTC()
}

// ReportTransition applies a status report. Backward or post-terminal moves
// fail with models.ErrInvalidTransition and leave the task untouched; a
// duplicate running report returns the task unchanged.
func (t *Tracker) ReportTransition(ctx context.Context, report models.TaskReport) (*models.Task, error) {
	return t.transition(ctx, report, nil)
}

// guard vetoes a report after the fresh read and before the state machine runs.
// errSkip turns the report into a no-op.
type guard func(task *models.Task) error

var errSkip = errors.New("skip")

func (t *Tracker) transition(ctx context.Context, report models.TaskReport, check guard) (*models.Task, error) {
	if report.Source == "" {
		report.Source = models.SourceAgent
	}

	ctx, span := otelhelper.StartSpan(ctx, t.tracer, "tracker.report_transition",
		attribute.String(otelhelper.TaskIDKey, report.TaskID),
		attribute.String(otelhelper.TaskStatusKey, string(report.Status)),
		attribute.String(otelhelper.SourceKey, string(report.Source)),
	)
	defer span.End()

	var applied *models.Task

	err := persistence.RetryOnConflict(MaxConflictRetries, func() error {
		task, err := t.load(ctx, report.TaskID)
		if err != nil {
			return err
		}

		if check != nil {
			err = check(task)
			if err != nil {
				applied = task

				return err
			}
		}

		to, detail, err := t.verify(ctx, task, report)
		if err != nil {
			return err
		}

		from := task.Status

		changed, err := task.Apply(to, report.Result, detail, t.now())
		if err != nil {
			t.metrics.TransitionRejected()
			t.logger.WarnContext(ctx, "Rejected task transition",
				"task_id", task.ID, "status", from, "requested_status", to, "source", report.Source)

			return err
		}

		applied = task

		if !changed {
			return nil
		}

		err = t.tasks.Update(ctx, task, &models.TaskTransition{
			TaskID: task.ID,
			From:   from,
			To:     to,
			Source: report.Source,
			Detail: detail,
			At:     task.UpdatedAt,
		})
		if err != nil {
			return err
		}

		t.metrics.TaskTransitioned(to)
		t.logger.InfoContext(ctx, "Task transitioned",
			"task_id", task.ID, "device_id", task.DeviceID, "from", from, "status", to, "source", report.Source)

		if to.IsTerminal() {
			t.notify(ctx, task)
		}

		return nil
	})

	if errors.Is(err, errSkip) {
		return applied, nil
	}

	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			otelhelper.SetError(span, err)
		}

		return nil, err
	}

	return applied, nil
}

// verify resolves the status actually applied: a transfer completion that
// fails hash verification becomes a failure.
func (t *Tracker) verify(ctx context.Context, task *models.Task, report models.TaskReport) (models.TaskStatus, string, error) {
	detail := report.Error

	if report.Status != models.TaskStatusCompleted || !task.Kind.IsTransfer() || task.Status.IsTerminal() {
		return report.Status, detail, nil
	}

	if t.verifier == nil {
		return "", "", fmt.Errorf("no completion verifier for %s task %s", task.Kind, task.ID)
	}

	err := t.verifier.VerifyCompletion(ctx, task, report.Result)
	if errors.Is(err, models.ErrHashMismatch) {
		t.logger.WarnContext(ctx, "Transfer failed hash verification", "task_id", task.ID, "error", err)

		return models.TaskStatusFailed, err.Error(), nil
	}

	if err != nil {
		return "", "", err
	}

	return report.Status, detail, nil
}

func (t *Tracker) notify(ctx context.Context, task *models.Task) {
	if t.publisher == nil {
		return
	}

	event := events.NewTaskFinished(task)

	err := t.publisher.Publish(ctx, event.Key(), event)
	if err != nil {
		t.logger.ErrorContext(ctx, "Failed to publish task finished", "task_id", task.ID, "error", err)
	}
}

func (t *Tracker) load(ctx context.Context, id string) (*models.Task, error) {
	task, err := t.tasks.GetByID(ctx, id)
	if persistence.IsTaskNotFound(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	return task, nil
}

// Mutate applies fn to a fresh copy of a non-terminal task and writes it
// under the version check, replaying on conflicts. fn returns false to skip
// the write. fn must not change the status.
func (t *Tracker) Mutate(ctx context.Context, taskID string, fn func(task *models.Task) (bool, error)) (*models.Task, error) {
	var result *models.Task

	err := persistence.RetryOnConflict(MaxConflictRetries, func() error {
		task, err := t.load(ctx, taskID)
		if err != nil {
			return err
		}

		if task.Status.IsTerminal() {
			return &models.TransitionError{TaskID: task.ID, From: task.Status, To: task.Status}
		}

		status := task.Status

		changed, err := fn(task)
		if err != nil {
			return err
		}

		result = task

		if !changed {
			return nil
		}

		if task.Status != status {
			return fmt.Errorf("mutation of task %s changed its status", task.ID)
		}

		task.UpdatedAt = t.now()

		return t.tasks.Update(ctx, task, nil)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Sweep forces every pending or running task past its deadline to timeout
// and returns how many were transitioned.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	now := t.now()

	expired, err := t.tasks.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired tasks: %w", err)
	}

	timedOut := 0

	for _, task := range expired {
		report := models.TaskReport{
			TaskID: task.ID,
			Status: models.TaskStatusTimeout,
			Error:  fmt.Sprintf("no terminal report within %s, last status %s", task.Timeout(), task.Status),
			Source: models.SourceSweep,
		}

		skipped := false

		// A report or a deadline extension may land between listing and writing.
		_, err := t.transition(ctx, report, func(fresh *models.Task) error {
			skipped = !fresh.Expired(now)
			if skipped {
				return errSkip
			}

			return nil
		})

		switch {
		case err == nil && skipped:
			t.logger.DebugContext(ctx, "Task no longer expired", "task_id", task.ID)
		case err == nil:
			timedOut++
		case errors.Is(err, models.ErrInvalidTransition):
			t.logger.DebugContext(ctx, "Task finished before sweep", "task_id", task.ID)
		default:
			t.logger.ErrorContext(ctx, "Failed to time out task", "task_id", task.ID, "error", err)
		}
	}

	if timedOut > 0 {
		t.logger.InfoContext(ctx, "Timed out stuck tasks", "count", timedOut)
	}

	counts, err := t.tasks.CountByStatus(ctx)
	if err == nil {
		t.metrics.SetTaskCounts(counts)
	}

	return timedOut, nil
}

// Cleanup deletes terminal tasks completed more than retention ago, with
// their chunks and audit trail. Pending and running tasks are never touched.
func (t *Tracker) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}

	deleted, err := t.tasks.DeleteTerminalBefore(ctx, t.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tasks: %w", err)
	}

	if deleted > 0 {
		t.logger.InfoContext(ctx, "Removed expired terminal tasks", "count", deleted, "retention", retention)
	}

	return deleted, nil
}

// HandleAgentReportEvent is the event bus handler for agent reports. Reports
// the state machine rejects are logged and dropped; only storage failures are
// returned for redelivery.
func (t *Tracker) HandleAgentReportEvent(ctx context.Context, event any) error {
	report, ok := event.(*events.AgentReport)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	return t.handleReport(ctx, report.DeviceID, report.Report)
}

func (t *Tracker) handleReport(ctx context.Context, deviceID string, report models.TaskReport) error {
	report.Source = models.SourceAgent

	_, err := t.transition(ctx, report, func(task *models.Task) error {
		if deviceID != "" && task.DeviceID != deviceID {
			t.logger.WarnContext(ctx, "Dropping report from foreign device",
				"task_id", task.ID, "device_id", deviceID, "owner_device_id", task.DeviceID)

			return errSkip
		}

		return nil
	})

	if isRejection(err) {
		return nil
	}

	return err
}

// isRejection reports whether err is a verdict on the report itself rather
// than a failure to process it.
func isRejection(err error) bool {
	return errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrUnknownTask) ||
		errors.Is(err, models.ErrChunksIncomplete) ||
		errors.Is(err, models.ErrFileHashMissing) ||
		errors.Is(err, models.ErrTransferNotDeclared) ||
		errors.Is(err, models.ErrInvalidParams)
}

// Start runs the timeout sweep and retention cleanup in the background.
func (t *Tracker) Start(ctx context.Context) error {
	err := t.sweeper.Start(ctx)
	if err != nil {
		return err
	}

	return t.cleaner.Start(ctx)
}

func (t *Tracker) Stop(ctx context.Context) error {
	return errors.Join(t.sweeper.Stop(ctx), t.cleaner.Stop(ctx))
}
