// Package workflow defines dependency-ordered workflows and drives their
// executions: released steps become tasks, and task outcomes release the
// steps that waited on them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/eventbus"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/keylock"
	"github.com/dukex/devicehub/pkg/loop"
	"github.com/dukex/devicehub/pkg/metrics"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/otelhelper"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultReconcileInterval = 30 * time.Second
	MaxConflictRetries       = 3

	TriggeredByAPI      = "api"
	TriggeredBySchedule = "schedule"
)

// Submitter creates and cancels the tasks backing released steps.
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (*models.Task, error)
	Cancel(ctx context.Context, taskID, reason string) (*models.Task, error)
}

type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithPublisher enables workflow.execution.finished notifications.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = collector
	}
}

func WithReconcileInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.reconcileInterval = interval
		}
	}
}

type Engine struct {
	logger            *slog.Logger
	workflows         persistence.WorkflowRepository
	executions        persistence.ExecutionRepository
	tasks             persistence.TaskRepository
	submitter         Submitter
	kinds             *registry.Registry
	validate          *validator.Validate
	publisher         eventbus.EventPublisher
	metrics           *metrics.Collector
	tracer            trace.Tracer
	clock             func() time.Time
	locks             *keylock.Map
	reconcileInterval time.Duration
	reconciler        *loop.Loop
}

func NewEngine(
	logger *slog.Logger,
	store persistence.Persistence,
	submitter Submitter,
	kinds *registry.Registry,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:            logger.With("module", "workflow"),
		workflows:         store.Workflows(),
		executions:        store.Executions(),
		tasks:             store.Tasks(),
		submitter:         submitter,
		kinds:             kinds,
		validate:          newValidator(),
		tracer:            otelhelper.Tracer("devicehub/workflow"),
		clock:             time.Now,
		locks:             keylock.New(),
		reconcileInterval: DefaultReconcileInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.reconciler = loop.New(e.logger, "workflow-reconcile", e.reconcileInterval, func(ctx context.Context) {
		_, err := e.Reconcile(ctx)
		if err != nil {
			e.logger.ErrorContext(ctx, "Workflow reconcile failed", "error", err)
		}
	})

	return e
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// Define validates and stores a workflow. Template kinds are expanded into
// steps first. Nothing is stored when validation fails.
func (e *Engine) Define(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.define",
		attribute.String(otelhelper.WorkflowKindKey, string(workflow.Kind)),
	)
	defer span.End()

	err := expandWith(e.validate, workflow)
	if err != nil {
		return nil, err
	}

	err = validateWith(e.validate, workflow, e.kinds)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate workflow id: %w", err)
	}

	now := e.now()
	workflow.ID = id.String()
	workflow.Status = models.WorkflowStatusPending
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	order := stepOrder(workflow.Steps)

	for _, step := range workflow.Steps {
		step.WorkflowID = workflow.ID
		step.Order = order[step.ID]
		step.Status = models.StepStatusPending
		step.Result = nil
		step.Error = ""
	}

	err = workflow.AdvanceSchedule(now)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.WorkflowIDKey, workflow.ID))

	err = e.workflows.Save(ctx, workflow)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow defined",
		"workflow_id", workflow.ID, "name", workflow.Name, "kind", workflow.Kind, "steps", len(workflow.Steps))

	return workflow, nil
}

// Get returns a workflow, mapping a missing row to models.ErrUnknownWorkflow.
func (e *Engine) Get(ctx context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := e.workflows.GetByID(ctx, workflowID)
	if persistence.IsWorkflowNotFound(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownWorkflow, workflowID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	return workflow, nil
}

func (e *Engine) List(ctx context.Context) ([]*models.Workflow, error) {
	return e.workflows.List(ctx)
}

// GetExecution returns an execution, mapping a missing row to
// models.ErrUnknownExecution.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	execution, err := e.executions.GetByID(ctx, executionID)
	if persistence.IsExecutionNotFound(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownExecution, executionID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	return execution, nil
}

// Executions lists the runs of a workflow.
func (e *Engine) Executions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	_, err := e.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return e.executions.ListByWorkflow(ctx, workflowID)
}

// Trigger starts an execution of a workflow and releases the steps without
// dependencies.
func (e *Engine) Trigger(ctx context.Context, workflowID, triggeredBy string) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.trigger", attribute.String(otelhelper.WorkflowIDKey, workflowID))
	defer span.End()

	workflow, err := e.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if triggeredBy == "" {
		triggeredBy = TriggeredByAPI
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution id: %w", err)
	}

	now := e.now()
	execution := &models.WorkflowExecution{
		ID:          id.String(),
		WorkflowID:  workflow.ID,
		Status:      models.WorkflowStatusRunning,
		TriggeredBy: triggeredBy,
		Steps:       make(map[string]*models.StepRun, len(workflow.Steps)),
		StartedAt:   now,
		UpdatedAt:   now,
	}

	for _, step := range workflow.Steps {
		execution.Steps[step.ID] = &models.StepRun{
			StepID:    step.ID,
			Status:    models.StepStatusPending,
			Remaining: len(step.DependsOn),
		}
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	err = e.executions.Create(ctx, execution)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	err = e.workflows.UpdateStatus(ctx, workflow.ID, models.WorkflowStatusRunning)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to mark workflow running", "workflow_id", workflow.ID, "error", err)
	}

	e.logger.InfoContext(ctx, "Workflow triggered",
		"workflow_id", workflow.ID, "execution_id", execution.ID, "triggered_by", triggeredBy)

	err = e.advance(ctx, execution.ID)
	if err != nil {
		// The execution exists; the reconcile loop picks it up again.
		e.logger.ErrorContext(ctx, "Failed to release initial steps", "execution_id", execution.ID, "error", err)
	}

	return e.GetExecution(ctx, execution.ID)
}

// HandleTaskFinished is the event bus handler for task.finished
// notifications. Tasks outside any execution are ignored.
func (e *Engine) HandleTaskFinished(ctx context.Context, event any) error {
	var finished events.TaskFinished

	switch ev := event.(type) {
	case *events.TaskFinished:
		finished = *ev
	case events.TaskFinished:
		finished = ev
	default:
		return fmt.Errorf("unexpected event %T", event)
	}

	if finished.ExecutionID == "" {
		return nil
	}

	err := e.advance(ctx, finished.ExecutionID)
	if persistence.IsExecutionNotFound(err) {
		e.logger.WarnContext(ctx, "Task finished for unknown execution",
			"task_id", finished.TaskID, "execution_id", finished.ExecutionID)

		return nil
	}

	return err
}

// Reconcile advances every unfinished execution, recovering outcomes whose
// notifications were lost. It returns how many executions were examined.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	active, err := e.executions.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active executions: %w", err)
	}

	var errs []error

	for _, execution := range active {
		err = e.advance(ctx, execution.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("execution %s: %w", execution.ID, err))
		}
	}

	return len(active), errors.Join(errs...)
}

// Cancel stops an execution. Steps not yet finished are skipped and their
// in-flight tasks receive cancellation requests.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.cancel", attribute.String(otelhelper.ExecutionIDKey, executionID))
	defer span.End()

	if reason == "" {
		reason = "cancelled by operator"
	}

	unlock := e.locks.Lock(executionID)
	defer unlock()

	var (
		cancelled *models.WorkflowExecution
		workflow  *models.Workflow
		inFlight  []string
		touched   []string
	)

	err := persistence.RetryOnConflict(MaxConflictRetries, func() error {
		execution, err := e.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}

		if execution.Status.IsTerminal() {
			return fmt.Errorf("%w: execution %s is %s", models.ErrNotCancellable, execution.ID, execution.Status)
		}

		workflow, err = e.Get(ctx, execution.WorkflowID)
		if err != nil {
			return err
		}

		now := e.now()
		inFlight = inFlight[:0]
		touched = touched[:0]

		for _, step := range workflow.Steps {
			run, ok := execution.Steps[step.ID]
			if !ok || run.Status.IsTerminal() {
				continue
			}

			if run.Status == models.StepStatusRunning && run.TaskID != "" {
				inFlight = append(inFlight, run.TaskID)
			}

			run.Status = models.StepStatusSkipped
			run.Error = reason
			run.CompletedAt = &now
			touched = append(touched, step.ID)
		}

		execution.Status = models.WorkflowStatusCancelled
		execution.Error = reason
		execution.CompletedAt = &now
		execution.UpdatedAt = now

		err = e.executions.Update(ctx, execution)
		if err != nil {
			return err
		}

		cancelled = execution

		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrNotCancellable) && !errors.Is(err, models.ErrUnknownExecution) {
			otelhelper.SetError(span, err)
		}

		return nil, err
	}

	for _, taskID := range inFlight {
		_, err = e.submitter.Cancel(ctx, taskID, reason)
		if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			e.logger.WarnContext(ctx, "Failed to cancel step task", "execution_id", executionID, "task_id", taskID, "error", err)
		}
	}

	e.mirror(ctx, workflow, cancelled, touched)
	e.finish(ctx, cancelled)

	e.logger.InfoContext(ctx, "Workflow execution cancelled",
		"workflow_id", cancelled.WorkflowID, "execution_id", cancelled.ID, "cancelled_tasks", len(inFlight))

	return cancelled, nil
}

// advance folds the outcomes of finished step tasks into the execution and
// releases every step whose predecessors allow it. Runs are serialised per
// execution in this process; writers elsewhere are caught by the version
// check and the whole pass is recomputed from fresh rows.
func (e *Engine) advance(ctx context.Context, executionID string) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.advance", attribute.String(otelhelper.ExecutionIDKey, executionID))
	defer span.End()

	unlock := e.locks.Lock(executionID)
	defer unlock()

	var (
		updated  *models.WorkflowExecution
		workflow *models.Workflow
		touched  []string
	)

	err := persistence.RetryOnConflict(MaxConflictRetries, func() error {
		updated = nil

		execution, err := e.executions.GetByID(ctx, executionID)
		if err != nil {
			return err
		}

		if execution.Status.IsTerminal() {
			return nil
		}

		workflow, err = e.Get(ctx, execution.WorkflowID)
		if err != nil {
			return err
		}

		tasks, err := e.tasks.ListByExecution(ctx, execution.ID)
		if err != nil {
			return fmt.Errorf("failed to list tasks of execution %s: %w", execution.ID, err)
		}

		r := newResolution(e, workflow, execution, tasks)

		err = r.run(ctx)
		if err != nil {
			return err
		}

		if len(r.touched) == 0 && !r.finished {
			return nil
		}

		execution.UpdatedAt = e.now()

		err = e.executions.Update(ctx, execution)
		if err != nil {
			return err
		}

		updated = execution
		touched = r.touched

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if updated == nil {
		return nil
	}

	e.mirror(ctx, workflow, updated, touched)

	if updated.Status.IsTerminal() {
		e.finish(ctx, updated)
	}

	return nil
}

// mirror copies the latest run state of the touched steps, and the
// execution status once terminal, onto the workflow definition rows.
func (e *Engine) mirror(ctx context.Context, workflow *models.Workflow, execution *models.WorkflowExecution, touched []string) {
	for _, stepID := range touched {
		step, ok := workflow.Step(stepID)
		if !ok {
			continue
		}

		run := execution.Steps[stepID]
		step.Status = run.Status
		step.Result = run.Result
		step.Error = run.Error

		err := e.workflows.UpdateStep(ctx, step)
		if err != nil {
			e.logger.WarnContext(ctx, "Failed to mirror step state", "workflow_id", workflow.ID, "step_id", stepID, "error", err)
		}
	}

	if execution.Status.IsTerminal() {
		err := e.workflows.UpdateStatus(ctx, workflow.ID, execution.Status)
		if err != nil {
			e.logger.WarnContext(ctx, "Failed to mirror workflow status", "workflow_id", workflow.ID, "error", err)
		}
	}
}

func (e *Engine) finish(ctx context.Context, execution *models.WorkflowExecution) {
	e.metrics.ExecutionFinished(execution.Status)
	e.logger.InfoContext(ctx, "Workflow execution finished",
		"workflow_id", execution.WorkflowID, "execution_id", execution.ID, "status", execution.Status, "error", execution.Error)

	if e.publisher == nil {
		return
	}

	event := events.NewWorkflowExecutionFinished(execution)

	err := e.publisher.Publish(ctx, execution.ID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish execution finished", "execution_id", execution.ID, "error", err)
	}
}

// Start runs the reconcile loop in the background.
func (e *Engine) Start(ctx context.Context) error {
	return e.reconciler.Start(ctx)
}

func (e *Engine) Stop(ctx context.Context) error {
	return e.reconciler.Stop(ctx)
}
