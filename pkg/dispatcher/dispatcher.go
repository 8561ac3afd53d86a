// Package dispatcher validates task submissions, persists them as pending and
// hands them to the device delivery channel.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicehub/pkg/metrics"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/otelhelper"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxTimeoutSeconds caps caller supplied timeouts.
const MaxTimeoutSeconds = 86400

// Deliverer is the outbound channel towards device agents.
type Deliverer interface {
	Deliver(ctx context.Context, task *models.Task) error
	DeliverCancel(ctx context.Context, task *models.Task, reason string) error
}

// Tracker applies status changes to stored tasks.
type Tracker interface {
	ReportTransition(ctx context.Context, report models.TaskReport) (*models.Task, error)
	Mutate(ctx context.Context, taskID string, fn func(task *models.Task) (bool, error)) (*models.Task, error)
}

// DeviceChecker reports whether a device may receive tasks.
type DeviceChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// SubmitRequest describes one task to dispatch.
type SubmitRequest struct {
	DeviceID       string          `json:"device_id"                 validate:"required"`
	Kind           models.TaskKind `json:"kind"                      validate:"required"`
	Params         json.RawMessage `json:"params"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty" validate:"min=0,max=86400"`
	CorrelationKey string          `json:"correlation_key,omitempty"`

	// Set by the workflow engine.
	ExecutionID string `json:"-"`
	StepID      string `json:"-"`

	// Set by the transfer coordinator; transfer kinds are rejected without them.
	Transfer *models.FileTransfer `json:"-"`
	Chunks   []*models.Chunk      `json:"-"`
}

type Option func(*Dispatcher)

func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = collector
	}
}

type Dispatcher struct {
	logger    *slog.Logger
	tasks     persistence.TaskRepository
	devices   DeviceChecker
	registry  *registry.Registry
	deliverer Deliverer
	tracker   Tracker
	metrics   *metrics.Collector
	tracer    trace.Tracer
	clock     func() time.Time
}

func New(
	logger *slog.Logger,
	tasks persistence.TaskRepository,
	devices DeviceChecker,
	kinds *registry.Registry,
	deliverer Deliverer,
	tracker Tracker,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		logger:    logger.With("module", "dispatcher"),
		tasks:     tasks,
		devices:   devices,
		registry:  kinds,
		deliverer: deliverer,
		tracker:   tracker,
		tracer:    otelhelper.Tracer("devicehub/dispatcher"),
		clock:     time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Registry returns the kind lookup table used for validation.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Submit validates req, persists a pending task and queues it for delivery.
// Nothing is stored when validation fails. Delivery failures are logged; the
// task stays pending until the device reports or the timeout sweep ends it.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*models.Task, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.submit",
		attribute.String(otelhelper.DeviceIDKey, req.DeviceID),
		attribute.String(otelhelper.TaskKindKey, string(req.Kind)),
	)
	defer span.End()

	task, chunks, err := d.prepare(ctx, req)
	if err != nil {
		if !errors.Is(err, models.ErrInvalidParams) && !errors.Is(err, models.ErrUnknownDevice) {
			otelhelper.SetError(span, err)
		}

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.TaskIDKey, task.ID))

	err = d.tasks.Create(ctx, task, chunks)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	d.metrics.TaskSubmitted(task.Kind)
	d.logger.InfoContext(ctx, "Task submitted",
		"task_id", task.ID, "device_id", task.DeviceID, "kind", task.Kind, "timeout_seconds", task.TimeoutSeconds)

	err = d.deliverer.Deliver(ctx, task)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to deliver task, leaving it pending",
			"task_id", task.ID, "device_id", task.DeviceID, "error", err)
	}

	return task, nil
}

func (d *Dispatcher) prepare(ctx context.Context, req SubmitRequest) (*models.Task, []*models.Chunk, error) {
	if req.DeviceID == "" {
		return nil, nil, models.NewParamsError(req.Kind, "device_id", "is required")
	}

	if req.Kind.IsTransfer() && req.Transfer == nil {
		return nil, nil, models.NewParamsError(req.Kind, "kind", "must be created through the transfer coordinator")
	}

	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > MaxTimeoutSeconds {
		return nil, nil, models.NewParamsError(req.Kind, "timeout_seconds", fmt.Sprintf("must be within 0..%d", MaxTimeoutSeconds))
	}

	exists, err := d.devices.Exists(ctx, req.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check device %s: %w", req.DeviceID, err)
	}

	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrUnknownDevice, req.DeviceID)
	}

	params, normalized, err := d.registry.Normalize(req.Kind, req.Params)
	if err != nil {
		return nil, nil, err
	}

	timeout := d.registry.Timeout(params)
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate task id: %w", err)
	}

	now := d.clock().UTC()
	task := &models.Task{
		ID:             id.String(),
		DeviceID:       req.DeviceID,
		Kind:           req.Kind,
		Params:         normalized,
		Status:         models.TaskStatusPending,
		TimeoutSeconds: int(timeout / time.Second),
		CorrelationKey: req.CorrelationKey,
		ExecutionID:    req.ExecutionID,
		StepID:         req.StepID,
		Transfer:       req.Transfer,
		CreatedAt:      now,
		DeadlineAt:     now.Add(timeout),
		UpdatedAt:      now,
	}

	for _, chunk := range req.Chunks {
		chunk.TaskID = task.ID
	}

	return task, req.Chunks, nil
}

// Cancel cancels a task. A pending scheduled power action is cancelled at
// once; any other unfinished task gets a cancellation request forwarded to
// its device, whose report stays authoritative.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) (*models.Task, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.cancel", attribute.String(otelhelper.TaskIDKey, taskID))
	defer span.End()

	task, err := d.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status.IsTerminal() {
		return nil, &models.TransitionError{TaskID: task.ID, From: task.Status, To: models.TaskStatusCancelled}
	}

	if reason == "" {
		reason = "cancelled by operator"
	}

	if task.Status == models.TaskStatusPending && d.cancellable(task) {
		cancelled, err := d.tracker.ReportTransition(ctx, models.TaskReport{
			TaskID: task.ID,
			Status: models.TaskStatusCancelled,
			Error:  reason,
			Source: models.SourceAPI,
		})
		if err != nil {
			return nil, err
		}

		d.notifyCancel(ctx, cancelled, reason)

		return cancelled, nil
	}

	requested, err := d.tracker.Mutate(ctx, task.ID, func(task *models.Task) (bool, error) {
		if task.CancelRequested {
			return false, nil
		}

		task.CancelRequested = true

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "Cancellation requested", "task_id", task.ID, "device_id", task.DeviceID, "status", requested.Status)
	d.notifyCancel(ctx, requested, reason)

	return requested, nil
}

func (d *Dispatcher) cancellable(task *models.Task) bool {
	params, err := d.registry.Decode(task.Kind, task.Params)
	if err != nil {
		return false
	}

	return d.registry.Cancellable(params)
}

func (d *Dispatcher) notifyCancel(ctx context.Context, task *models.Task, reason string) {
	err := d.deliverer.DeliverCancel(ctx, task, reason)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to deliver cancel notice", "task_id", task.ID, "device_id", task.DeviceID, "error", err)
	}
}

// Redeliver queues every pending task of a device again, for agents that
// reconnect after losing their inbox. It returns how many were queued.
func (d *Dispatcher) Redeliver(ctx context.Context, deviceID string) (int, error) {
	result, err := d.tasks.ListByDevice(ctx, deviceID, persistence.ListTasksOptions{Status: models.TaskStatusPending, Limit: 100})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending tasks of %s: %w", deviceID, err)
	}

	queued := 0

	for _, task := range result.Tasks {
		err = d.deliverer.Deliver(ctx, task)
		if err != nil {
			return queued, fmt.Errorf("failed to redeliver task %s: %w", task.ID, err)
		}

		queued++
	}

	return queued, nil
}

// Get returns a task, mapping a missing row to models.ErrUnknownTask.
func (d *Dispatcher) Get(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := d.tasks.GetByID(ctx, taskID)
	if persistence.IsTaskNotFound(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, taskID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	return task, nil
}

// List returns a page of a device's tasks, newest first.
func (d *Dispatcher) List(ctx context.Context, deviceID string, opts persistence.ListTasksOptions) (*persistence.TaskListResult, error) {
	opts.Normalize()

	return d.tasks.ListByDevice(ctx, deviceID, opts)
}

// Transitions returns the audit trail of a task, oldest first.
func (d *Dispatcher) Transitions(ctx context.Context, taskID string) ([]*models.TaskTransition, error) {
	transitions, err := d.tasks.Transitions(ctx, taskID)
	if persistence.IsTaskNotFound(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, taskID)
	}

	return transitions, err
}
