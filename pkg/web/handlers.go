// Package web provides HTTP handlers and REST API endpoints for devices, tasks,
// transfers and workflows.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/devicehub/pkg/channels/redisqueue"
	"github.com/dukex/devicehub/pkg/devices"
	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/tracker"
	"github.com/dukex/devicehub/pkg/transfer"
	"github.com/dukex/devicehub/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	defaultInboxWait = 10 * time.Second
	maxInboxWait     = 30 * time.Second
)

// Inbox is a per-device queue agents poll for their commands.
type Inbox interface {
	Pull(ctx context.Context, deviceID string, wait time.Duration) (*redisqueue.Envelope, error)
}

type APIHandlers struct {
	devices    *devices.Registry
	dispatcher *dispatcher.Dispatcher
	tracker    *tracker.Tracker
	transfers  *transfer.Coordinator
	engine     *workflow.Engine
	store      persistence.Persistence
	inbox      Inbox
	validator  *validator.Validate
}

func NewAPIHandlers(
	devices *devices.Registry,
	dispatcher *dispatcher.Dispatcher,
	tracker *tracker.Tracker,
	transfers *transfer.Coordinator,
	engine *workflow.Engine,
	store persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		devices:    devices,
		dispatcher: dispatcher,
		tracker:    tracker,
		transfers:  transfers,
		engine:     engine,
		store:      store,
		validator:  validator,
	}
}

// SetInbox enables GET /devices/:id/inbox for pull delivery.
func (h *APIHandlers) SetInbox(inbox Inbox) {
	h.inbox = inbox
}

func (h *APIHandlers) Readiness(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	err := h.store.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	body := fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
	if err != nil {
		body["error"] = err.Error()
	}

	return c.Status(httpStatus).JSON(body)
}

// Devices

func (h *APIHandlers) RegisterHeartbeat(c fiber.Ctx) error {
	var req models.Heartbeat
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	device, err := h.devices.RegisterHeartbeat(c.Context(), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(device)
}

func (h *APIHandlers) ListDevices(c fiber.Ctx) error {
	opts := persistence.ListDevicesOptions{
		Status: models.DeviceStatus(c.Query("status")),
	}

	if activeStr := c.Query("active_only"); activeStr != "" {
		activeOnly, err := strconv.ParseBool(activeStr)
		if err != nil {
			return badRequest(c, "Invalid active_only: "+err.Error())
		}

		opts.ActiveOnly = activeOnly
	}

	list, err := h.devices.List(c.Context(), opts)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"devices":     list,
		"total_count": len(list),
	})
}

func (h *APIHandlers) GetDevice(c fiber.Ctx) error {
	device, err := h.devices.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(device)
}

func (h *APIHandlers) GetDeviceStatus(c fiber.Ctx) error {
	id := c.Params("id")

	status, err := h.devices.GetStatus(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(DeviceStatusResponse{DeviceID: id, Status: status})
}

func (h *APIHandlers) DeactivateDevice(c fiber.Ctx) error {
	if err := h.devices.Deactivate(c.Context(), c.Params("id")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateDevice(c fiber.Ctx) error {
	if err := h.devices.Activate(c.Context(), c.Params("id")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RedeliverTasks re-sends the device's pending tasks after it reconnects.
func (h *APIHandlers) RedeliverTasks(c fiber.Ctx) error {
	id := c.Params("id")

	count, err := h.dispatcher.Redeliver(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(RedeliverResponse{DeviceID: id, Redelivered: count})
}

// PullInbox long-polls the device inbox and returns one command, or 204 when
// none arrived in time.
func (h *APIHandlers) PullInbox(c fiber.Ctx) error {
	if h.inbox == nil {
		return problem(c, fiber.StatusNotImplemented, "inbox_unavailable", "pull delivery is not enabled")
	}

	wait := defaultInboxWait

	if waitStr := c.Query("wait"); waitStr != "" {
		parsed, err := time.ParseDuration(waitStr)
		if err != nil {
			return badRequest(c, "Invalid wait: "+err.Error())
		}

		wait = min(parsed, maxInboxWait)
	}

	envelope, err := h.inbox.Pull(c.Context(), c.Params("id"), wait)
	if err != nil {
		return handleError(c, err)
	}

	if envelope == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.JSON(envelope)
}

// Tasks

func (h *APIHandlers) SubmitTask(c fiber.Ctx) error {
	var req dispatcher.SubmitRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.dispatcher.Submit(c.Context(), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	task, err := h.dispatcher.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) ListDeviceTasks(c fiber.Ctx) error {
	opts, err := parseListTasksOptions(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.dispatcher.List(c.Context(), c.Params("id"), *opts)
	if err != nil {
		return handleError(c, err)
	}

	opts.Normalize()

	return c.JSON(TaskListResponse{
		TaskListResult: result,
		Limit:          opts.Limit,
		Offset:         opts.Offset,
	})
}

func parseListTasksOptions(c fiber.Ctx) (*persistence.ListTasksOptions, error) {
	opts := &persistence.ListTasksOptions{
		Status: models.TaskStatus(c.Query("status")),
		Kind:   models.TaskKind(c.Query("kind")),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		opts.Offset = offset
	}

	return opts, nil
}

func (h *APIHandlers) ReportTask(c fiber.Ctx) error {
	var req ReportTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if !req.Status.Valid() {
		return badRequest(c, "Unknown status: "+string(req.Status))
	}

	task, err := h.tracker.ReportTransition(c.Context(), models.TaskReport{
		TaskID: c.Params("id"),
		Status: req.Status,
		Result: req.Result,
		Error:  req.Error,
		Source: models.SourceAgent,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) CancelTask(c fiber.Ctx) error {
	req, err := h.bindCancel(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.dispatcher.Cancel(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(task)
}

// bindCancel accepts an empty body as a cancellation without reason.
func (h *APIHandlers) bindCancel(c fiber.Ctx) (*CancelRequest, error) {
	req := &CancelRequest{}
	if len(c.Body()) == 0 {
		return req, nil
	}

	if err := c.Bind().JSON(req); err != nil {
		return nil, err
	}

	if err := h.validator.Struct(req); err != nil {
		return nil, err
	}

	return req, nil
}

func (h *APIHandlers) GetTaskTransitions(c fiber.Ctx) error {
	transitions, err := h.dispatcher.Transitions(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"task_id":     c.Params("id"),
		"transitions": transitions,
	})
}

// Transfers

func (h *APIHandlers) BeginUpload(c fiber.Ctx) error {
	var req transfer.UploadRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	task, err := h.transfers.BeginUpload(c.Context(), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *APIHandlers) BeginDownload(c fiber.Ctx) error {
	var req transfer.DownloadRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	task, err := h.transfers.BeginDownload(c.Context(), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *APIHandlers) DeclareFile(c fiber.Ctx) error {
	var req transfer.FileDeclaration
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.transfers.DeclareFile(c.Context(), c.Params("id"), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) AckChunk(c fiber.Ctx) error {
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return badRequest(c, "Chunk index must be an integer")
	}

	var req AckChunkRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	progress, err := h.transfers.AckChunk(c.Context(), c.Params("id"), index, req.Hash)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(progress)
}

func (h *APIHandlers) PendingChunks(c fiber.Ctx) error {
	id := c.Params("id")

	pending, err := h.transfers.PendingChunks(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	if pending == nil {
		pending = []int{}
	}

	return c.JSON(PendingChunksResponse{TaskID: id, PendingChunks: pending})
}

func (h *APIHandlers) TransferProgress(c fiber.Ctx) error {
	progress, err := h.transfers.Progress(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(progress)
}

func (h *APIHandlers) FinalizeTransfer(c fiber.Ctx) error {
	var req FinalizeRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	task, err := h.transfers.Finalize(c.Context(), c.Params("id"), req.FileHash)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(task)
}

// Workflows

// CreateWorkflow accepts a workflow document in JSON or YAML.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	wf, err := workflow.ParseDocument(c.Body())
	if err != nil {
		return handleError(c, err)
	}

	created, err := h.engine.Define(c.Context(), wf)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	workflows, err := h.engine.List(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	wf, err := h.engine.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) TriggerWorkflow(c fiber.Ctx) error {
	req := TriggerRequest{TriggeredBy: workflow.TriggeredByAPI}
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}

		if req.TriggeredBy == "" {
			req.TriggeredBy = workflow.TriggeredByAPI
		}
	}

	execution, err := h.engine.Trigger(c.Context(), c.Params("id"), req.TriggeredBy)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(newExecutionResponse(execution))
}

func (h *APIHandlers) ListWorkflowExecutions(c fiber.Ctx) error {
	executions, err := h.engine.Executions(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	response := make([]ExecutionResponse, 0, len(executions))
	for _, execution := range executions {
		response = append(response, newExecutionResponse(execution))
	}

	return c.JSON(fiber.Map{
		"workflow_id": c.Params("id"),
		"executions":  response,
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.engine.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(newExecutionResponse(execution))
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	req, err := h.bindCancel(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.Cancel(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(newExecutionResponse(execution))
}
