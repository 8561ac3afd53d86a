package web

import (
	"errors"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleError maps domain and repository errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrCyclicDependency):
		return problem(c, fiber.StatusBadRequest, "cyclic_dependency", err.Error())

	case errors.Is(err, models.ErrUnknownDependency):
		return problem(c, fiber.StatusBadRequest, "unknown_dependency", err.Error())

	case errors.Is(err, models.ErrInvalidParams), errors.Is(err, models.ErrInvalidSchedule):
		return problem(c, fiber.StatusBadRequest, "invalid_params", err.Error())

	case errors.Is(err, models.ErrInvalidChunkIndex):
		return problem(c, fiber.StatusBadRequest, "invalid_chunk_index", err.Error())

	case errors.Is(err, models.ErrUnknownDevice):
		return problem(c, fiber.StatusUnprocessableEntity, "unknown_device", err.Error())

	case errors.Is(err, models.ErrHashMismatch):
		return problem(c, fiber.StatusUnprocessableEntity, "hash_mismatch", err.Error())

	case errors.Is(err, models.ErrUnknownTask), persistence.IsTaskNotFound(err):
		return problem(c, fiber.StatusNotFound, "task_not_found", "task not found")

	case errors.Is(err, models.ErrUnknownWorkflow), persistence.IsWorkflowNotFound(err):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")

	case errors.Is(err, models.ErrUnknownExecution), persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "workflow execution not found")

	case persistence.IsDeviceNotFound(err):
		return problem(c, fiber.StatusNotFound, "device_not_found", "device not found")

	case errors.Is(err, models.ErrInvalidTransition):
		return problem(c, fiber.StatusConflict, "invalid_transition", err.Error())

	case errors.Is(err, models.ErrChunksIncomplete):
		return problem(c, fiber.StatusConflict, "chunks_incomplete", err.Error())

	case errors.Is(err, models.ErrFileHashMissing):
		return problem(c, fiber.StatusConflict, "file_hash_missing", err.Error())

	case errors.Is(err, models.ErrTransferNotDeclared):
		return problem(c, fiber.StatusConflict, "transfer_not_declared", err.Error())

	case errors.Is(err, models.ErrNotCancellable):
		return problem(c, fiber.StatusConflict, "not_cancellable", err.Error())

	default:
		return internalError(c, err)
	}
}
