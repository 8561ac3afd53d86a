package web

import "github.com/gofiber/fiber/v3"

// Register mounts every API route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	d := router.Group("/devices")
	d.Post("/heartbeat", h.RegisterHeartbeat)
	d.Get("/", h.ListDevices)
	d.Get("/:id", h.GetDevice)
	d.Get("/:id/status", h.GetDeviceStatus)
	d.Get("/:id/tasks", h.ListDeviceTasks)
	d.Post("/:id/deactivate", h.DeactivateDevice)
	d.Post("/:id/activate", h.ActivateDevice)
	d.Post("/:id/redeliver", h.RedeliverTasks)
	d.Get("/:id/inbox", h.PullInbox)

	t := router.Group("/tasks")
	t.Post("/", h.SubmitTask)
	t.Get("/:id", h.GetTask)
	t.Post("/:id/report", h.ReportTask)
	t.Post("/:id/cancel", h.CancelTask)
	t.Get("/:id/transitions", h.GetTaskTransitions)

	tr := router.Group("/transfers")
	tr.Post("/uploads", h.BeginUpload)
	tr.Post("/downloads", h.BeginDownload)
	tr.Post("/:id/file", h.DeclareFile)
	tr.Post("/:id/chunks/:index/ack", h.AckChunk)
	tr.Get("/:id/chunks/pending", h.PendingChunks)
	tr.Get("/:id/progress", h.TransferProgress)
	tr.Post("/:id/finalize", h.FinalizeTransfer)

	w := router.Group("/workflows")
	w.Get("/", h.ListWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Post("/:id/trigger", h.TriggerWorkflow)
	w.Get("/:id/executions", h.ListWorkflowExecutions)

	e := router.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/cancel", h.CancelExecution)
}
