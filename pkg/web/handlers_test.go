package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/channels/redisqueue"
	"github.com/dukex/devicehub/pkg/devices"
	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/mocks"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence/memory"
	"github.com/dukex/devicehub/pkg/registry"
	"github.com/dukex/devicehub/pkg/testutil"
	"github.com/dukex/devicehub/pkg/tracker"
	"github.com/dukex/devicehub/pkg/transfer"
	"github.com/dukex/devicehub/pkg/web"
	"github.com/dukex/devicehub/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const fileHash = "9e107d9d372bb6826bd81d3542a419d6"

func setupTestApp(t *testing.T, configure ...func(*web.APIHandlers)) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()
	clock := testutil.NewClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	deliverer := &mocks.MockDeliverer{}
	deliverer.On("Deliver", mock.Anything, mock.Anything).Return(nil)
	deliverer.On("DeliverCancel", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	kinds := registry.NewDefaultRegistry(logger)
	deviceRegistry := devices.NewRegistry(logger, store.Devices(), devices.WithClock(clock.Now))
	tr := tracker.New(logger, store.Tasks(), tracker.WithClock(clock.Now))
	d := dispatcher.New(logger, store.Tasks(), deviceRegistry, kinds, deliverer, tr, dispatcher.WithClock(clock.Now))
	coordinator := transfer.New(logger, d, tr, store.Tasks(), store.Chunks(), kinds, transfer.WithClock(clock.Now))
	tr.SetVerifier(coordinator)
	engine := workflow.NewEngine(logger, store, d, kinds, workflow.WithClock(clock.Now))

	handlers := web.NewAPIHandlers(deviceRegistry, d, tr, coordinator, engine, store,
		validator.New(validator.WithRequiredStructEnabled()))

	for _, fn := range configure {
		fn(handlers)
	}

	app := fiber.New()
	app.Get("/readyz", handlers.Readiness)
	handlers.Register(app)

	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))

	return v
}

func heartbeat(t *testing.T, app *fiber.App, deviceID string) {
	t.Helper()

	status, body := doRequest(t, app, http.MethodPost, "/devices/heartbeat",
		`{"device_id":"`+deviceID+`","name":"Front desk","type":"windows"}`)
	require.Equal(t, http.StatusOK, status, string(body))
}

func problemType(t *testing.T, data []byte) string {
	t.Helper()

	return decode[map[string]any](t, data)["type"].(string)
}

func TestHeartbeatAndDeviceQueries(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	status, body := doRequest(t, app, http.MethodGet, "/devices/dev-1/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, web.DeviceStatusResponse{DeviceID: "dev-1", Status: models.DeviceStatusOnline}, decode[web.DeviceStatusResponse](t, body))

	status, body = doRequest(t, app, http.MethodGet, "/devices/ghost/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.DeviceStatusUnknown, decode[web.DeviceStatusResponse](t, body).Status)

	status, body = doRequest(t, app, http.MethodGet, "/devices/dev-1", "")
	require.Equal(t, http.StatusOK, status)
	device := decode[models.Device](t, body)
	assert.Equal(t, "Front desk", device.Name)

	status, body = doRequest(t, app, http.MethodGet, "/devices/ghost", "")
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "device_not_found", problemType(t, body))

	status, body = doRequest(t, app, http.MethodGet, "/devices?status=online", "")
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 1, decode[map[string]any](t, body)["total_count"], 0)

	status, _ = doRequest(t, app, http.MethodGet, "/devices?active_only=maybe", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeactivatedDeviceRejectsTasks(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	status, _ := doRequest(t, app, http.MethodPost, "/devices/dev-1/deactivate", "")
	require.Equal(t, http.StatusNoContent, status)

	status, body := doRequest(t, app, http.MethodPost, "/tasks", `{"device_id":"dev-1","kind":"shell","params":{"command":"ls"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "unknown_device", problemType(t, body))

	status, _ = doRequest(t, app, http.MethodPost, "/devices/dev-1/activate", "")
	require.Equal(t, http.StatusNoContent, status)

	status, _ = doRequest(t, app, http.MethodPost, "/tasks", `{"device_id":"dev-1","kind":"shell","params":{"command":"ls"}}`)
	assert.Equal(t, http.StatusCreated, status)
}

func TestTaskLifecycle(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	status, body := doRequest(t, app, http.MethodPost, "/tasks", `{"device_id":"dev-1","kind":"shell","params":{"command":"ipconfig"}}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	task := decode[models.Task](t, body)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.JSONEq(t, `{"command":"ipconfig","timeout":300}`, string(task.Params))

	status, _ = doRequest(t, app, http.MethodPost, "/tasks/"+task.ID+"/report", `{"status":"running"}`)
	require.Equal(t, http.StatusOK, status)

	status, body = doRequest(t, app, http.MethodPost, "/tasks/"+task.ID+"/report",
		`{"status":"completed","result":{"exit_code":0,"stdout":"ok"}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.TaskStatusCompleted, decode[models.Task](t, body).Status)

	status, body = doRequest(t, app, http.MethodPost, "/tasks/"+task.ID+"/report", `{"status":"running"}`)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", problemType(t, body))

	status, body = doRequest(t, app, http.MethodGet, "/tasks/"+task.ID+"/transitions", "")
	require.Equal(t, http.StatusOK, status)

	var trail struct {
		Transitions []models.TaskTransition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(body, &trail))
	require.Len(t, trail.Transitions, 3)
	assert.Equal(t, models.TaskStatusCompleted, trail.Transitions[2].To)

	status, body = doRequest(t, app, http.MethodGet, "/devices/dev-1/tasks?status=completed&limit=5", "")
	require.Equal(t, http.StatusOK, status)

	list := decode[map[string]any](t, body)
	assert.InDelta(t, 1, list["total_count"], 0)
	assert.InDelta(t, 5, list["limit"], 0)
}

func TestTaskErrors(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	tests := []struct {
		name         string
		method       string
		path         string
		body         string
		expectedCode int
		expectedType string
	}{
		{"malformed body", http.MethodPost, "/tasks", `{"device_id":`, http.StatusBadRequest, "validation_error"},
		{"missing kind", http.MethodPost, "/tasks", `{"device_id":"dev-1"}`, http.StatusBadRequest, "validation_error"},
		{"invalid params", http.MethodPost, "/tasks", `{"device_id":"dev-1","kind":"shell","params":{}}`, http.StatusBadRequest, "invalid_params"},
		{"unknown kind", http.MethodPost, "/tasks", `{"device_id":"dev-1","kind":"reboot"}`, http.StatusBadRequest, "invalid_params"},
		{"unknown device", http.MethodPost, "/tasks", `{"device_id":"ghost","kind":"shell","params":{"command":"ls"}}`, http.StatusUnprocessableEntity, "unknown_device"},
		{"unknown task", http.MethodGet, "/tasks/missing", "", http.StatusNotFound, "task_not_found"},
		{"report unknown task", http.MethodPost, "/tasks/missing/report", `{"status":"running"}`, http.StatusNotFound, "task_not_found"},
		{"report bad status", http.MethodPost, "/tasks/missing/report", `{"status":"exploded"}`, http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doRequest(t, app, tt.method, tt.path, tt.body)
			require.Equal(t, tt.expectedCode, status, string(body))
			assert.Equal(t, tt.expectedType, problemType(t, body))
		})
	}
}

func TestCancelTask(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	_, body := doRequest(t, app, http.MethodPost, "/tasks", `{"device_id":"dev-1","kind":"power-action","params":{"action":"shutdown","delay":3600}}`)
	task := decode[models.Task](t, body)

	status, body := doRequest(t, app, http.MethodPost, "/tasks/"+task.ID+"/cancel", `{"reason":"wrong host"}`)
	require.Equal(t, http.StatusOK, status, string(body))

	cancelled := decode[models.Task](t, body)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, "wrong host", cancelled.Error)

	status, body = doRequest(t, app, http.MethodPost, "/tasks/"+task.ID+"/cancel", "")
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", problemType(t, body))
}

func TestUploadOverHTTP(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	status, body := doRequest(t, app, http.MethodPost, "/transfers/uploads", `{
		"device_id": "dev-1",
		"destination_path": "C:\\Installers",
		"filename": "agent.msi",
		"total_size": 20,
		"file_hash": "`+fileHash+`",
		"chunk_size": 8
	}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	task := decode[models.Task](t, body)
	assert.Equal(t, models.TaskKindFileUpload, task.Kind)

	status, _ = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/chunks/0/ack", "")
	require.Equal(t, http.StatusOK, status)

	status, body = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/chunks/2/ack", `{"hash":""}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []int{1}, decode[models.TransferProgress](t, body).PendingChunks)

	status, body = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/finalize", `{"file_hash":"`+fileHash+`"}`)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "chunks_incomplete", problemType(t, body))

	status, body = doRequest(t, app, http.MethodGet, "/transfers/"+task.ID+"/chunks/pending", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, web.PendingChunksResponse{TaskID: task.ID, PendingChunks: []int{1}}, decode[web.PendingChunksResponse](t, body))

	status, body = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/chunks/9/ack", "")
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_chunk_index", problemType(t, body))

	status, _ = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/chunks/abc/ack", "")
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/chunks/1/ack", "")
	require.Equal(t, http.StatusOK, status)

	status, body = doRequest(t, app, http.MethodGet, "/transfers/"+task.ID+"/progress", "")
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 100, decode[models.TransferProgress](t, body).Percent, 0.001)

	status, body = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/finalize", `{}`)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "file_hash_missing", problemType(t, body))

	status, body = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/finalize", `{"file_hash":"`+strings.ToUpper(fileHash)+`"}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.TaskStatusCompleted, decode[models.Task](t, body).Status)
}

func TestDownloadRequiresDeclaration(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	status, body := doRequest(t, app, http.MethodPost, "/transfers/downloads",
		`{"device_id":"dev-1","source_path":"/var/log/agent.log","destination_path":"/srv/logs","chunk_size":8}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	task := decode[models.Task](t, body)

	status, body = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/chunks/0/ack", "")
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "transfer_not_declared", problemType(t, body))

	status, body = doRequest(t, app, http.MethodPost, "/transfers/"+task.ID+"/file", `{"total_size":12}`)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = doRequest(t, app, http.MethodGet, "/transfers/"+task.ID+"/progress", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, decode[models.TransferProgress](t, body).TotalChunks)
}

const fanOutDocument = `
name: Rollout
kind: custom
steps:
  - id: stop
    action: {device_id: dev-1, kind: shell, params: {command: "sc stop agent"}}
  - id: copy
    depends_on: [stop]
    action: {device_id: dev-1, kind: shell, params: {command: "copy agent.exe"}}
`

func TestWorkflowLifecycle(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	status, body := doRequest(t, app, http.MethodPost, "/workflows", fanOutDocument)
	require.Equal(t, http.StatusCreated, status, string(body))

	wf := decode[models.Workflow](t, body)
	assert.Equal(t, models.WorkflowStatusPending, wf.Status)

	status, body = doRequest(t, app, http.MethodGet, "/workflows/"+wf.ID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[models.Workflow](t, body).Steps, 2)

	status, body = doRequest(t, app, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "")
	require.Equal(t, http.StatusCreated, status, string(body))

	execution := decode[web.ExecutionResponse](t, body)
	assert.Equal(t, workflow.TriggeredByAPI, execution.TriggeredBy)
	assert.Equal(t, models.StepStatusRunning, execution.Steps["stop"].Status)
	assert.Equal(t, models.StepStatusPending, execution.Steps["copy"].Status)
	assert.Equal(t, 2, execution.Progress.Total)
	assert.Equal(t, 1, execution.Progress.Running)

	status, body = doRequest(t, app, http.MethodGet, "/workflows/"+wf.ID+"/executions", "")
	require.Equal(t, http.StatusOK, status)

	var listed struct {
		Executions []web.ExecutionResponse `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Executions, 1)

	status, body = doRequest(t, app, http.MethodPost, "/executions/"+execution.ID+"/cancel", `{"reason":"maintenance window closed"}`)
	require.Equal(t, http.StatusOK, status, string(body))

	cancelled := decode[web.ExecutionResponse](t, body)
	assert.Equal(t, models.WorkflowStatusCancelled, cancelled.Status)
	assert.Equal(t, models.StepStatusSkipped, cancelled.Steps["copy"].Status)

	status, body = doRequest(t, app, http.MethodPost, "/executions/"+execution.ID+"/cancel", "")
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_cancellable", problemType(t, body))

	status, body = doRequest(t, app, http.MethodGet, "/executions/"+execution.ID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.WorkflowStatusCancelled, decode[web.ExecutionResponse](t, body).Status)
}

func TestWorkflowErrors(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	cyclic := `{"name":"Loop","kind":"custom","steps":[
		{"id":"x","depends_on":["y"],"action":{"device_id":"dev-1","kind":"shell","params":{"command":"a"}}},
		{"id":"y","depends_on":["x"],"action":{"device_id":"dev-1","kind":"shell","params":{"command":"b"}}}
	]}`
	dangling := `{"name":"Dangling","kind":"custom","steps":[
		{"id":"x","depends_on":["nope"],"action":{"device_id":"dev-1","kind":"shell","params":{"command":"a"}}}
	]}`

	tests := []struct {
		name         string
		method       string
		path         string
		body         string
		expectedCode int
		expectedType string
	}{
		{"cyclic", http.MethodPost, "/workflows", cyclic, http.StatusBadRequest, "cyclic_dependency"},
		{"unknown dependency", http.MethodPost, "/workflows", dangling, http.StatusBadRequest, "unknown_dependency"},
		{"schema rejection", http.MethodPost, "/workflows", `{"name":"No kind"}`, http.StatusBadRequest, "invalid_params"},
		{"unknown workflow", http.MethodGet, "/workflows/missing", "", http.StatusNotFound, "workflow_not_found"},
		{"trigger unknown workflow", http.MethodPost, "/workflows/missing/trigger", "", http.StatusNotFound, "workflow_not_found"},
		{"unknown execution", http.MethodGet, "/executions/missing", "", http.StatusNotFound, "execution_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doRequest(t, app, tt.method, tt.path, tt.body)
			require.Equal(t, tt.expectedCode, status, string(body))
			assert.Equal(t, tt.expectedType, problemType(t, body))
		})
	}
}

func TestRedeliverAndReadiness(t *testing.T) {
	app := setupTestApp(t)
	heartbeat(t, app, "dev-1")

	for range 2 {
		status, _ := doRequest(t, app, http.MethodPost, "/tasks", `{"device_id":"dev-1","kind":"shell","params":{"command":"ls"}}`)
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := doRequest(t, app, http.MethodPost, "/devices/dev-1/redeliver", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, web.RedeliverResponse{DeviceID: "dev-1", Redelivered: 2}, decode[web.RedeliverResponse](t, body))

	status, body = doRequest(t, app, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", decode[map[string]any](t, body)["status"])
}

type fakeInbox struct {
	entries []*redisqueue.Envelope
	waits   []time.Duration
}

func (f *fakeInbox) Pull(_ context.Context, _ string, wait time.Duration) (*redisqueue.Envelope, error) {
	f.waits = append(f.waits, wait)

	if len(f.entries) == 0 {
		return nil, nil
	}

	next := f.entries[0]
	f.entries = f.entries[1:]

	return next, nil
}

func TestPullInbox(t *testing.T) {
	status, body := doRequest(t, setupTestApp(t), http.MethodGet, "/devices/dev-1/inbox", "")
	require.Equal(t, http.StatusNotImplemented, status)
	assert.Equal(t, "inbox_unavailable", problemType(t, body))

	inbox := &fakeInbox{entries: []*redisqueue.Envelope{
		{Type: events.TaskAssignedEvent, Event: json.RawMessage(`{"task":{"id":"t-1"}}`)},
	}}
	app := setupTestApp(t, func(h *web.APIHandlers) { h.SetInbox(inbox) })

	status, body = doRequest(t, app, http.MethodGet, "/devices/dev-1/inbox?wait=2m", "")
	require.Equal(t, http.StatusOK, status)

	envelope := decode[redisqueue.Envelope](t, body)
	assert.Equal(t, events.TaskAssignedEvent, envelope.Type)

	status, _ = doRequest(t, app, http.MethodGet, "/devices/dev-1/inbox", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = doRequest(t, app, http.MethodGet, "/devices/dev-1/inbox?wait=later", "")
	assert.Equal(t, http.StatusBadRequest, status)

	assert.Equal(t, []time.Duration{30 * time.Second, 10 * time.Second}, inbox.waits)
}
