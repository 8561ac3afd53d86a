package sqlbase

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/devicehub/pkg/models"
)

type deviceRow struct {
	ID            string       `db:"id"`
	Name          string       `db:"name"`
	Type          string       `db:"type"`
	Address       string       `db:"address"`
	Status        string       `db:"status"`
	LastHeartbeat sql.NullTime `db:"last_heartbeat"`
	Metadata      string       `db:"metadata"`
	Active        bool         `db:"active"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

type taskRow struct {
	ID              string         `db:"id"`
	DeviceID        string         `db:"device_id"`
	Kind            string         `db:"kind"`
	Params          string         `db:"params"`
	Status          string         `db:"status"`
	Result          sql.NullString `db:"result"`
	Error           string         `db:"error"`
	TimeoutSeconds  int            `db:"timeout_seconds"`
	CorrelationKey  string         `db:"correlation_key"`
	ExecutionID     string         `db:"execution_id"`
	StepID          string         `db:"step_id"`
	CancelRequested bool           `db:"cancel_requested"`
	Transfer        sql.NullString `db:"transfer"`
	Version         int            `db:"version"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	DeadlineAt      time.Time      `db:"deadline_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

type chunkRow struct {
	TaskID         string       `db:"task_id"`
	Index          int          `db:"chunk_index"`
	Size           int64        `db:"size"`
	ExpectedHash   string       `db:"expected_hash"`
	Hash           string       `db:"hash"`
	Acknowledged   bool         `db:"acknowledged"`
	AcknowledgedAt sql.NullTime `db:"acknowledged_at"`
}

type transitionRow struct {
	ID     int64     `db:"id"`
	TaskID string    `db:"task_id"`
	From   string    `db:"from_status"`
	To     string    `db:"to_status"`
	Source string    `db:"source"`
	Detail string    `db:"detail"`
	At     time.Time `db:"at"`
}

type workflowRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Kind          string         `db:"kind"`
	Schedule      string         `db:"schedule"`
	FailurePolicy string         `db:"failure_policy"`
	Status        string         `db:"status"`
	Config        sql.NullString `db:"config"`
	NextRunAt     sql.NullTime   `db:"next_run_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

type stepRow struct {
	WorkflowID  string         `db:"workflow_id"`
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Order       int            `db:"step_order"`
	Action      string         `db:"action"`
	DependsOn   string         `db:"depends_on"`
	MaxRestarts int            `db:"max_restarts"`
	Status      string         `db:"status"`
	Result      sql.NullString `db:"result"`
	Error       string         `db:"error"`
}

type executionRow struct {
	ID          string       `db:"id"`
	WorkflowID  string       `db:"workflow_id"`
	Status      string       `db:"status"`
	TriggeredBy string       `db:"triggered_by"`
	Steps       string       `db:"steps"`
	Error       string       `db:"error"`
	Version     int          `db:"version"`
	StartedAt   time.Time    `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time.UTC()

	return &v
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}

	return sql.NullString{String: string(raw), Valid: true}
}

func rawPtr(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}

	return json.RawMessage(s.String)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}

	return string(data), nil
}

func toDeviceRow(d *models.Device) (deviceRow, error) {
	metadata, err := encodeJSON(d.Metadata)
	if err != nil {
		return deviceRow{}, err
	}

	return deviceRow{
		ID:            d.ID,
		Name:          d.Name,
		Type:          d.Type,
		Address:       d.Address,
		Status:        string(d.Status),
		LastHeartbeat: nullTime(&d.LastHeartbeat),
		Metadata:      metadata,
		Active:        d.Active,
		CreatedAt:     utc(d.CreatedAt),
		UpdatedAt:     utc(d.UpdatedAt),
	}, nil
}

func (r deviceRow) model() (*models.Device, error) {
	d := &models.Device{
		ID:        r.ID,
		Name:      r.Name,
		Type:      r.Type,
		Address:   r.Address,
		Status:    models.DeviceStatus(r.Status),
		Active:    r.Active,
		CreatedAt: utc(r.CreatedAt),
		UpdatedAt: utc(r.UpdatedAt),
	}

	if r.LastHeartbeat.Valid {
		d.LastHeartbeat = r.LastHeartbeat.Time.UTC()
	}

	if r.Metadata != "" && r.Metadata != "null" {
		err := json.Unmarshal([]byte(r.Metadata), &d.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of device %s: %w", r.ID, err)
		}
	}

	return d, nil
}

func toTaskRow(t *models.Task) (taskRow, error) {
	row := taskRow{
		ID:              t.ID,
		DeviceID:        t.DeviceID,
		Kind:            string(t.Kind),
		Params:          string(t.Params),
		Status:          string(t.Status),
		Result:          nullRaw(t.Result),
		Error:           t.Error,
		TimeoutSeconds:  t.TimeoutSeconds,
		CorrelationKey:  t.CorrelationKey,
		ExecutionID:     t.ExecutionID,
		StepID:          t.StepID,
		CancelRequested: t.CancelRequested,
		Version:         t.Version,
		CreatedAt:       utc(t.CreatedAt),
		StartedAt:       nullTime(t.StartedAt),
		CompletedAt:     nullTime(t.CompletedAt),
		DeadlineAt:      utc(t.DeadlineAt),
		UpdatedAt:       utc(t.UpdatedAt),
	}

	if row.Params == "" {
		row.Params = "{}"
	}

	if t.Transfer != nil {
		transfer, err := encodeJSON(t.Transfer)
		if err != nil {
			return taskRow{}, err
		}

		row.Transfer = sql.NullString{String: transfer, Valid: true}
	}

	return row, nil
}

func (r taskRow) model() (*models.Task, error) {
	t := &models.Task{
		ID:              r.ID,
		DeviceID:        r.DeviceID,
		Kind:            models.TaskKind(r.Kind),
		Params:          json.RawMessage(r.Params),
		Status:          models.TaskStatus(r.Status),
		Result:          rawPtr(r.Result),
		Error:           r.Error,
		TimeoutSeconds:  r.TimeoutSeconds,
		CorrelationKey:  r.CorrelationKey,
		ExecutionID:     r.ExecutionID,
		StepID:          r.StepID,
		CancelRequested: r.CancelRequested,
		Version:         r.Version,
		CreatedAt:       utc(r.CreatedAt),
		StartedAt:       timePtr(r.StartedAt),
		CompletedAt:     timePtr(r.CompletedAt),
		DeadlineAt:      utc(r.DeadlineAt),
		UpdatedAt:       utc(r.UpdatedAt),
	}

	if r.Transfer.Valid && r.Transfer.String != "" {
		t.Transfer = &models.FileTransfer{}

		err := json.Unmarshal([]byte(r.Transfer.String), t.Transfer)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal transfer of task %s: %w", r.ID, err)
		}
	}

	return t, nil
}

func toChunkRow(ch *models.Chunk) chunkRow {
	return chunkRow{
		TaskID:         ch.TaskID,
		Index:          ch.Index,
		Size:           ch.Size,
		ExpectedHash:   ch.ExpectedHash,
		Hash:           ch.Hash,
		Acknowledged:   ch.Acknowledged,
		AcknowledgedAt: nullTime(ch.AcknowledgedAt),
	}
}

func (r chunkRow) model() *models.Chunk {
	return &models.Chunk{
		TaskID:         r.TaskID,
		Index:          r.Index,
		Size:           r.Size,
		ExpectedHash:   r.ExpectedHash,
		Hash:           r.Hash,
		Acknowledged:   r.Acknowledged,
		AcknowledgedAt: timePtr(r.AcknowledgedAt),
	}
}

func toTransitionRow(tr *models.TaskTransition) transitionRow {
	return transitionRow{
		TaskID: tr.TaskID,
		From:   string(tr.From),
		To:     string(tr.To),
		Source: string(tr.Source),
		Detail: tr.Detail,
		At:     utc(tr.At),
	}
}

func (r transitionRow) model() *models.TaskTransition {
	return &models.TaskTransition{
		ID:     r.ID,
		TaskID: r.TaskID,
		From:   models.TaskStatus(r.From),
		To:     models.TaskStatus(r.To),
		Source: models.TaskSource(r.Source),
		Detail: r.Detail,
		At:     utc(r.At),
	}
}

func toWorkflowRow(w *models.Workflow) workflowRow {
	return workflowRow{
		ID:            w.ID,
		Name:          w.Name,
		Kind:          string(w.Kind),
		Schedule:      w.Schedule,
		FailurePolicy: string(w.FailurePolicy),
		Status:        string(w.Status),
		Config:        nullRaw(w.Config),
		NextRunAt:     nullTime(w.NextRunAt),
		CreatedAt:     utc(w.CreatedAt),
		UpdatedAt:     utc(w.UpdatedAt),
	}
}

func (r workflowRow) model() *models.Workflow {
	return &models.Workflow{
		ID:            r.ID,
		Name:          r.Name,
		Kind:          models.WorkflowKind(r.Kind),
		Schedule:      r.Schedule,
		FailurePolicy: models.FailurePolicy(r.FailurePolicy),
		Status:        models.WorkflowStatus(r.Status),
		Config:        rawPtr(r.Config),
		NextRunAt:     timePtr(r.NextRunAt),
		CreatedAt:     utc(r.CreatedAt),
		UpdatedAt:     utc(r.UpdatedAt),
	}
}

func toStepRow(s *models.WorkflowStep) (stepRow, error) {
	action, err := encodeJSON(s.Action)
	if err != nil {
		return stepRow{}, err
	}

	dependsOn, err := encodeJSON(s.DependsOn)
	if err != nil {
		return stepRow{}, err
	}

	return stepRow{
		WorkflowID:  s.WorkflowID,
		ID:          s.ID,
		Name:        s.Name,
		Order:       s.Order,
		Action:      action,
		DependsOn:   dependsOn,
		MaxRestarts: s.MaxRestarts,
		Status:      string(s.Status),
		Result:      nullRaw(s.Result),
		Error:       s.Error,
	}, nil
}

func (r stepRow) model() (*models.WorkflowStep, error) {
	s := &models.WorkflowStep{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Name:        r.Name,
		Order:       r.Order,
		MaxRestarts: r.MaxRestarts,
		Status:      models.StepStatus(r.Status),
		Result:      rawPtr(r.Result),
		Error:       r.Error,
	}

	err := json.Unmarshal([]byte(r.Action), &s.Action)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal action of step %s: %w", r.ID, err)
	}

	err = json.Unmarshal([]byte(r.DependsOn), &s.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies of step %s: %w", r.ID, err)
	}

	return s, nil
}

func toExecutionRow(e *models.WorkflowExecution) (executionRow, error) {
	steps, err := encodeJSON(e.Steps)
	if err != nil {
		return executionRow{}, err
	}

	return executionRow{
		ID:          e.ID,
		WorkflowID:  e.WorkflowID,
		Status:      string(e.Status),
		TriggeredBy: e.TriggeredBy,
		Steps:       steps,
		Error:       e.Error,
		Version:     e.Version,
		StartedAt:   utc(e.StartedAt),
		CompletedAt: nullTime(e.CompletedAt),
		UpdatedAt:   utc(e.UpdatedAt),
	}, nil
}

func (r executionRow) model() (*models.WorkflowExecution, error) {
	e := &models.WorkflowExecution{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Status:      models.WorkflowStatus(r.Status),
		TriggeredBy: r.TriggeredBy,
		Error:       r.Error,
		Version:     r.Version,
		StartedAt:   utc(r.StartedAt),
		CompletedAt: timePtr(r.CompletedAt),
		UpdatedAt:   utc(r.UpdatedAt),
	}

	err := json.Unmarshal([]byte(r.Steps), &e.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps of execution %s: %w", r.ID, err)
	}

	if e.Steps == nil {
		e.Steps = make(map[string]*models.StepRun)
	}

	return e, nil
}
