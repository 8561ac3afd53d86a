package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/jmoiron/sqlx"
)

const workflowColumns = `id, name, kind, schedule, failure_policy, status, config, next_run_at, created_at, updated_at`

const stepColumns = `workflow_id, id, name, step_order, action, depends_on, max_restarts, status, result, error`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Save upserts the workflow row and replaces its steps.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	steps := make([]stepRow, 0, len(workflow.Steps))

	for _, step := range workflow.Steps {
		step.WorkflowID = workflow.ID

		row, err := toStepRow(step)
		if err != nil {
			return persistence.NewWorkflowError("Save", workflow.ID, err)
		}

		steps = append(steps, row)
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO workflows (` + workflowColumns + `)
			VALUES (:id, :name, :kind, :schedule, :failure_policy, :status, :config, :next_run_at, :created_at, :updated_at)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				kind = excluded.kind,
				schedule = excluded.schedule,
				failure_policy = excluded.failure_policy,
				status = excluded.status,
				config = excluded.config,
				next_run_at = excluded.next_run_at,
				updated_at = excluded.updated_at
		`

		_, err := tx.NamedExecContext(ctx, query, toWorkflowRow(workflow))
		if err != nil {
			return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to save workflow base: %w", err))
		}

		// Delete existing steps (for updates)
		_, err = tx.ExecContext(ctx, tx.Rebind("DELETE FROM workflow_steps WHERE workflow_id = ?"), workflow.ID)
		if err != nil {
			return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to delete existing steps: %w", err))
		}

		if len(steps) > 0 {
			_, err = tx.NamedExecContext(ctx, `
				INSERT INTO workflow_steps (`+stepColumns+`)
				VALUES (:workflow_id, :id, :name, :step_order, :action, :depends_on, :max_restarts, :status, :result, :error)
			`, steps)
			if err != nil {
				return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to save steps: %w", err))
			}
		}

		var createdAt time.Time

		err = tx.GetContext(ctx, &createdAt, tx.Rebind("SELECT created_at FROM workflows WHERE id = ?"), workflow.ID)
		if err != nil {
			return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to read created_at: %w", err))
		}

		workflow.CreatedAt = createdAt.UTC()

		return nil
	})
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	var row workflowRow

	err := r.db.GetContext(ctx, &row, r.db.Rebind("SELECT "+workflowColumns+" FROM workflows WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, fmt.Errorf("failed to query workflow: %w", err))
	}

	workflow := row.model()

	err = r.loadSteps(ctx, workflow)
	if err != nil {
		return nil, err
	}

	return workflow, nil
}

func (r *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	return r.selectWorkflows(ctx, "SELECT "+workflowColumns+" FROM workflows ORDER BY id")
}

func (r *WorkflowRepository) ListDue(ctx context.Context, now time.Time) ([]*models.Workflow, error) {
	return r.selectWorkflows(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE schedule <> '' AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at",
		now.UTC(),
	)
}

func (r *WorkflowRepository) UpdateSchedule(ctx context.Context, id string, nextRunAt *time.Time) error {
	return r.update(ctx, "UpdateSchedule", id,
		"UPDATE workflows SET next_run_at = ?, updated_at = ? WHERE id = ?",
		nullTime(nextRunAt), time.Now().UTC(), id,
	)
}

func (r *WorkflowRepository) UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	return r.update(ctx, "UpdateStatus", id,
		"UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id,
	)
}

func (r *WorkflowRepository) UpdateStep(ctx context.Context, step *models.WorkflowStep) error {
	return r.update(ctx, "UpdateStep", step.WorkflowID,
		"UPDATE workflow_steps SET status = ?, result = ?, error = ? WHERE workflow_id = ? AND id = ?",
		string(step.Status), nullRaw(step.Result), step.Error, step.WorkflowID, step.ID,
	)
}

func (r *WorkflowRepository) update(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return persistence.NewWorkflowError(op, id, fmt.Errorf("failed to update workflow: %w", err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return persistence.NewWorkflowError(op, id, err)
	}

	if n == 0 {
		return persistence.NewWorkflowError(op, id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) selectWorkflows(ctx context.Context, query string, args ...any) ([]*models.Workflow, error) {
	var rows []workflowRow

	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(rows))

	for _, row := range rows {
		workflow := row.model()

		err := r.loadSteps(ctx, workflow)
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (r *WorkflowRepository) loadSteps(ctx context.Context, workflow *models.Workflow) error {
	var rows []stepRow

	err := r.db.SelectContext(ctx, &rows,
		r.db.Rebind("SELECT "+stepColumns+" FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order, id"),
		workflow.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to load steps of workflow %s: %w", workflow.ID, err)
	}

	workflow.Steps = make([]*models.WorkflowStep, 0, len(rows))

	for _, row := range rows {
		step, err := row.model()
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to decode workflow step", "workflow_id", workflow.ID, "step_id", row.ID, "error", err)

			return err
		}

		workflow.Steps = append(workflow.Steps, step)
	}

	return nil
}

// ExecutionRepository handles workflow execution rows.
type ExecutionRepository struct {
	db *sqlx.DB
}

const executionColumns = `id, workflow_id, status, triggered_by, steps, error, version, started_at, completed_at, updated_at`

type versionedExecutionRow struct {
	executionRow

	ExpectedVersion int `db:"expected_version"`
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	execution.Version = 1

	row, err := toExecutionRow(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		found, err := exists(ctx, tx, tx.Rebind("SELECT COUNT(1) FROM workflow_executions WHERE id = ?"), execution.ID)
		if err != nil {
			return persistence.NewExecutionError("Create", execution.ID, err)
		}

		if found {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO workflow_executions (`+executionColumns+`)
			VALUES (:id, :workflow_id, :status, :triggered_by, :steps, :error, :version, :started_at, :completed_at, :updated_at)
		`, row)
		if err != nil {
			return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to insert execution: %w", err))
		}

		return nil
	})
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var row executionRow

	err := r.db.GetContext(ctx, &row, r.db.Rebind("SELECT "+executionColumns+" FROM workflow_executions WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, fmt.Errorf("failed to query execution: %w", err))
	}

	return row.model()
}

func (r *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	row, err := toExecutionRow(execution)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	row.Version = execution.Version + 1

	query, args, err := r.db.BindNamed(`
		UPDATE workflow_executions SET
			status = :status,
			steps = :steps,
			error = :error,
			version = :version,
			completed_at = :completed_at,
			updated_at = :updated_at
		WHERE id = :id AND version = :expected_version
	`, versionedExecutionRow{executionRow: row, ExpectedVersion: execution.Version})
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, fmt.Errorf("failed to bind update: %w", err))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, fmt.Errorf("failed to update execution: %w", err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	if n == 0 {
		found, err := exists(ctx, r.db, r.db.Rebind("SELECT COUNT(1) FROM workflow_executions WHERE id = ?"), execution.ID)
		if err != nil {
			return persistence.NewExecutionError("Update", execution.ID, err)
		}

		if !found {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrVersionConflict)
	}

	execution.Version = row.Version

	return nil
}

func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return r.selectExecutions(ctx,
		"SELECT "+executionColumns+" FROM workflow_executions WHERE workflow_id = ? ORDER BY started_at DESC",
		workflowID,
	)
}

func (r *ExecutionRepository) ListActive(ctx context.Context) ([]*models.WorkflowExecution, error) {
	return r.selectExecutions(ctx,
		"SELECT "+executionColumns+" FROM workflow_executions WHERE status IN ('pending', 'running') ORDER BY started_at DESC",
	)
}

func (r *ExecutionRepository) selectExecutions(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	var rows []executionRow

	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	executions := make([]*models.WorkflowExecution, 0, len(rows))

	for _, row := range rows {
		execution, err := row.model()
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}
