package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/jmoiron/sqlx"
)

const taskColumns = `id, device_id, kind, params, status, result, error, timeout_seconds, correlation_key,
	execution_id, step_id, cancel_requested, transfer, version, created_at, started_at, completed_at,
	deadline_at, updated_at`

const terminalStatuses = `('completed', 'failed', 'timeout', 'cancelled')`

type versionedTaskRow struct {
	taskRow

	ExpectedVersion int `db:"expected_version"`
}

// TaskRepository handles task-related database operations.
type TaskRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func (r *TaskRepository) Create(ctx context.Context, task *models.Task, chunks []*models.Chunk) error {
	task.Version = 1

	row, err := toTaskRow(task)
	if err != nil {
		return persistence.NewTaskError("Create", task.ID, err)
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		found, err := exists(ctx, tx, tx.Rebind("SELECT COUNT(1) FROM tasks WHERE id = ?"), task.ID)
		if err != nil {
			return persistence.NewTaskError("Create", task.ID, fmt.Errorf("failed to query task: %w", err))
		}

		if found {
			return persistence.NewTaskError("Create", task.ID, persistence.ErrAlreadyExists)
		}

		query := `
			INSERT INTO tasks (` + taskColumns + `)
			VALUES (:id, :device_id, :kind, :params, :status, :result, :error, :timeout_seconds, :correlation_key,
				:execution_id, :step_id, :cancel_requested, :transfer, :version, :created_at, :started_at,
				:completed_at, :deadline_at, :updated_at)
		`

		_, err = tx.NamedExecContext(ctx, query, row)
		if err != nil {
			return persistence.NewTaskError("Create", task.ID, fmt.Errorf("failed to insert task: %w", err))
		}

		err = insertChunks(ctx, tx, chunks)
		if err != nil {
			return persistence.NewTaskError("Create", task.ID, err)
		}

		return insertTransition(ctx, tx, &models.TaskTransition{
			TaskID: task.ID,
			To:     task.Status,
			Source: task.CreationSource(),
			At:     task.CreatedAt,
		})
	})
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow

	err := r.db.GetContext(ctx, &row, r.db.Rebind("SELECT "+taskColumns+" FROM tasks WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("GetByID", id, persistence.ErrTaskNotFound)
		}

		return nil, persistence.NewTaskError("GetByID", id, fmt.Errorf("failed to query task: %w", err))
	}

	return row.model()
}

func (r *TaskRepository) Update(ctx context.Context, task *models.Task, transition *models.TaskTransition) error {
	row, err := toTaskRow(task)
	if err != nil {
		return persistence.NewTaskError("Update", task.ID, err)
	}

	row.Version = task.Version + 1

	err = withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		// Compare-and-swap on the version read by the caller.
		query, args, err := tx.BindNamed(`
			UPDATE tasks SET
				status = :status,
				result = :result,
				error = :error,
				timeout_seconds = :timeout_seconds,
				cancel_requested = :cancel_requested,
				transfer = :transfer,
				version = :version,
				started_at = :started_at,
				completed_at = :completed_at,
				deadline_at = :deadline_at,
				updated_at = :updated_at
			WHERE id = :id AND version = :expected_version
		`, versionedTaskRow{taskRow: row, ExpectedVersion: task.Version})
		if err != nil {
			return persistence.NewTaskError("Update", task.ID, fmt.Errorf("failed to bind update: %w", err))
		}

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return persistence.NewTaskError("Update", task.ID, fmt.Errorf("failed to update task: %w", err))
		}

		n, err := rowsAffected(result)
		if err != nil {
			return persistence.NewTaskError("Update", task.ID, err)
		}

		if n == 0 {
			found, err := exists(ctx, tx, tx.Rebind("SELECT COUNT(1) FROM tasks WHERE id = ?"), task.ID)
			if err != nil {
				return persistence.NewTaskError("Update", task.ID, err)
			}

			if !found {
				return persistence.NewTaskError("Update", task.ID, persistence.ErrTaskNotFound)
			}

			return persistence.NewTaskError("Update", task.ID, persistence.ErrVersionConflict)
		}

		if transition != nil {
			return insertTransition(ctx, tx, transition)
		}

		return nil
	})
	if err != nil {
		return err
	}

	task.Version = row.Version

	return nil
}

func (r *TaskRepository) ListByDevice(ctx context.Context, deviceID string, opts persistence.ListTasksOptions) (*persistence.TaskListResult, error) {
	opts.Normalize()

	conditions := []string{"device_id = ?"}
	args := []any{deviceID}

	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}

	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(opts.Kind))
	}

	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int64

	err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(1) FROM tasks"+where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := "SELECT " + taskColumns + " FROM tasks" + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"

	tasks, err := r.selectTasks(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, err
	}

	return &persistence.TaskListResult{
		Tasks:       tasks,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(tasks)) < total,
	}, nil
}

func (r *TaskRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.Task, error) {
	return r.selectTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE execution_id = ? ORDER BY created_at DESC, id DESC",
		executionID,
	)
}

func (r *TaskRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE status IN ('pending', 'running') AND deadline_at < ? ORDER BY deadline_at"
	args := []any{now.UTC()}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return r.selectTasks(ctx, query, args...)
}

func (r *TaskRepository) Transitions(ctx context.Context, taskID string) ([]*models.TaskTransition, error) {
	found, err := exists(ctx, r.db, r.db.Rebind("SELECT COUNT(1) FROM tasks WHERE id = ?"), taskID)
	if err != nil {
		return nil, persistence.NewTaskError("Transitions", taskID, err)
	}

	if !found {
		return nil, persistence.NewTaskError("Transitions", taskID, persistence.ErrTaskNotFound)
	}

	var rows []transitionRow

	err = r.db.SelectContext(ctx, &rows,
		r.db.Rebind("SELECT id, task_id, from_status, to_status, source, detail, at FROM task_transitions WHERE task_id = ? ORDER BY id"),
		taskID,
	)
	if err != nil {
		return nil, persistence.NewTaskError("Transitions", taskID, fmt.Errorf("failed to query transitions: %w", err))
	}

	transitions := make([]*models.TaskTransition, 0, len(rows))
	for _, row := range rows {
		transitions = append(transitions, row.model())
	}

	return transitions, nil
}

func (r *TaskRepository) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}

	err := r.db.SelectContext(ctx, &rows, "SELECT status, COUNT(1) AS count FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}

	counts := make(map[models.TaskStatus]int, len(rows))
	for _, row := range rows {
		counts[models.TaskStatus(row.Status)] = row.Count
	}

	return counts, nil
}

func (r *TaskRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	selectExpired := "SELECT id FROM tasks WHERE status IN " + terminalStatuses + " AND completed_at < ?"

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, table := range []string{"task_chunks", "task_transitions"} {
			_, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM "+table+" WHERE task_id IN ("+selectExpired+")"), cutoff.UTC())
			if err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}

		result, err := tx.ExecContext(ctx,
			tx.Rebind("DELETE FROM tasks WHERE status IN "+terminalStatuses+" AND completed_at < ?"),
			cutoff.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to delete tasks: %w", err)
		}

		deleted, err = rowsAffected(result)

		return err
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		r.logger.InfoContext(ctx, "Deleted terminal tasks", "count", deleted, "cutoff", cutoff)
	}

	return deleted, nil
}

func (r *TaskRepository) selectTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	var rows []taskRow

	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := make([]*models.Task, 0, len(rows))

	for _, row := range rows {
		task, err := row.model()
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

func insertTransition(ctx context.Context, tx *sqlx.Tx, transition *models.TaskTransition) error {
	query := `
		INSERT INTO task_transitions (task_id, from_status, to_status, source, detail, at)
		VALUES (:task_id, :from_status, :to_status, :source, :detail, :at)
	`

	_, err := tx.NamedExecContext(ctx, query, toTransitionRow(transition))
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}

	return nil
}
