package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
)

// WorkflowRepository handles workflow definitions in memory.
type WorkflowRepository struct {
	p *Persistence
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		if existing, ok := s.Workflows[workflow.ID]; ok && !existing.CreatedAt.IsZero() {
			workflow.CreatedAt = existing.CreatedAt
		}

		s.Workflows[workflow.ID] = cloneWorkflow(workflow)

		return true, nil
	})
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow *models.Workflow

	err := r.p.read(func(s *Snapshot) error {
		stored, ok := s.Workflows[id]
		if !ok {
			return persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		workflow = cloneWorkflow(stored)

		return nil
	})

	return workflow, err
}

func (r *WorkflowRepository) List(_ context.Context) ([]*models.Workflow, error) {
	workflows := make([]*models.Workflow, 0)

	err := r.p.read(func(s *Snapshot) error {
		for _, w := range s.Workflows {
			workflows = append(workflows, cloneWorkflow(w))
		}

		return nil
	})

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })

	return workflows, err
}

func (r *WorkflowRepository) ListDue(_ context.Context, now time.Time) ([]*models.Workflow, error) {
	workflows := make([]*models.Workflow, 0)

	err := r.p.read(func(s *Snapshot) error {
		for _, w := range s.Workflows {
			if w.IsDue(now) {
				workflows = append(workflows, cloneWorkflow(w))
			}
		}

		return nil
	})

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].NextRunAt.Before(*workflows[j].NextRunAt) })

	return workflows, err
}

func (r *WorkflowRepository) UpdateSchedule(_ context.Context, id string, nextRunAt *time.Time) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		w, ok := s.Workflows[id]
		if !ok {
			return false, persistence.NewWorkflowError("UpdateSchedule", id, persistence.ErrWorkflowNotFound)
		}

		w.NextRunAt = cloneTime(nextRunAt)
		w.UpdatedAt = time.Now().UTC()

		return true, nil
	})
}

func (r *WorkflowRepository) UpdateStatus(_ context.Context, id string, status models.WorkflowStatus) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		w, ok := s.Workflows[id]
		if !ok {
			return false, persistence.NewWorkflowError("UpdateStatus", id, persistence.ErrWorkflowNotFound)
		}

		w.Status = status
		w.UpdatedAt = time.Now().UTC()

		return true, nil
	})
}

func (r *WorkflowRepository) UpdateStep(_ context.Context, step *models.WorkflowStep) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		w, ok := s.Workflows[step.WorkflowID]
		if !ok {
			return false, persistence.NewWorkflowError("UpdateStep", step.WorkflowID, persistence.ErrWorkflowNotFound)
		}

		for i, existing := range w.Steps {
			if existing.ID == step.ID {
				w.Steps[i] = cloneStep(step)

				return true, nil
			}
		}

		return false, persistence.NewWorkflowError("UpdateStep", step.WorkflowID+"/"+step.ID, persistence.ErrWorkflowNotFound)
	})
}

// ExecutionRepository handles workflow executions in memory.
type ExecutionRepository struct {
	p *Persistence
}

func (r *ExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		if _, exists := s.Executions[execution.ID]; exists {
			return false, persistence.NewExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
		}

		execution.Version = 1
		s.Executions[execution.ID] = cloneExecution(execution)

		return true, nil
	})
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	var execution *models.WorkflowExecution

	err := r.p.read(func(s *Snapshot) error {
		stored, ok := s.Executions[id]
		if !ok {
			return persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		execution = cloneExecution(stored)

		return nil
	})

	return execution, err
}

func (r *ExecutionRepository) Update(_ context.Context, execution *models.WorkflowExecution) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		stored, ok := s.Executions[execution.ID]
		if !ok {
			return false, persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		if stored.Version != execution.Version {
			return false, persistence.NewExecutionError("Update", execution.ID, persistence.ErrVersionConflict)
		}

		execution.Version++
		s.Executions[execution.ID] = cloneExecution(execution)

		return true, nil
	})
}

func (r *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return r.list(func(e *models.WorkflowExecution) bool { return e.WorkflowID == workflowID })
}

func (r *ExecutionRepository) ListActive(_ context.Context) ([]*models.WorkflowExecution, error) {
	return r.list(func(e *models.WorkflowExecution) bool { return !e.Status.IsTerminal() })
}

func (r *ExecutionRepository) list(match func(*models.WorkflowExecution) bool) ([]*models.WorkflowExecution, error) {
	executions := make([]*models.WorkflowExecution, 0)

	err := r.p.read(func(s *Snapshot) error {
		for _, e := range s.Executions {
			if match(e) {
				executions = append(executions, cloneExecution(e))
			}
		}

		return nil
	})

	sort.Slice(executions, func(i, j int) bool { return executions[i].StartedAt.After(executions[j].StartedAt) })

	return executions, err
}
