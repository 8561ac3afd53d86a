package workflow

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/template"
)

// resolution is one pass over an execution: it runs until no step run can
// change any further given the task rows it was built from.
type resolution struct {
	engine     *Engine
	workflow   *models.Workflow
	execution  *models.WorkflowExecution
	steps      []*models.WorkflowStep
	successors map[string][]string
	byID       map[string]*models.Task
	byKey      map[string]*models.Task
	seen       map[string]bool
	touched    []string
	finished   bool
}

func newResolution(e *Engine, workflow *models.Workflow, execution *models.WorkflowExecution, tasks []*models.Task) *resolution {
	r := &resolution{
		engine:     e,
		workflow:   workflow,
		execution:  execution,
		steps:      slices.Clone(workflow.Steps),
		successors: make(map[string][]string, len(workflow.Steps)),
		byID:       make(map[string]*models.Task, len(tasks)),
		byKey:      make(map[string]*models.Task, len(tasks)),
		seen:       make(map[string]bool),
	}

	slices.SortStableFunc(r.steps, func(a, b *models.WorkflowStep) int { return cmp.Compare(a.Order, b.Order) })

	for _, step := range workflow.Steps {
		for _, dep := range step.DependsOn {
			r.successors[dep] = append(r.successors[dep], step.ID)
		}
	}

	for _, task := range tasks {
		r.byID[task.ID] = task

		if task.CorrelationKey != "" {
			r.byKey[task.CorrelationKey] = task
		}
	}

	return r
}

// correlationKey names one attempt of one step, so a pass that is repeated
// after a lost version race finds the task it already submitted.
func correlationKey(executionID, stepID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, stepID, attempt)
}

func (r *resolution) run(ctx context.Context) error {
	for {
		progressed := r.collect(ctx)

		if r.halted() {
			progressed = r.skipPending() || progressed
		}

		released, err := r.release(ctx)
		if err != nil {
			return err
		}

		if !progressed && !released {
			break
		}
	}

	r.finished = r.complete()

	return nil
}

func (r *resolution) touch(stepID string) {
	if r.seen[stepID] {
		return
	}

	r.seen[stepID] = true
	r.touched = append(r.touched, stepID)
}

func (r *resolution) halted() bool {
	if r.workflow.FailurePolicy != models.FailurePolicyHalt {
		return false
	}

	for _, run := range r.execution.Steps {
		if run.Status == models.StepStatusFailed {
			return true
		}
	}

	return false
}

// collect applies the outcome of every running step whose task is terminal.
func (r *resolution) collect(ctx context.Context) bool {
	progressed := false

	for _, step := range r.steps {
		run := r.execution.Steps[step.ID]
		if run == nil || run.Status != models.StepStatusRunning {
			continue
		}

		task, ok := r.byID[run.TaskID]
		if !ok || !task.Status.IsTerminal() {
			continue
		}

		r.apply(ctx, step, run, task)
		progressed = true
	}

	return progressed
}

func (r *resolution) apply(ctx context.Context, step *models.WorkflowStep, run *models.StepRun, task *models.Task) {
	now := r.engine.now()
	r.touch(step.ID)

	if task.Status == models.TaskStatusCompleted {
		run.Status = models.StepStatusCompleted
		run.Result = task.Result
		run.Error = ""
		run.CompletedAt = &now
		r.releaseSuccessors(step.ID)

		return
	}

	detail := task.Error
	if detail == "" {
		detail = "task " + string(task.Status)
	}

	run.Error = detail

	retryable := task.Status == models.TaskStatusFailed || task.Status == models.TaskStatusTimeout
	if retryable && run.Attempts <= step.MaxRestarts && !r.halted() {
		run.Status = models.StepStatusPending
		r.engine.logger.InfoContext(ctx, "Retrying workflow step",
			"execution_id", r.execution.ID, "step_id", step.ID, "attempt", run.Attempts+1, "error", detail)

		return
	}

	r.fail(step, run, detail)
}

func (r *resolution) fail(step *models.WorkflowStep, run *models.StepRun, detail string) {
	now := r.engine.now()

	run.Status = models.StepStatusFailed
	run.Error = detail
	run.CompletedAt = &now
	r.touch(step.ID)

	if r.workflow.FailurePolicy == models.FailurePolicyContinue {
		r.releaseSuccessors(step.ID)
	}
}

func (r *resolution) releaseSuccessors(stepID string) {
	for _, next := range r.successors[stepID] {
		if run := r.execution.Steps[next]; run != nil && run.Remaining > 0 {
			run.Remaining--
		}
	}
}

func (r *resolution) skipPending() bool {
	now := r.engine.now()
	skipped := false

	for _, step := range r.steps {
		run := r.execution.Steps[step.ID]
		if run == nil || run.Status != models.StepStatusPending {
			continue
		}

		run.Status = models.StepStatusSkipped
		run.Error = "skipped after an upstream step failed"
		run.CompletedAt = &now
		r.touch(step.ID)
		skipped = true
	}

	return skipped
}

// release submits a task for every pending step with no unmet predecessors.
func (r *resolution) release(ctx context.Context) (bool, error) {
	released := false

	for _, step := range r.steps {
		if r.halted() {
			return released, nil
		}

		run := r.execution.Steps[step.ID]
		if run == nil || run.Status != models.StepStatusPending || run.Remaining > 0 {
			continue
		}

		attempt := run.Attempts + 1
		key := correlationKey(r.execution.ID, step.ID, attempt)

		task, ok := r.byKey[key]
		if !ok {
			params, err := template.RenderParams(step.Action.Params, r.templateData())
			if err != nil {
				r.engine.logger.WarnContext(ctx, "Workflow step params could not be rendered",
					"execution_id", r.execution.ID, "step_id", step.ID, "error", err)

				run.Attempts = attempt
				r.fail(step, run, fmt.Sprintf("%s: %v", models.ErrInvalidParams, err))
				released = true

				continue
			}

			task, err = r.engine.submitter.Submit(ctx, dispatcher.SubmitRequest{
				DeviceID:       step.Action.DeviceID,
				Kind:           step.Action.Kind,
				Params:         params,
				TimeoutSeconds: step.Action.TimeoutSeconds,
				CorrelationKey: key,
				ExecutionID:    r.execution.ID,
				StepID:         step.ID,
			})
			if err != nil {
				if !errors.Is(err, models.ErrInvalidParams) && !errors.Is(err, models.ErrUnknownDevice) {
					return released, fmt.Errorf("failed to release step %s: %w", step.ID, err)
				}

				r.engine.logger.WarnContext(ctx, "Workflow step rejected at submission",
					"execution_id", r.execution.ID, "step_id", step.ID, "error", err)

				run.Attempts = attempt
				r.fail(step, run, err.Error())
				released = true

				continue
			}

			r.byID[task.ID] = task
			r.byKey[key] = task
		}

		now := r.engine.now()
		run.Status = models.StepStatusRunning
		run.TaskID = task.ID
		run.TaskIDs = append(run.TaskIDs, task.ID)
		run.Attempts = attempt
		run.CompletedAt = nil

		if run.StartedAt == nil {
			run.StartedAt = &now
		}

		r.touch(step.ID)
		released = true

		r.engine.logger.DebugContext(ctx, "Workflow step released",
			"execution_id", r.execution.ID, "step_id", step.ID, "task_id", task.ID, "attempt", attempt)
	}

	return released, nil
}

// templateData exposes the execution to step parameter templates as
// .execution, .workflow and .steps.<id>.{status,result,error,task_id}.
func (r *resolution) templateData() map[string]any {
	steps := make(map[string]any, len(r.execution.Steps))

	for id, run := range r.execution.Steps {
		var result any

		if len(run.Result) > 0 {
			err := json.Unmarshal(run.Result, &result)
			if err != nil {
				result = string(run.Result)
			}
		}

		steps[id] = map[string]any{
			"status":   string(run.Status),
			"result":   result,
			"error":    run.Error,
			"task_id":  run.TaskID,
			"attempts": run.Attempts,
		}
	}

	return map[string]any{
		"steps": steps,
		"execution": map[string]any{
			"id":           r.execution.ID,
			"workflow_id":  r.execution.WorkflowID,
			"triggered_by": r.execution.TriggeredBy,
		},
		"workflow": map[string]any{
			"id":   r.workflow.ID,
			"name": r.workflow.Name,
		},
	}
}

// complete marks the execution terminal once no step can run any more.
func (r *resolution) complete() bool {
	failed := ""

	for _, step := range r.steps {
		run := r.execution.Steps[step.ID]
		if run == nil {
			continue
		}

		switch run.Status {
		case models.StepStatusPending, models.StepStatusRunning:
			return false
		case models.StepStatusFailed:
			if failed == "" {
				failed = fmt.Sprintf("step %s failed: %s", step.ID, run.Error)
			}
		}
	}

	now := r.engine.now()
	r.execution.CompletedAt = &now
	r.execution.Status = models.WorkflowStatusCompleted

	if failed != "" {
		r.execution.Status = models.WorkflowStatusFailed
		r.execution.Error = failed
	}

	return true
}
