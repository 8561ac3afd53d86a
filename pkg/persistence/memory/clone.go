package memory

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/dukex/devicehub/pkg/models"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}

	return slices.Clone(raw)
}

func cloneDevice(d *models.Device) *models.Device {
	c := *d
	c.Metadata = maps.Clone(d.Metadata)

	return &c
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Params = cloneRaw(t.Params)
	c.Result = cloneRaw(t.Result)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)

	if t.Transfer != nil {
		transfer := *t.Transfer
		c.Transfer = &transfer
	}

	return &c
}

func cloneChunk(ch *models.Chunk) *models.Chunk {
	c := *ch
	c.AcknowledgedAt = cloneTime(ch.AcknowledgedAt)

	return &c
}

func cloneChunks(chunks []*models.Chunk) []*models.Chunk {
	out := make([]*models.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, cloneChunk(ch))
	}

	return out
}

func cloneTransition(tr *models.TaskTransition) *models.TaskTransition {
	c := *tr

	return &c
}

func cloneStep(s *models.WorkflowStep) *models.WorkflowStep {
	c := *s
	c.DependsOn = slices.Clone(s.DependsOn)
	c.Action.Params = cloneRaw(s.Action.Params)
	c.Result = cloneRaw(s.Result)

	return &c
}

func cloneWorkflow(w *models.Workflow) *models.Workflow {
	c := *w
	c.Config = cloneRaw(w.Config)
	c.NextRunAt = cloneTime(w.NextRunAt)
	c.Steps = make([]*models.WorkflowStep, 0, len(w.Steps))

	for _, step := range w.Steps {
		c.Steps = append(c.Steps, cloneStep(step))
	}

	return &c
}

func cloneStepRun(r *models.StepRun) *models.StepRun {
	c := *r
	c.TaskIDs = slices.Clone(r.TaskIDs)
	c.Result = cloneRaw(r.Result)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)

	return &c
}

func cloneExecution(e *models.WorkflowExecution) *models.WorkflowExecution {
	c := *e
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.Steps = make(map[string]*models.StepRun, len(e.Steps))

	for id, run := range e.Steps {
		c.Steps[id] = cloneStepRun(run)
	}

	return &c
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	c := emptySnapshot()
	c.NextAuditID = s.NextAuditID

	for id, d := range s.Devices {
		c.Devices[id] = cloneDevice(d)
	}

	for id, t := range s.Tasks {
		c.Tasks[id] = cloneTask(t)
	}

	for id, chunks := range s.Chunks {
		c.Chunks[id] = cloneChunks(chunks)
	}

	for id, transitions := range s.Transitions {
		out := make([]*models.TaskTransition, 0, len(transitions))
		for _, tr := range transitions {
			out = append(out, cloneTransition(tr))
		}

		c.Transitions[id] = out
	}

	for id, w := range s.Workflows {
		c.Workflows[id] = cloneWorkflow(w)
	}

	for id, e := range s.Executions {
		c.Executions[id] = cloneExecution(e)
	}

	return c
}
