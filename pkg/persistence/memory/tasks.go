package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
)

// TaskRepository handles task rows and audit entries in memory.
type TaskRepository struct {
	p *Persistence
}

func (r *TaskRepository) Create(_ context.Context, task *models.Task, chunks []*models.Chunk) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		if _, exists := s.Tasks[task.ID]; exists {
			return false, persistence.NewTaskError("Create", task.ID, persistence.ErrAlreadyExists)
		}

		task.Version = 1
		s.Tasks[task.ID] = cloneTask(task)

		if len(chunks) > 0 {
			s.Chunks[task.ID] = cloneChunks(chunks)
		}

		appendTransition(s, &models.TaskTransition{
			TaskID: task.ID,
			To:     task.Status,
			Source: task.CreationSource(),
			At:     task.CreatedAt,
		})

		return true, nil
	})
}

func (r *TaskRepository) GetByID(_ context.Context, id string) (*models.Task, error) {
	var task *models.Task

	err := r.p.read(func(s *Snapshot) error {
		stored, ok := s.Tasks[id]
		if !ok {
			return persistence.NewTaskError("GetByID", id, persistence.ErrTaskNotFound)
		}

		task = cloneTask(stored)

		return nil
	})

	return task, err
}

func (r *TaskRepository) Update(_ context.Context, task *models.Task, transition *models.TaskTransition) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		stored, ok := s.Tasks[task.ID]
		if !ok {
			return false, persistence.NewTaskError("Update", task.ID, persistence.ErrTaskNotFound)
		}

		if stored.Version != task.Version {
			return false, persistence.NewTaskError("Update", task.ID, persistence.ErrVersionConflict)
		}

		task.Version++
		s.Tasks[task.ID] = cloneTask(task)

		if transition != nil {
			appendTransition(s, transition)
		}

		return true, nil
	})
}

func (r *TaskRepository) ListByDevice(_ context.Context, deviceID string, opts persistence.ListTasksOptions) (*persistence.TaskListResult, error) {
	opts.Normalize()

	matched := make([]*models.Task, 0)

	err := r.p.read(func(s *Snapshot) error {
		for _, t := range s.Tasks {
			if t.DeviceID != deviceID {
				continue
			}

			if opts.Status != "" && t.Status != opts.Status {
				continue
			}

			if opts.Kind != "" && t.Kind != opts.Kind {
				continue
			}

			matched = append(matched, cloneTask(t))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sortNewestFirst(matched)

	total := len(matched)
	start := min(opts.Offset, total)
	end := min(opts.Offset+opts.Limit, total)

	return &persistence.TaskListResult{
		Tasks:       matched[start:end],
		TotalCount:  int64(total),
		HasNextPage: end < total,
	}, nil
}

func (r *TaskRepository) ListByExecution(_ context.Context, executionID string) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0)

	err := r.p.read(func(s *Snapshot) error {
		for _, t := range s.Tasks {
			if t.ExecutionID == executionID {
				tasks = append(tasks, cloneTask(t))
			}
		}

		return nil
	})

	sortNewestFirst(tasks)

	return tasks, err
}

func (r *TaskRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0)

	err := r.p.read(func(s *Snapshot) error {
		for _, t := range s.Tasks {
			if t.Expired(now) {
				tasks = append(tasks, cloneTask(t))
			}
		}

		return nil
	})

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].DeadlineAt.Before(tasks[j].DeadlineAt) })

	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	return tasks, err
}

func (r *TaskRepository) Transitions(_ context.Context, taskID string) ([]*models.TaskTransition, error) {
	transitions := make([]*models.TaskTransition, 0)

	err := r.p.read(func(s *Snapshot) error {
		if _, ok := s.Tasks[taskID]; !ok {
			return persistence.NewTaskError("Transitions", taskID, persistence.ErrTaskNotFound)
		}

		for _, tr := range s.Transitions[taskID] {
			transitions = append(transitions, cloneTransition(tr))
		}

		return nil
	})

	return transitions, err
}

func (r *TaskRepository) CountByStatus(_ context.Context) (map[models.TaskStatus]int, error) {
	counts := make(map[models.TaskStatus]int)

	err := r.p.read(func(s *Snapshot) error {
		for _, t := range s.Tasks {
			counts[t.Status]++
		}

		return nil
	})

	return counts, err
}

func (r *TaskRepository) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	err := r.p.write(func(s *Snapshot) (bool, error) {
		for id, t := range s.Tasks {
			if !t.Status.IsTerminal() || t.CompletedAt == nil || !t.CompletedAt.Before(cutoff) {
				continue
			}

			delete(s.Tasks, id)
			delete(s.Chunks, id)
			delete(s.Transitions, id)
			deleted++
		}

		return deleted > 0, nil
	})

	return deleted, err
}

func appendTransition(s *Snapshot, transition *models.TaskTransition) {
	s.NextAuditID++
	transition.ID = s.NextAuditID
	s.Transitions[transition.TaskID] = append(s.Transitions[transition.TaskID], cloneTransition(transition))
}

func sortNewestFirst(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}

		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// ChunkRepository handles chunk rows in memory.
type ChunkRepository struct {
	p *Persistence
}

func (r *ChunkRepository) List(_ context.Context, taskID string) ([]*models.Chunk, error) {
	var chunks []*models.Chunk

	err := r.p.read(func(s *Snapshot) error {
		chunks = cloneChunks(s.Chunks[taskID])

		return nil
	})

	return chunks, err
}

func (r *ChunkRepository) Acknowledge(_ context.Context, taskID string, index int, hash string, at time.Time) (bool, error) {
	changed := false

	err := r.p.write(func(s *Snapshot) (bool, error) {
		for _, ch := range s.Chunks[taskID] {
			if ch.Index != index {
				continue
			}

			if ch.Acknowledged {
				return false, nil
			}

			ch.Acknowledged = true
			ch.Hash = hash
			ch.AcknowledgedAt = cloneTime(&at)
			changed = true

			return true, nil
		}

		return false, persistence.NewChunkError("Acknowledge", taskID, index, persistence.ErrChunkNotFound)
	})

	return changed, err
}

func (r *ChunkRepository) Replace(_ context.Context, taskID string, chunks []*models.Chunk) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		for _, ch := range s.Chunks[taskID] {
			if ch.Acknowledged {
				return false, persistence.NewChunkError("Replace", taskID, ch.Index, persistence.ErrAlreadyExists)
			}
		}

		s.Chunks[taskID] = cloneChunks(chunks)

		return true, nil
	})
}
