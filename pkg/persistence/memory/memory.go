// Package memory provides an in-process persistence implementation. All
// repositories share one lock, so multi-row writes are atomic.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
)

var errClosed = errors.New("memory store is closed")

// Snapshot is a point-in-time copy of every row held by the store.
type Snapshot struct {
	Devices     map[string]*models.Device            `json:"devices"`
	Tasks       map[string]*models.Task              `json:"tasks"`
	Chunks      map[string][]*models.Chunk           `json:"chunks"`
	Transitions map[string][]*models.TaskTransition  `json:"transitions"`
	Workflows   map[string]*models.Workflow          `json:"workflows"`
	Executions  map[string]*models.WorkflowExecution `json:"executions"`
	NextAuditID int64                                `json:"next_audit_id"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Devices:     make(map[string]*models.Device),
		Tasks:       make(map[string]*models.Task),
		Chunks:      make(map[string][]*models.Chunk),
		Transitions: make(map[string][]*models.TaskTransition),
		Workflows:   make(map[string]*models.Workflow),
		Executions:  make(map[string]*models.WorkflowExecution),
	}
}

// Option configures a memory store.
type Option func(*Persistence)

// WithSnapshot seeds the store with previously captured rows.
func WithSnapshot(s *Snapshot) Option {
	return func(p *Persistence) {
		if s == nil {
			return
		}

		p.state = cloneSnapshot(s)
		p.state.fill()
	}
}

// WithChangeHook registers fn to receive a snapshot after every committed write.
// fn runs while the store lock is held and must not call back into the store.
func WithChangeHook(fn func(*Snapshot) error) Option {
	return func(p *Persistence) {
		p.onChange = fn
	}
}

// Persistence implements persistence.Persistence in memory.
type Persistence struct {
	mu       sync.RWMutex
	state    *Snapshot
	onChange func(*Snapshot) error
	closed   bool

	devices    *DeviceRepository
	tasks      *TaskRepository
	chunks     *ChunkRepository
	workflows  *WorkflowRepository
	executions *ExecutionRepository
}

// NewPersistence creates an empty in-memory store.
func NewPersistence(opts ...Option) *Persistence {
	p := &Persistence{state: emptySnapshot()}

	for _, opt := range opts {
		opt(p)
	}

	p.devices = &DeviceRepository{p: p}
	p.tasks = &TaskRepository{p: p}
	p.chunks = &ChunkRepository{p: p}
	p.workflows = &WorkflowRepository{p: p}
	p.executions = &ExecutionRepository{p: p}

	return p
}

func (p *Persistence) Devices() persistence.DeviceRepository       { return p.devices }
func (p *Persistence) Tasks() persistence.TaskRepository           { return p.tasks }
func (p *Persistence) Chunks() persistence.ChunkRepository         { return p.chunks }
func (p *Persistence) Workflows() persistence.WorkflowRepository   { return p.workflows }
func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executions }

// HealthCheck always succeeds while the store is open.
func (p *Persistence) HealthCheck(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errClosed
	}

	return nil
}

// Close marks the store closed.
func (p *Persistence) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}

// Snapshot returns a deep copy of the current rows.
func (p *Persistence) Snapshot() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return cloneSnapshot(p.state)
}

// write runs fn under the write lock and fires the change hook when fn
// reports a modification.
func (p *Persistence) write(fn func(s *Snapshot) (bool, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed, err := fn(p.state)
	if err != nil {
		return err
	}

	if changed && p.onChange != nil {
		return p.onChange(cloneSnapshot(p.state))
	}

	return nil
}

func (p *Persistence) read(fn func(s *Snapshot) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return fn(p.state)
}

func (s *Snapshot) fill() {
	empty := emptySnapshot()

	if s.Devices == nil {
		s.Devices = empty.Devices
	}

	if s.Tasks == nil {
		s.Tasks = empty.Tasks
	}

	if s.Chunks == nil {
		s.Chunks = empty.Chunks
	}

	if s.Transitions == nil {
		s.Transitions = empty.Transitions
	}

	if s.Workflows == nil {
		s.Workflows = empty.Workflows
	}

	if s.Executions == nil {
		s.Executions = empty.Executions
	}
}
