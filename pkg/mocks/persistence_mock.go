package mocks

import (
	"context"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockTaskRepository is a mock implementation of persistence.TaskRepository.
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) Create(ctx context.Context, task *models.Task, chunks []*models.Chunk) error {
	args := m.Called(ctx, task, chunks)

	return args.Error(0)
}

func (m *MockTaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Task), args.Error(1)
}

func (m *MockTaskRepository) Update(ctx context.Context, task *models.Task, transition *models.TaskTransition) error {
	args := m.Called(ctx, task, transition)

	return args.Error(0)
}

func (m *MockTaskRepository) ListByDevice(ctx context.Context, deviceID string, opts persistence.ListTasksOptions) (*persistence.TaskListResult, error) {
	args := m.Called(ctx, deviceID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.TaskListResult), args.Error(1)
}

func (m *MockTaskRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.Task, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Task), args.Error(1)
}

func (m *MockTaskRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Task), args.Error(1)
}

func (m *MockTaskRepository) Transitions(ctx context.Context, taskID string) ([]*models.TaskTransition, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.TaskTransition), args.Error(1)
}

func (m *MockTaskRepository) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[models.TaskStatus]int), args.Error(1)
}

func (m *MockTaskRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)

	return args.Get(0).(int64), args.Error(1)
}

// MockDeviceRepository is a mock implementation of persistence.DeviceRepository.
type MockDeviceRepository struct {
	mock.Mock
}

func (m *MockDeviceRepository) Upsert(ctx context.Context, device *models.Device) error {
	args := m.Called(ctx, device)

	return args.Error(0)
}

func (m *MockDeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Device), args.Error(1)
}

func (m *MockDeviceRepository) List(ctx context.Context, opts persistence.ListDevicesOptions) ([]*models.Device, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Device), args.Error(1)
}

func (m *MockDeviceRepository) SetActive(ctx context.Context, id string, active bool) error {
	args := m.Called(ctx, id, active)

	return args.Error(0)
}

func (m *MockDeviceRepository) SetStatus(ctx context.Context, id string, status models.DeviceStatus, lastHeartbeat time.Time) error {
	args := m.Called(ctx, id, status, lastHeartbeat)

	return args.Error(0)
}

func (m *MockDeviceRepository) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]string), args.Error(1)
}
