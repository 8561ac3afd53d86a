package devices_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/devices"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/mocks"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/persistence/memory"
	"github.com/dukex/devicehub/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*devices.Registry, *memory.Persistence, *testutil.Clock) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()
	clock := testutil.NewClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	registry := devices.NewRegistry(logger, store.Devices(), devices.WithClock(clock.Now))

	return registry, store, clock
}

func TestRegisterHeartbeat_CreatesDevice(t *testing.T) {
	registry, store, clock := setup(t)
	ctx := context.Background()

	device, err := registry.RegisterHeartbeat(ctx, models.Heartbeat{
		Name:      "front-desk",
		Type:      "windows",
		Addresses: []string{"fe80::1", "8.8.8.8", "192.168.1.20"},
		Metadata:  map[string]any{"os_version": "10.0.19045"},
	})
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.20", device.ID)
	assert.Equal(t, "192.168.1.20", device.Address)
	assert.True(t, device.Active)

	stored, err := store.Devices().GetByID(ctx, "192.168.1.20")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, stored.Status)
	assert.Equal(t, clock.Now(), stored.LastHeartbeat)
	assert.Equal(t, "10.0.19045", stored.Metadata["os_version"])
}

func TestRegisterHeartbeat_GeneratesIDWithoutPrivateAddress(t *testing.T) {
	registry, _, _ := setup(t)

	device, err := registry.RegisterHeartbeat(context.Background(), models.Heartbeat{Addresses: []string{"8.8.8.8"}})
	require.NoError(t, err)

	assert.NotEmpty(t, device.ID)
	assert.NotEqual(t, "8.8.8.8", device.ID)
	assert.Equal(t, "8.8.8.8", device.Address)
}

func TestRegisterHeartbeat_IsIdempotentAndLastWriterWins(t *testing.T) {
	registry, store, clock := setup(t)
	ctx := context.Background()

	first, err := registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1", Name: "old", Metadata: map[string]any{"a": "1"}})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)

	_, err = registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1", Name: "new", Metadata: map[string]any{"b": "2"}})
	require.NoError(t, err)

	list, err := store.Devices().List(ctx, persistence.ListDevicesOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.Equal(t, "new", list[0].Name)
	assert.Equal(t, map[string]any{"b": "2"}, list[0].Metadata)
	assert.Equal(t, first.CreatedAt, list[0].CreatedAt)
	assert.Equal(t, clock.Now(), list[0].LastHeartbeat)
}

func TestRegisterHeartbeat_MergesMetrics(t *testing.T) {
	registry, store, clock := setup(t)
	ctx := context.Background()

	_, err := registry.RegisterHeartbeat(ctx, models.Heartbeat{
		DeviceID: "dev-1",
		Metadata: map[string]any{"hostname": "kiosk"},
		Metrics:  map[string]any{"cpu_percent": 12.5},
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	// A heartbeat without metadata keeps what is stored.
	_, err = registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1"})
	require.NoError(t, err)

	device, err := store.Devices().GetByID(ctx, "dev-1")
	require.NoError(t, err)

	assert.Equal(t, "kiosk", device.Metadata["hostname"])
	assert.Equal(t, map[string]any{"cpu_percent": 12.5}, device.Metadata[devices.MetricsKey])
	assert.Equal(t, "2026-05-04T12:00:00Z", device.Metadata[devices.MetricsUpdatedAtKey])
}

func TestGetStatus(t *testing.T) {
	registry, store, clock := setup(t)
	ctx := context.Background()

	status, err := registry.GetStatus(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusUnknown, status)

	_, err = registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1"})
	require.NoError(t, err)

	clock.Advance(devices.DefaultLivenessWindow - time.Second)

	status, err = registry.GetStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, status)

	clock.Advance(time.Second)

	status, err = registry.GetStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, status)

	stored, err := store.Devices().GetByID(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, stored.Status, "stale status is materialized lazily")
}

func TestGetAndListDeriveStatus(t *testing.T) {
	registry, _, clock := setup(t)
	ctx := context.Background()

	_, err := registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "stale"})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	_, err = registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "fresh"})
	require.NoError(t, err)

	device, err := registry.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, device.Status)

	online, err := registry.List(ctx, persistence.ListDevicesOptions{Status: models.DeviceStatusOnline})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "fresh", online[0].ID)

	_, err = registry.Get(ctx, "ghost")
	assert.True(t, persistence.IsDeviceNotFound(err))
}

func TestSweep(t *testing.T) {
	registry, store, clock := setup(t)
	ctx := context.Background()

	_, err := registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "a"})
	require.NoError(t, err)

	clock.Advance(90 * time.Second)

	_, err = registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "b"})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)

	ids, err := registry.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	b, err := store.Devices().GetByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, b.Status)

	ids, err = registry.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeactivate(t *testing.T) {
	registry, _, _ := setup(t)
	ctx := context.Background()

	_, err := registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1"})
	require.NoError(t, err)

	exists, err := registry.Exists(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, registry.Deactivate(ctx, "dev-1"))

	exists, err = registry.Exists(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, exists)

	// Heartbeats do not reactivate a device.
	device, err := registry.RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.False(t, device.Active)

	require.NoError(t, registry.Activate(ctx, "dev-1"))

	exists, err = registry.Exists(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.True(t, persistence.IsDeviceNotFound(registry.Deactivate(ctx, "ghost")))
}

func TestHandleHeartbeatEvent(t *testing.T) {
	registry, store, _ := setup(t)
	ctx := context.Background()

	err := registry.HandleHeartbeatEvent(ctx, &events.DeviceHeartbeat{
		BaseEvent: events.NewBaseEvent(events.DeviceHeartbeatEvent),
		Heartbeat: models.Heartbeat{DeviceID: "dev-9", Name: "lab"},
	})
	require.NoError(t, err)

	device, err := store.Devices().GetByID(ctx, "dev-9")
	require.NoError(t, err)
	assert.Equal(t, "lab", device.Name)

	assert.Error(t, registry.HandleHeartbeatEvent(ctx, "not an event"))
}

func TestStartStop(t *testing.T) {
	registry, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, registry.Start(ctx))
	require.NoError(t, registry.Start(ctx))
	require.NoError(t, registry.Stop(ctx))
	require.NoError(t, registry.Stop(ctx))
}

func TestRegistry_StorageFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()
	storageErr := errors.New("connection reset")

	t.Run("heartbeat load", func(t *testing.T) {
		repo := &mocks.MockDeviceRepository{}
		repo.On("GetByID", mock.Anything, "dev-1").Return(nil, storageErr)

		_, err := devices.NewRegistry(logger, repo).RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1"})
		require.ErrorIs(t, err, storageErr)
		repo.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	})

	t.Run("heartbeat store", func(t *testing.T) {
		repo := &mocks.MockDeviceRepository{}
		repo.On("GetByID", mock.Anything, "dev-1").Return(nil, persistence.ErrDeviceNotFound)
		repo.On("Upsert", mock.Anything, mock.AnythingOfType("*models.Device")).Return(storageErr)

		_, err := devices.NewRegistry(logger, repo).RegisterHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1"})
		require.ErrorIs(t, err, storageErr)
		repo.AssertExpectations(t)
	})

	t.Run("existence check", func(t *testing.T) {
		repo := &mocks.MockDeviceRepository{}
		repo.On("GetByID", mock.Anything, "dev-1").Return(nil, storageErr)

		exists, err := devices.NewRegistry(logger, repo).Exists(ctx, "dev-1")
		require.ErrorIs(t, err, storageErr)
		assert.False(t, exists)
	})

	t.Run("sweep", func(t *testing.T) {
		repo := &mocks.MockDeviceRepository{}
		repo.On("MarkOffline", mock.Anything, mock.Anything).Return(nil, storageErr)

		_, err := devices.NewRegistry(logger, repo).Sweep(ctx)
		require.ErrorIs(t, err, storageErr)
		repo.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
	})
}

func TestGetStatus_ToleratesFailedStatusWrite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := testutil.NewClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	repo := &mocks.MockDeviceRepository{}
	repo.On("GetByID", mock.Anything, "dev-1").Return(&models.Device{
		ID:            "dev-1",
		Active:        true,
		Status:        models.DeviceStatusOnline,
		LastHeartbeat: clock.Now().Add(-time.Hour),
	}, nil)
	repo.On("SetStatus", mock.Anything, "dev-1", models.DeviceStatusOffline, mock.Anything).Return(errors.New("read-only replica"))

	status, err := devices.NewRegistry(logger, repo, devices.WithClock(clock.Now)).GetStatus(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, status)
	repo.AssertExpectations(t)
}
